// Package storage persists conversations and their confirmed messages.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectnearby/pkg/models"
)

// Store is the persistence collaborator of the messaging core.
// Messages it returns are always Confirmed.
type Store interface {
	// LoadConversations lists the conversations of identityID that hold at least one message
	LoadConversations(ctx context.Context, identityID string) ([]models.Conversation, error)
	// LoadMessages returns a conversation's messages in timestamp order
	LoadMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	// EnsureConversation creates conv if it does not exist yet. Existing rows are left alone.
	EnsureConversation(ctx context.Context, conv models.Conversation) error
	SendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error)
}

// InMemoryStore is a threadsafe in-memory store for tests and single-node runs
type InMemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]*models.Conversation
	messages map[string][]models.Message
	now      func() time.Time
	newID    func() string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:    make(map[string]*models.Conversation),
		messages: make(map[string][]models.Message),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock replaces the message timestamp source
func (s *InMemoryStore) WithClock(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

// WithIDGenerator replaces the message id source
func (s *InMemoryStore) WithIDGenerator(newID func() string) *InMemoryStore {
	s.newID = newID
	return s
}

// Seed stores a pre-existing conversation with its history
func (s *InMemoryStore) Seed(conv models.Conversation, msgs ...models.Message) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := conv.Clone()
	cp.LastMessage = nil
	history := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		m.ConversationID = cp.ID
		m.DeliveryState = models.DeliveryConfirmed
		history = append(history, m)
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })
	if n := len(history); n > 0 {
		last := history[n-1]
		cp.LastMessage = &last
		cp.UpdatedAt = last.Timestamp
	}
	s.convs[cp.ID] = &cp
	s.messages[cp.ID] = history
	return nil
}

func (s *InMemoryStore) LoadConversations(ctx context.Context, identityID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, 0)
	for _, c := range s.convs {
		if c.LastMessage == nil || !c.Includes(identityID) {
			continue
		}
		out = append(out, c.Clone())
	}
	sortConversations(out)
	return out, nil
}

func (s *InMemoryStore) LoadMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}
	out := make([]models.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	return out, nil
}

func (s *InMemoryStore) EnsureConversation(ctx context.Context, conv models.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return nil
	}
	cp := conv.Clone()
	cp.LastMessage = nil
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	s.convs[cp.ID] = &cp
	return nil
}

func (s *InMemoryStore) SendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, fmt.Errorf("%w: message text is empty", models.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return models.Message{}, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}
	if !conv.Includes(senderID) {
		return models.Message{}, fmt.Errorf("%w: %s is not a participant of %s", models.ErrAccessDenied, senderID, conversationID)
	}

	msg := models.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Timestamp:      nextTimestamp(s.now(), conv),
		DeliveryState:  models.DeliveryConfirmed,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	last := msg
	conv.LastMessage = &last
	conv.UpdatedAt = msg.Timestamp
	return msg, nil
}

// nextTimestamp keeps a conversation's message timestamps non-decreasing
func nextTimestamp(now time.Time, conv *models.Conversation) time.Time {
	if conv.LastMessage != nil && now.Before(conv.UpdatedAt) {
		return conv.UpdatedAt
	}
	return now
}

func sortConversations(convs []models.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
}
