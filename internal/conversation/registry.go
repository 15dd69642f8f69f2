package conversation

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/connectnearby/pkg/models"
)

// conversationNamespace seeds the name-based ids of two-party conversations
var conversationNamespace = uuid.MustParse("6f1d0a52-93c4-4d8e-b0a7-2f5c1e8d9a34")

// KeyFor returns the conversation id shared by two identities. Argument order does not matter.
func KeyFor(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(conversationNamespace, []byte(a+"\x00"+b)).String()
}

// NewConversation builds a draft conversation between two identities. It has no
// messages and a zero UpdatedAt until the first send lands.
func NewConversation(a, b models.Identity) models.Conversation {
	conv := models.Conversation{
		ID:                 KeyFor(a.ID, b.ID),
		ParticipantIDs:     [2]string{a.ID, b.ID},
		ParticipantNames:   map[string]string{a.ID: a.DisplayName, b.ID: b.DisplayName},
		ParticipantAvatars: map[string]string{},
	}
	if a.AvatarURL != "" {
		conv.ParticipantAvatars[a.ID] = a.AvatarURL
	}
	if b.AvatarURL != "" {
		conv.ParticipantAvatars[b.ID] = b.AvatarURL
	}
	return conv
}

// Registry holds the conversations visible to a session, kept sorted by recency
type Registry struct {
	mu    sync.RWMutex
	items []models.Conversation
}

func NewRegistry() *Registry {
	return &Registry{}
}

// List returns the conversations that include identityID, most recent first.
// Ties on UpdatedAt are broken by id ascending.
func (r *Registry) List(identityID string) []models.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Conversation, 0, len(r.items))
	for i := range r.items {
		if r.items[i].Includes(identityID) {
			out = append(out, r.items[i].Clone())
		}
	}
	return out
}

// Find looks a conversation up by id
func (r *Registry) Find(id string) (models.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(id); i >= 0 {
		return r.items[i].Clone(), true
	}
	return models.Conversation{}, false
}

// Upsert replaces or inserts conv and re-sorts
func (r *Registry) Upsert(conv models.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(conv.Clone())
	return nil
}

// Replace swaps the whole registry content, e.g. after loading from storage
func (r *Registry) Replace(convs []models.Conversation) error {
	items := make([]models.Conversation, 0, len(convs))
	for i := range convs {
		if err := convs[i].Validate(); err != nil {
			return err
		}
		items = append(items, convs[i].Clone())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = items
	r.sortLocked()
	return nil
}

// Merge upserts convs, keeping any local copy that is more recent than the
// loaded one. It reports how many entries changed.
func (r *Registry) Merge(convs []models.Conversation) (int, error) {
	for i := range convs {
		if err := convs[i].Validate(); err != nil {
			return 0, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for i := range convs {
		if j := r.indexOf(convs[i].ID); j >= 0 && r.items[j].UpdatedAt.After(convs[i].UpdatedAt) {
			continue
		}
		r.put(convs[i].Clone())
		changed++
	}
	return changed, nil
}

// RecordMessage advances LastMessage and UpdatedAt of the conversation owning msg.
// An unknown conversation is inserted from base. A message older than the
// conversation's current UpdatedAt leaves recency untouched.
func (r *Registry) RecordMessage(base models.Conversation, msg models.Message) (models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := base
	if i := r.indexOf(msg.ConversationID); i >= 0 {
		conv = r.items[i]
		if conv.LastMessage != nil && msg.Timestamp.Before(conv.UpdatedAt) {
			return conv.Clone(), nil
		}
	}
	conv = conv.Clone()
	if err := conv.Validate(); err != nil {
		return models.Conversation{}, err
	}
	m := msg
	conv.LastMessage = &m
	conv.UpdatedAt = msg.Timestamp
	r.put(conv)
	return conv.Clone(), nil
}

// Search is Filter over List
func (r *Registry) Search(identityID, term string) []models.Conversation {
	return Filter(r.List(identityID), identityID, term)
}

// Clear drops every conversation
func (r *Registry) Clear() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *Registry) put(conv models.Conversation) {
	if i := r.indexOf(conv.ID); i >= 0 {
		r.items[i] = conv
	} else {
		r.items = append(r.items, conv)
	}
	r.sortLocked()
}

func (r *Registry) indexOf(id string) int {
	for i := range r.items {
		if r.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) sortLocked() {
	sort.Slice(r.items, func(i, j int) bool {
		a, b := r.items[i], r.items[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

// Filter keeps the conversations whose counterpart name or last message text
// contains term, ignoring case. An empty term keeps everything. convs is not modified.
func Filter(convs []models.Conversation, identityID, term string) []models.Conversation {
	needle := strings.ToLower(strings.TrimSpace(term))
	out := make([]models.Conversation, 0, len(convs))
	for i := range convs {
		if needle == "" || matches(&convs[i], identityID, needle) {
			out = append(out, convs[i])
		}
	}
	return out
}

func matches(conv *models.Conversation, identityID, needle string) bool {
	name := conv.ParticipantNames[conv.Counterpart(identityID)]
	if strings.Contains(strings.ToLower(name), needle) {
		return true
	}
	return conv.LastMessage != nil && strings.Contains(strings.ToLower(conv.LastMessage.Text), needle)
}
