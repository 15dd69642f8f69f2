// Package chat wires the messaging core together for one signed-in session:
// the session store, its conversation registry, one message log and one send
// pipeline per conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/conversation"
	"github.com/connectnearby/internal/messagelog"
	"github.com/connectnearby/internal/retry"
	"github.com/connectnearby/internal/send"
	"github.com/connectnearby/internal/session"
	"github.com/connectnearby/internal/storage"
	"github.com/connectnearby/pkg/models"
)

// Profiles looks up counterpart identities
type Profiles interface {
	Lookup(ctx context.Context, id string) (models.Identity, error)
}

// Config tunes a Workspace
type Config struct {
	DispatchTimeout time.Duration
	ReconcileWindow time.Duration
	Retry           retry.RetryConfig
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		DispatchTimeout: send.DefaultDispatchTimeout,
		ReconcileWindow: messagelog.DefaultReconcileWindow,
		Retry:           retry.LoadRetryConfig(3, 200*time.Millisecond, 5*time.Second),
	}
}

// Workspace is the messaging state of one session. It is dropped as soon as
// the session turns Anonymous.
type Workspace struct {
	session  *session.Store
	store    storage.Store
	profiles Profiles
	cfg      Config
	registry *conversation.Registry

	mu        sync.Mutex
	drafts    map[string]models.Conversation
	logs      map[string]*messagelog.Log
	pipelines map[string]*send.Pipeline

	unsubscribe func()
}

func NewWorkspace(sess *session.Store, store storage.Store, profiles Profiles, cfg Config) *Workspace {
	w := &Workspace{
		session:   sess,
		store:     store,
		profiles:  profiles,
		cfg:       cfg,
		registry:  conversation.NewRegistry(),
		drafts:    make(map[string]models.Conversation),
		logs:      make(map[string]*messagelog.Log),
		pipelines: make(map[string]*send.Pipeline),
	}
	w.unsubscribe = sess.Subscribe(func(s models.Session) {
		if s.Status == models.SessionAnonymous {
			w.reset()
		}
	})
	return w
}

// Session is the store this workspace is bound to
func (w *Workspace) Session() *session.Store {
	return w.session
}

// Close detaches the workspace from its session
func (w *Workspace) Close() {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	w.reset()
}

// Hydrate loads the identity's conversations into the registry
func (w *Workspace) Hydrate(ctx context.Context) error {
	identity, err := w.identity()
	if err != nil {
		return err
	}
	var convs []models.Conversation
	err = retry.Do(ctx, w.cfg.Retry, "load_conversations", func() error {
		var loadErr error
		convs, loadErr = w.store.LoadConversations(ctx, identity.ID)
		return loadErr
	})
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	if err := w.registry.Replace(convs); err != nil {
		return err
	}
	log.Debug().Str("user_id", identity.ID).Int("conversations", len(convs)).Msg("Workspace hydrated")
	return nil
}

// Sync merges conversations started by others since the last load. Local
// entries newer than storage are kept.
func (w *Workspace) Sync(ctx context.Context) error {
	identity, err := w.identity()
	if err != nil {
		return err
	}
	var convs []models.Conversation
	err = retry.Do(ctx, w.cfg.Retry, "sync_conversations", func() error {
		var loadErr error
		convs, loadErr = w.store.LoadConversations(ctx, identity.ID)
		return loadErr
	})
	if err != nil {
		return fmt.Errorf("sync conversations: %w", err)
	}
	_, err = w.registry.Merge(convs)
	return err
}

// Conversations lists conversations most recent first, filtered by term
func (w *Workspace) Conversations(term string) ([]models.Conversation, error) {
	identity, err := w.identity()
	if err != nil {
		return nil, err
	}
	return w.registry.Search(identity.ID, term), nil
}

// Conversation returns a known conversation or a draft started with StartWith
func (w *Workspace) Conversation(id string) (models.Conversation, error) {
	identity, err := w.identity()
	if err != nil {
		return models.Conversation{}, err
	}
	conv, ok := w.registry.Find(id)
	if !ok {
		w.mu.Lock()
		conv, ok = w.drafts[id]
		w.mu.Unlock()
	}
	if !ok || !conv.Includes(identity.ID) {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	return conv.Clone(), nil
}

// StartWith locates the conversation with counterpartID, or drafts one. The
// draft becomes a real conversation when its first message is confirmed.
func (w *Workspace) StartWith(ctx context.Context, counterpartID string) (models.Conversation, error) {
	identity, err := w.identity()
	if err != nil {
		return models.Conversation{}, err
	}
	if counterpartID == identity.ID {
		return models.Conversation{}, fmt.Errorf("%w: cannot start a conversation with yourself", models.ErrValidation)
	}
	counterpart, err := w.profiles.Lookup(ctx, counterpartID)
	if err != nil {
		return models.Conversation{}, err
	}

	id := conversation.KeyFor(identity.ID, counterpart.ID)
	if conv, ok := w.registry.Find(id); ok {
		return conv, nil
	}
	draft := conversation.NewConversation(identity, counterpart)
	w.mu.Lock()
	w.drafts[id] = draft
	w.mu.Unlock()
	return draft.Clone(), nil
}

// Refresh merges the stored messages of a conversation into its log
func (w *Workspace) Refresh(ctx context.Context, id string) ([]models.Message, error) {
	conv, err := w.Conversation(id)
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	err = retry.Do(ctx, w.cfg.Retry, "load_messages", func() error {
		var loadErr error
		msgs, loadErr = w.store.LoadMessages(ctx, id)
		return loadErr
	})
	switch {
	case errors.Is(err, models.ErrNotFound) && w.isDraft(id):
		// not stored until the first message lands
	case err != nil:
		return nil, fmt.Errorf("load messages: %w", err)
	}

	msgLog := w.logFor(id)
	if added := msgLog.Merge(msgs); added > 0 {
		log.Debug().Str("conversation_id", id).Int("messages", added).Msg("Merged stored messages")
		if err := w.recordLatest(conv, msgLog); err != nil {
			return nil, err
		}
	}
	return msgLog.Messages(), nil
}

// recordLatest advances the registry entry to the newest confirmed message of
// the log. A draft that gained stored messages becomes a listed conversation.
func (w *Workspace) recordLatest(conv models.Conversation, msgLog *messagelog.Log) error {
	last, ok := msgLog.LastConfirmed()
	if !ok {
		return nil
	}
	if last.ConversationID == "" {
		last.ConversationID = conv.ID
	}
	if _, err := w.registry.RecordMessage(conv, last); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.drafts, conv.ID)
	w.mu.Unlock()
	return nil
}

// Messages returns the local log of a conversation
func (w *Workspace) Messages(id string) ([]models.Message, error) {
	if _, err := w.Conversation(id); err != nil {
		return nil, err
	}
	return w.logFor(id).Messages(), nil
}

// Send submits text to a conversation's pipeline
func (w *Workspace) Send(ctx context.Context, id, text string) (*send.Ticket, error) {
	p, err := w.pipelineFor(id)
	if err != nil {
		return nil, err
	}
	return p.Submit(ctx, text)
}

// Resubmit retries a Failed message as a new submission
func (w *Workspace) Resubmit(ctx context.Context, id, messageID string) (*send.Ticket, error) {
	p, err := w.pipelineFor(id)
	if err != nil {
		return nil, err
	}
	return p.Resubmit(ctx, messageID)
}

// Flush waits for in-flight sends of every conversation
func (w *Workspace) Flush(ctx context.Context) error {
	w.mu.Lock()
	pipelines := make([]*send.Pipeline, 0, len(w.pipelines))
	for _, p := range w.pipelines {
		pipelines = append(pipelines, p)
	}
	w.mu.Unlock()
	for _, p := range pipelines {
		if err := p.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) identity() (models.Identity, error) {
	identity, ok := w.session.Identity()
	if !ok {
		return models.Identity{}, models.ErrUnauthenticated
	}
	return identity, nil
}

func (w *Workspace) isDraft(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.drafts[id]
	return ok
}

func (w *Workspace) logFor(id string) *messagelog.Log {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.logs[id]
	if !ok {
		l = messagelog.New(id, w.cfg.ReconcileWindow)
		w.logs[id] = l
	}
	return l
}

func (w *Workspace) pipelineFor(id string) (*send.Pipeline, error) {
	conv, err := w.Conversation(id)
	if err != nil {
		return nil, err
	}
	msgLog := w.logFor(id)

	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pipelines[id]
	if !ok {
		p = send.New(conv, w.session, msgLog, w.registry, w.store, send.WithDispatchTimeout(w.cfg.DispatchTimeout))
		w.pipelines[id] = p
	}
	return p, nil
}

func (w *Workspace) reset() {
	w.registry.Clear()
	w.mu.Lock()
	w.drafts = make(map[string]models.Conversation)
	w.logs = make(map[string]*messagelog.Log)
	w.pipelines = make(map[string]*send.Pipeline)
	w.mu.Unlock()
}
