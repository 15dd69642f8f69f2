package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/chat"
	"github.com/connectnearby/internal/identity"
	"github.com/connectnearby/internal/session"
	"github.com/connectnearby/internal/storage"
	"github.com/connectnearby/pkg/models"
)

// DefaultRevalidateAfter is how long a cached session is trusted before the
// token is checked against the directory again
const DefaultRevalidateAfter = time.Minute

type hubEntry struct {
	ws        *chat.Workspace
	checkedAt time.Time
	lastSeen  time.Time

	// ready is closed once the first Open settled and hydrated ws; openErr is
	// its outcome
	ready   chan struct{}
	openErr error
}

// Hub keeps one chat.Workspace per presented session token
type Hub struct {
	svc             *identity.Service
	store           storage.Store
	cfg             chat.Config
	settleTimeout   time.Duration
	RevalidateAfter time.Duration

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*hubEntry
}

// NewHub creates a hub serving workspaces backed by store
func NewHub(svc *identity.Service, store storage.Store, cfg chat.Config, settleTimeout time.Duration) *Hub {
	return &Hub{
		svc:             svc,
		store:           store,
		cfg:             cfg,
		settleTimeout:   settleTimeout,
		RevalidateAfter: DefaultRevalidateAfter,
		now:             time.Now,
		sessions:        make(map[string]*hubEntry),
	}
}

// Open returns the authenticated workspace for token. A token that settles
// Anonymous is forgotten and reported as ErrUnauthenticated.
func (h *Hub) Open(ctx context.Context, token string) (*chat.Workspace, error) {
	entry, created := h.entryFor(token)
	if created {
		entry.openErr = h.open(ctx, token, entry)
		close(entry.ready)
	} else {
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if entry.openErr != nil {
		return nil, entry.openErr
	}

	if h.stale(entry) {
		if err := entry.ws.Session().RefreshProfile(ctx); err != nil && !identity.IsTokenError(err) {
			log.Warn().Err(err).Msg("Session revalidation failed")
		}
		if _, ok := entry.ws.Session().Identity(); !ok {
			h.Drop(token)
			return nil, models.ErrUnauthenticated
		}
		h.mu.Lock()
		entry.checkedAt = h.now()
		h.mu.Unlock()
	}
	return entry.ws, nil
}

// open settles and hydrates a new entry. On failure the entry is dropped before
// anyone else can use it.
func (h *Hub) open(ctx context.Context, token string, entry *hubEntry) error {
	sess, err := entry.ws.Session().WaitSettled(ctx)
	switch {
	case err != nil:
		h.dropEntry(token, entry)
		return err
	case !sess.Authenticated():
		h.dropEntry(token, entry)
		return models.ErrUnauthenticated
	}
	if err := entry.ws.Hydrate(ctx); err != nil {
		h.dropEntry(token, entry)
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	log.Info().Str("user_id", sess.Identity.ID).Msg("Session opened")
	return nil
}

// SignOut revokes token and drops its workspace
func (h *Hub) SignOut(ctx context.Context, token string) error {
	h.mu.Lock()
	entry, ok := h.sessions[token]
	delete(h.sessions, token)
	h.mu.Unlock()

	if !ok {
		return h.svc.SignOut(ctx, token)
	}
	err := entry.ws.Session().SignOut(ctx)
	entry.ws.Close()
	return err
}

// Drop forgets token without revoking it
func (h *Hub) Drop(token string) {
	h.mu.Lock()
	entry, ok := h.sessions[token]
	delete(h.sessions, token)
	h.mu.Unlock()
	if ok {
		entry.ws.Close()
	}
}

func (h *Hub) dropEntry(token string, entry *hubEntry) {
	h.mu.Lock()
	if h.sessions[token] == entry {
		delete(h.sessions, token)
	}
	h.mu.Unlock()
	entry.ws.Close()
}

// Sweep drops workspaces not used for idle and reports how many went
func (h *Hub) Sweep(idle time.Duration) int {
	cutoff := h.now().Add(-idle)
	var dropped []*hubEntry

	h.mu.Lock()
	for token, entry := range h.sessions {
		if entry.lastSeen.Before(cutoff) {
			dropped = append(dropped, entry)
			delete(h.sessions, token)
		}
	}
	h.mu.Unlock()

	for _, entry := range dropped {
		entry.ws.Close()
	}
	if len(dropped) > 0 {
		log.Debug().Int("sessions", len(dropped)).Msg("Dropped idle sessions")
	}
	return len(dropped)
}

// Len reports the number of live workspaces
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Flush waits for in-flight sends of every workspace
func (h *Hub) Flush(ctx context.Context) error {
	h.mu.Lock()
	workspaces := make([]*chat.Workspace, 0, len(h.sessions))
	for _, entry := range h.sessions {
		workspaces = append(workspaces, entry.ws)
	}
	h.mu.Unlock()

	for _, ws := range workspaces {
		if err := ws.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) entryFor(token string) (*hubEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if entry, ok := h.sessions[token]; ok {
		entry.lastSeen = now
		return entry, false
	}

	var opts []session.Option
	if h.settleTimeout > 0 {
		opts = append(opts, session.WithSettleTimeout(h.settleTimeout))
	}
	sess := session.NewStore(identity.NewTokenProvider(h.svc, token), opts...)
	entry := &hubEntry{
		ws:        chat.NewWorkspace(sess, h.store, h.svc, h.cfg),
		checkedAt: now,
		lastSeen:  now,
		ready:     make(chan struct{}),
	}
	h.sessions[token] = entry
	return entry, true
}

func (h *Hub) stale(entry *hubEntry) bool {
	if h.RevalidateAfter <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Sub(entry.checkedAt) >= h.RevalidateAfter
}
