// Package session tracks the authenticated identity of one client session and
// fans every transition out to subscribers.
//
// Lifecycle: a Store starts Pending, moves to Authenticated or Anonymous once
// per provider event, and is torn down by SignOut. A provider error never
// leaves the store Pending: it settles to Anonymous.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/connectnearby/pkg/models"
)

// Provider is the external identity provider the store listens to
type Provider interface {
	// OnChange registers fn for identity events. A nil identity with a nil
	// error means signed out; a non-nil error means the lookup failed.
	OnChange(fn func(identity *models.Identity, err error)) (unsubscribe func())
	// SignOut clears whatever credential artifact backs the session.
	SignOut(ctx context.Context) error
	// Refresh re-emits the current identity, e.g. after a profile edit.
	Refresh(ctx context.Context) error
}

// Listener receives session transitions
type Listener func(models.Session)

// Option configures a Store
type Option func(*Store)

// WithSettleTimeout bounds how long the store may stay Pending before it gives up
// on the provider and settles to Anonymous.
func WithSettleTimeout(d time.Duration) Option {
	return func(s *Store) { s.settleTimeout = d }
}

// Store holds the current Session for one client
type Store struct {
	provider      Provider
	settleTimeout time.Duration

	mu          sync.RWMutex
	current     models.Session
	listeners   map[int]Listener
	nextID      int
	unsubscribe func()
	closed      bool
	settled     chan struct{}
	settleTimer *time.Timer

	// serializes listener delivery so transitions arrive in order
	notifyMu sync.Mutex
}

// NewStore subscribes to provider and returns a Pending store
func NewStore(provider Provider, opts ...Option) *Store {
	s := &Store{
		provider:  provider,
		current:   models.Session{Status: models.SessionPending},
		listeners: make(map[int]Listener),
		settled:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.settleTimeout > 0 {
		s.settleTimer = time.AfterFunc(s.settleTimeout, s.settleOnTimeout)
	}

	// the provider may fire synchronously, so no lock is held across OnChange
	unsubscribe := provider.OnChange(s.handleEvent)

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return s
}

// Current returns a snapshot of the session
func (s *Store) Current() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.current)
}

// Identity returns the authenticated identity, if any
func (s *Store) Identity() (models.Identity, bool) {
	cur := s.Current()
	if !cur.Authenticated() {
		return models.Identity{}, false
	}
	return *cur.Identity, true
}

// Subscribe registers listener for future transitions. The returned func removes it.
func (s *Store) Subscribe(listener Listener) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// WaitSettled blocks until the session leaves Pending or ctx is done
func (s *Store) WaitSettled(ctx context.Context) (models.Session, error) {
	select {
	case <-s.settled:
		return s.Current(), nil
	case <-ctx.Done():
		return s.Current(), ctx.Err()
	}
}

// RefreshProfile asks the provider to re-emit the identity; the record is replaced whole
func (s *Store) RefreshProfile(ctx context.Context) error {
	if !s.Current().Authenticated() {
		return models.ErrUnauthenticated
	}
	return s.provider.Refresh(ctx)
}

// SignOut forces Anonymous, clears the provider's credential, and tears the store down.
// The session is Anonymous afterwards even if the provider call fails.
func (s *Store) SignOut(ctx context.Context) error {
	providerErr := s.provider.SignOut(ctx)

	s.transition(models.Session{Status: models.SessionAnonymous})

	s.mu.Lock()
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.listeners = make(map[int]Listener)
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if providerErr != nil {
		return fmt.Errorf("sign out: %w", providerErr)
	}
	return nil
}

func (s *Store) handleEvent(identity *models.Identity, err error) {
	if err != nil {
		log.Warn().Err(err).Msg("Session resolution failed, settling to anonymous")
		s.transition(models.Session{Status: models.SessionAnonymous})
		return
	}
	if identity == nil {
		s.transition(models.Session{Status: models.SessionAnonymous})
		return
	}
	id := *identity
	s.transition(models.Session{Identity: &id, Status: models.SessionAuthenticated})
}

func (s *Store) settleOnTimeout() {
	s.mu.RLock()
	pending := s.current.Status == models.SessionPending && !s.closed
	s.mu.RUnlock()
	if !pending {
		return
	}
	log.Warn().Dur("timeout", s.settleTimeout).Msg("Identity provider did not report in time, settling to anonymous")
	s.transitionIf(models.SessionPending, models.Session{Status: models.SessionAnonymous})
}

func (s *Store) transition(next models.Session) {
	s.transitionIf("", next)
}

// transitionIf applies next when the current status equals from (or from is empty)
// and delivers it to listeners in order.
func (s *Store) transitionIf(from models.SessionStatus, next models.Session) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed || (from != "" && s.current.Status != from) {
		s.mu.Unlock()
		return
	}
	prev := s.current
	s.current = next
	wasPending := prev.Status == models.SessionPending
	if wasPending && next.Status != models.SessionPending {
		close(s.settled)
		if s.settleTimer != nil {
			s.settleTimer.Stop()
		}
	}
	changed := !sameSession(prev, next)
	listeners := make([]Listener, 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if l, ok := s.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	log.Debug().Str("from", string(prev.Status)).Str("to", string(next.Status)).Msg("Session transition")
	for _, l := range listeners {
		l(copySession(next))
	}
}

func sameSession(a, b models.Session) bool {
	if a.Status != b.Status {
		return false
	}
	if a.Identity == nil || b.Identity == nil {
		return a.Identity == nil && b.Identity == nil
	}
	return *a.Identity == *b.Identity
}

func copySession(s models.Session) models.Session {
	if s.Identity != nil {
		id := *s.Identity
		s.Identity = &id
	}
	return s
}
