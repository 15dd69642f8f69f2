package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/connectnearby/pkg/models"
)

const defaultResolveTimeout = 5 * time.Second

// TokenProvider reports the identity behind one presented session token.
// It satisfies session.Provider.
type TokenProvider struct {
	svc     *Service
	token   string
	timeout time.Duration

	mu        sync.Mutex
	listeners map[int]func(*models.Identity, error)
	nextID    int
	signedOut bool

	// serializes delivery; seq drops resolutions overtaken by a newer one
	deliverMu sync.Mutex
	seq       uint64
	delivered uint64
}

func NewTokenProvider(svc *Service, token string) *TokenProvider {
	return &TokenProvider{
		svc:       svc,
		token:     token,
		timeout:   defaultResolveTimeout,
		listeners: make(map[int]func(*models.Identity, error)),
	}
}

// OnChange registers fn and resolves the token in the background
func (p *TokenProvider) OnChange(fn func(*models.Identity, error)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	seq := p.nextSeqLocked()
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		identity, err := p.resolve(ctx)
		p.deliver(seq, identity, err)
	}()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Refresh re-resolves the token and delivers the result before returning
func (p *TokenProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	if p.signedOut {
		p.mu.Unlock()
		return models.ErrUnauthenticated
	}
	seq := p.nextSeqLocked()
	p.mu.Unlock()

	identity, err := p.resolve(ctx)
	p.deliver(seq, identity, err)
	return err
}

// SignOut revokes the token. Later resolutions are not delivered.
func (p *TokenProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.signedOut = true
	p.mu.Unlock()
	return p.svc.SignOut(ctx, p.token)
}

// resolve maps an unusable token or a deleted account to "signed out"; anything
// else that fails is a resolution error.
func (p *TokenProvider) resolve(ctx context.Context) (*models.Identity, error) {
	identity, err := p.svc.Resolve(ctx, p.token)
	switch {
	case err == nil:
		return &identity, nil
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, models.ErrNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

func (p *TokenProvider) nextSeqLocked() uint64 {
	p.seq++
	return p.seq
}

func (p *TokenProvider) deliver(seq uint64, identity *models.Identity, err error) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if p.signedOut || seq <= p.delivered {
		p.mu.Unlock()
		return
	}
	p.delivered = seq
	fns := make([]func(*models.Identity, error), 0, len(p.listeners))
	for id := 0; id < p.nextID; id++ {
		if fn, ok := p.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(identity, err)
	}
}
