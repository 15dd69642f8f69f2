// Package send carries outgoing messages through Composing -> Pending ->
// Confirmed|Failed for a single conversation.
package send

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/conversation"
	"github.com/connectnearby/internal/messagelog"
	"github.com/connectnearby/internal/session"
	"github.com/connectnearby/pkg/models"
)

// DefaultDispatchTimeout bounds a single remote send
const DefaultDispatchTimeout = 10 * time.Second

// Dispatcher is the remote side of a send
type Dispatcher interface {
	// EnsureConversation makes the conversation known remotely before its first message
	EnsureConversation(ctx context.Context, conv models.Conversation) error
	SendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error)
}

// Outcome is the final state of one submission
type Outcome struct {
	Message models.Message
	// Err wraps models.ErrSendFailure when the message ended up Failed
	Err error
}

func (o Outcome) Confirmed() bool {
	return o.Err == nil && o.Message.DeliveryState == models.DeliveryConfirmed
}

// Ticket tracks a submitted message until its dispatch resolves
type Ticket struct {
	// Message is the optimistic entry as appended to the log
	Message models.Message

	done    chan struct{}
	outcome Outcome
}

// Done is closed once the message is Confirmed or Failed
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks for the outcome. A ctx error only stops the wait, never the send.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Option configures a Pipeline
type Option func(*Pipeline)

func WithDispatchTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock overrides the timestamp source for optimistic entries
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDGenerator overrides client id allocation
func WithIDGenerator(newID func() string) Option {
	return func(p *Pipeline) { p.newID = newID }
}

// Pipeline is the single writer of one conversation's optimistic sends.
// Appends happen in submission order and dispatches run one at a time, FIFO.
type Pipeline struct {
	conv       models.Conversation
	session    *session.Store
	log        *messagelog.Log
	registry   *conversation.Registry
	dispatcher Dispatcher

	timeout time.Duration
	now     func() time.Time
	newID   func() string

	mu   sync.Mutex
	tail chan struct{}
}

// New binds a pipeline to one conversation. conv may be a draft that storage has not seen yet.
func New(conv models.Conversation, sess *session.Store, msgLog *messagelog.Log, registry *conversation.Registry, dispatcher Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		conv:       conv.Clone(),
		session:    sess,
		log:        msgLog,
		registry:   registry,
		dispatcher: dispatcher,
		timeout:    DefaultDispatchTimeout,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) ConversationID() string {
	return p.conv.ID
}

// Submit validates text, appends a Pending entry and schedules its dispatch.
// Empty or whitespace-only text returns models.ErrValidation without touching the log.
func (p *Pipeline) Submit(ctx context.Context, text string) (*Ticket, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message text is empty", models.ErrValidation)
	}
	identity, ok := p.session.Identity()
	if !ok {
		return nil, models.ErrUnauthenticated
	}
	if !p.conv.Includes(identity.ID) {
		return nil, fmt.Errorf("%w: not a participant of %s", models.ErrAccessDenied, p.conv.ID)
	}

	p.mu.Lock()
	id := p.newID()
	msg := models.Message{
		ID:             id,
		ClientID:       id,
		ConversationID: p.conv.ID,
		SenderID:       identity.ID,
		Text:           text,
		Timestamp:      p.now(),
		DeliveryState:  models.DeliveryPending,
	}
	p.log.Append(msg)
	ticket := &Ticket{Message: msg, done: make(chan struct{})}
	prev := p.tail
	p.tail = ticket.done
	p.mu.Unlock()

	log.Debug().
		Str("conversation_id", p.conv.ID).
		Str("client_id", id).
		Msg("Message queued for dispatch")

	go p.dispatch(context.WithoutCancel(ctx), prev, ticket)
	return ticket, nil
}

// Resubmit discards a Failed entry and submits its text as a new message
func (p *Pipeline) Resubmit(ctx context.Context, failedID string) (*Ticket, error) {
	if _, ok := p.session.Identity(); !ok {
		return nil, models.ErrUnauthenticated
	}
	failed, err := p.log.Discard(failedID)
	if err != nil {
		return nil, err
	}
	return p.Submit(ctx, failed.Text)
}

// Flush waits until every dispatch submitted so far has resolved
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	tail := p.tail
	p.mu.Unlock()
	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) dispatch(ctx context.Context, prev <-chan struct{}, t *Ticket) {
	defer close(t.done)
	if prev != nil {
		<-prev
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	clientID := t.Message.ClientID
	server, err := p.deliver(ctx, t.Message)
	if err == nil {
		err = p.log.Reconcile(clientID, server)
	}
	if err != nil {
		p.fail(t, err)
		return
	}

	confirmed, _ := p.log.Get(clientID)
	if _, err := p.registry.RecordMessage(p.conv, confirmed); err != nil {
		log.Error().Err(err).Str("conversation_id", p.conv.ID).Msg("Failed to record confirmed message in registry")
	}
	log.Debug().
		Str("conversation_id", p.conv.ID).
		Str("client_id", clientID).
		Str("message_id", confirmed.ID).
		Msg("Message confirmed")
	t.outcome = Outcome{Message: confirmed}
}

func (p *Pipeline) deliver(ctx context.Context, msg models.Message) (models.Message, error) {
	if identity, ok := p.session.Identity(); !ok || identity.ID != msg.SenderID {
		return models.Message{}, models.ErrUnauthenticated
	}
	if _, known := p.registry.Find(p.conv.ID); !known {
		if err := p.dispatcher.EnsureConversation(ctx, p.conv); err != nil {
			return models.Message{}, fmt.Errorf("ensure conversation: %w", err)
		}
	}
	server, err := p.dispatcher.SendMessage(ctx, p.conv.ID, msg.SenderID, msg.Text)
	if err != nil {
		return models.Message{}, err
	}
	if server.ConversationID == "" {
		server.ConversationID = p.conv.ID
	}
	return server, nil
}

func (p *Pipeline) fail(t *Ticket, cause error) {
	clientID := t.Message.ClientID
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("dispatch timed out after %s: %w", p.timeout, cause)
	}
	log.Warn().Err(cause).
		Str("conversation_id", p.conv.ID).
		Str("client_id", clientID).
		Msg("Message send failed")

	if err := p.log.MarkFailed(clientID); err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("Failed to mark message as failed")
	}
	failed, ok := p.log.Get(clientID)
	if !ok {
		failed = t.Message
		failed.DeliveryState = models.DeliveryFailed
	}
	t.outcome = Outcome{Message: failed, Err: fmt.Errorf("%w: %w", models.ErrSendFailure, cause)}
}
