package send

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectnearby/internal/conversation"
	"github.com/connectnearby/internal/messagelog"
	"github.com/connectnearby/internal/session"
	"github.com/connectnearby/pkg/models"
)

var (
	u1 = models.Identity{ID: "u1", DisplayName: "Asha", Email: "asha@example.com"}
	u2 = models.Identity{ID: "u2", DisplayName: "Bruno", Email: "bruno@example.com"}
)

type staticProvider struct {
	identity *models.Identity
	fn       func(*models.Identity, error)
}

func (p *staticProvider) OnChange(fn func(*models.Identity, error)) func() {
	p.fn = fn
	fn(p.identity, nil)
	return func() {}
}

func (p *staticProvider) SignOut(ctx context.Context) error { return nil }

func (p *staticProvider) Refresh(ctx context.Context) error {
	p.fn(p.identity, nil)
	return nil
}

func signedIn(identity models.Identity) *session.Store {
	return session.NewStore(&staticProvider{identity: &identity})
}

type fakeDispatcher struct {
	mu      sync.Mutex
	now     func() time.Time
	err     error
	gate    chan struct{}
	sent    []string
	ensured []string
	seq     int
}

func (d *fakeDispatcher) EnsureConversation(ctx context.Context, conv models.Conversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensured = append(d.ensured, conv.ID)
	return nil
}

func (d *fakeDispatcher) SendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, text)
	if d.err != nil {
		return models.Message{}, d.err
	}
	d.seq++
	return models.Message{
		ID:             fmt.Sprintf("srv-%d", d.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Timestamp:      d.now(),
	}, nil
}

func (d *fakeDispatcher) sentTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

type fixture struct {
	pipeline   *Pipeline
	log        *messagelog.Log
	registry   *conversation.Registry
	dispatcher *fakeDispatcher
	conv       models.Conversation
	clock      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	conv := conversation.NewConversation(u1, u2)
	f := &fixture{
		log:        messagelog.New(conv.ID, 0),
		registry:   conversation.NewRegistry(),
		dispatcher: &fakeDispatcher{now: func() time.Time { return clock.Add(time.Second) }},
		conv:       conv,
		clock:      clock,
	}
	n := 0
	base := []Option{
		WithClock(func() time.Time { return clock }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("local-%d", n) }),
	}
	f.pipeline = New(conv, signedIn(u1), f.log, f.registry, f.dispatcher, append(base, opts...)...)
	return f
}

func waitOutcome(t *testing.T, ticket *Ticket) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := ticket.Wait(ctx)
	require.NoError(t, err)
	return outcome
}

func TestSubmitRejectsBlankText(t *testing.T) {
	f := newFixture(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		ticket, err := f.pipeline.Submit(context.Background(), text)
		assert.ErrorIs(t, err, models.ErrValidation)
		assert.Nil(t, ticket)
	}

	require.NoError(t, f.pipeline.Flush(context.Background()))
	assert.Zero(t, f.log.Len())
	assert.Empty(t, f.dispatcher.sentTexts())
	assert.Empty(t, f.dispatcher.ensured)
}

func TestSubmitAppendsBeforeDispatchResolves(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.gate = make(chan struct{})

	ticket, err := f.pipeline.Submit(context.Background(), "  hello  ")
	require.NoError(t, err)

	assert.Equal(t, "hello", ticket.Message.Text)
	got, ok := f.log.Get(ticket.Message.ClientID)
	require.True(t, ok)
	assert.Equal(t, models.DeliveryPending, got.DeliveryState)

	close(f.dispatcher.gate)
	outcome := waitOutcome(t, ticket)
	assert.True(t, outcome.Confirmed())
}

func TestFirstMessageCreatesConversation(t *testing.T) {
	f := newFixture(t)

	ticket, err := f.pipeline.Submit(context.Background(), "hi")
	require.NoError(t, err)
	outcome := waitOutcome(t, ticket)
	require.NoError(t, outcome.Err)

	assert.Equal(t, []string{f.conv.ID}, f.dispatcher.ensured)

	conv, ok := f.registry.Find(f.conv.ID)
	require.True(t, ok)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "hi", conv.LastMessage.Text)
	assert.Equal(t, outcome.Message.Timestamp, conv.UpdatedAt)

	assert.Equal(t, "srv-1", outcome.Message.ID)
	assert.Equal(t, "local-1", outcome.Message.ClientID)
	assert.Equal(t, models.DeliveryConfirmed, outcome.Message.DeliveryState)

	// known conversations are not ensured again
	ticket, err = f.pipeline.Submit(context.Background(), "again")
	require.NoError(t, err)
	waitOutcome(t, ticket)
	assert.Len(t, f.dispatcher.ensured, 1)
}

func TestFailedSendKeepsMessageAndRecency(t *testing.T) {
	f := newFixture(t)
	before := f.clock.Add(-time.Hour)
	existing := f.conv.Clone()
	existing.LastMessage = &models.Message{ID: "old", ConversationID: existing.ID, SenderID: "u2", Text: "earlier", Timestamp: before}
	existing.UpdatedAt = before
	require.NoError(t, f.registry.Upsert(existing))

	f.dispatcher.err = errors.New("network unreachable")

	ticket, err := f.pipeline.Submit(context.Background(), "a")
	require.NoError(t, err)
	outcome := waitOutcome(t, ticket)

	assert.ErrorIs(t, outcome.Err, models.ErrSendFailure)
	assert.Equal(t, models.DeliveryFailed, outcome.Message.DeliveryState)

	got, ok := f.log.Get(ticket.Message.ClientID)
	require.True(t, ok)
	assert.Equal(t, models.DeliveryFailed, got.DeliveryState)
	assert.Equal(t, "a", got.Text)

	conv, _ := f.registry.Find(f.conv.ID)
	assert.Equal(t, before, conv.UpdatedAt)
	assert.Equal(t, "earlier", conv.LastMessage.Text)
}

func TestDispatchesRunInSubmissionOrder(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.gate = make(chan struct{})

	var tickets []*Ticket
	for _, text := range []string{"one", "two", "three"} {
		ticket, err := f.pipeline.Submit(context.Background(), text)
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}
	assert.Equal(t, 3, f.log.Len())

	close(f.dispatcher.gate)
	require.NoError(t, f.pipeline.Flush(context.Background()))

	assert.Equal(t, []string{"one", "two", "three"}, f.dispatcher.sentTexts())
	for _, ticket := range tickets {
		assert.True(t, waitOutcome(t, ticket).Confirmed())
	}

	var texts []string
	for _, m := range f.log.Messages() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"one", "two", "three"}, texts)
}

func TestDispatchIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	ticket, err := f.pipeline.Submit(ctx, "still goes")
	require.NoError(t, err)
	cancel()

	assert.True(t, waitOutcome(t, ticket).Confirmed())
}

func TestDispatchTimeoutFails(t *testing.T) {
	f := newFixture(t, WithDispatchTimeout(20*time.Millisecond))
	f.dispatcher.gate = make(chan struct{})
	defer close(f.dispatcher.gate)

	ticket, err := f.pipeline.Submit(context.Background(), "slow")
	require.NoError(t, err)
	outcome := waitOutcome(t, ticket)

	assert.ErrorIs(t, outcome.Err, models.ErrSendFailure)
	assert.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
	_, known := f.registry.Find(f.conv.ID)
	assert.False(t, known)
}

func TestSubmitRequiresIdentity(t *testing.T) {
	conv := conversation.NewConversation(u1, u2)
	store := session.NewStore(&staticProvider{})
	p := New(conv, store, messagelog.New(conv.ID, 0), conversation.NewRegistry(), &fakeDispatcher{now: time.Now})

	_, err := p.Submit(context.Background(), "hi")
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
}

func TestSubmitRejectsNonParticipant(t *testing.T) {
	conv := conversation.NewConversation(u1, u2)
	outsider := models.Identity{ID: "u9", DisplayName: "Eve"}
	msgLog := messagelog.New(conv.ID, 0)
	p := New(conv, signedIn(outsider), msgLog, conversation.NewRegistry(), &fakeDispatcher{now: time.Now})

	_, err := p.Submit(context.Background(), "hi")
	assert.ErrorIs(t, err, models.ErrAccessDenied)
	assert.Zero(t, msgLog.Len())
}

func TestSignOutBeforeDispatchFails(t *testing.T) {
	conv := conversation.NewConversation(u1, u2)
	store := signedIn(u1)
	dispatcher := &fakeDispatcher{now: time.Now, gate: make(chan struct{})}
	msgLog := messagelog.New(conv.ID, 0)
	p := New(conv, store, msgLog, conversation.NewRegistry(), dispatcher)

	// the first dispatch holds the queue while the session ends
	first, err := p.Submit(context.Background(), "first")
	require.NoError(t, err)
	second, err := p.Submit(context.Background(), "second")
	require.NoError(t, err)

	require.NoError(t, store.SignOut(context.Background()))
	close(dispatcher.gate)

	waitOutcome(t, first)
	outcome := waitOutcome(t, second)
	assert.ErrorIs(t, outcome.Err, models.ErrUnauthenticated)
	assert.Equal(t, models.DeliveryFailed, outcome.Message.DeliveryState)
}

func TestResubmit(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = errors.New("rejected write")

	ticket, err := f.pipeline.Submit(context.Background(), "retry me")
	require.NoError(t, err)
	require.Error(t, waitOutcome(t, ticket).Err)

	f.dispatcher.mu.Lock()
	f.dispatcher.err = nil
	f.dispatcher.mu.Unlock()

	retried, err := f.pipeline.Resubmit(context.Background(), ticket.Message.ClientID)
	require.NoError(t, err)
	outcome := waitOutcome(t, retried)
	require.True(t, outcome.Confirmed())

	assert.Equal(t, 1, f.log.Len())
	_, stillThere := f.log.Get(ticket.Message.ClientID)
	assert.False(t, stillThere)
	assert.Equal(t, "retry me", outcome.Message.Text)

	_, err = f.pipeline.Resubmit(context.Background(), outcome.Message.ID)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestBlockedPipelineDoesNotDelayOthers(t *testing.T) {
	ctx := context.Background()
	now := func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	u3 := models.Identity{ID: "u3", DisplayName: "Chen", Email: "chen@example.com"}
	sess := signedIn(u1)
	registry := conversation.NewRegistry()

	stuckConv := conversation.NewConversation(u1, u2)
	stuckDispatcher := &fakeDispatcher{now: now, gate: make(chan struct{})}
	stuck := New(stuckConv, sess, messagelog.New(stuckConv.ID, 0), registry, stuckDispatcher, WithClock(now))

	freeConv := conversation.NewConversation(u1, u3)
	freeDispatcher := &fakeDispatcher{now: now}
	free := New(freeConv, sess, messagelog.New(freeConv.ID, 0), registry, freeDispatcher, WithClock(now))

	held, err := stuck.Submit(ctx, "waiting on the network")
	require.NoError(t, err)

	ticket, err := free.Submit(ctx, "goes straight through")
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	outcome, err := ticket.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, outcome.Confirmed())

	select {
	case <-held.Done():
		t.Fatal("gated dispatch finished early")
	default:
	}

	close(stuckDispatcher.gate)
	outcome, err = held.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, outcome.Confirmed())
	assert.Equal(t, []string{"waiting on the network"}, stuckDispatcher.sentTexts())
}
