package messagelog

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectnearby/pkg/models"
)

var base = time.Date(2024, 5, 4, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "u1",
		Text:           "text " + id,
		Timestamp:      base.Add(offset),
		DeliveryState:  models.DeliveryConfirmed,
	}
}

func pending(clientID, text string, at time.Time) models.Message {
	return models.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: "c1",
		SenderID:       "u1",
		Text:           text,
		Timestamp:      at,
		DeliveryState:  models.DeliveryPending,
	}
}

func messageIDs(l *Log) []string {
	var out []string
	for _, m := range l.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func assertAscending(t *testing.T, l *Log) {
	t.Helper()
	msgs := l.Messages()
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp), "entry %d is older than entry %d", i, i-1)
	}
}

func TestAppendOutOfOrderStaysAscending(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		l := New("c1", 0)
		offsets := rng.Perm(30)
		for _, o := range offsets {
			l.Append(msg(string(rune('A'+o)), time.Duration(o)*time.Second))
		}
		require.Equal(t, 30, l.Len())
		assertAscending(t, l)
	}
}

func TestAppendEqualTimestampsKeepArrivalOrder(t *testing.T) {
	l := New("c1", 0)
	l.Append(msg("a", 0))
	l.Append(msg("b", time.Second))
	l.Append(msg("c", time.Second))
	l.Append(msg("d", time.Second))

	assert.Equal(t, []string{"a", "b", "c", "d"}, messageIDs(l))
}

func TestAppendIgnoresKnownID(t *testing.T) {
	l := New("c1", 0)
	assert.True(t, l.Append(msg("a", 0)))
	assert.False(t, l.Append(msg("a", time.Hour)))
	assert.Equal(t, 1, l.Len())
}

func TestMerge(t *testing.T) {
	l := New("c1", 0)
	l.Append(msg("b", 2*time.Second))

	fromServer := []models.Message{msg("a", time.Second), msg("b", 2*time.Second), msg("c", 3*time.Second)}
	fromServer[0].DeliveryState = ""

	assert.Equal(t, 2, l.Merge(fromServer))
	assert.Equal(t, []string{"a", "b", "c"}, messageIDs(l))

	got, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, models.DeliveryConfirmed, got.DeliveryState)
}

func TestReconcileMovesToServerPosition(t *testing.T) {
	l := New("c1", 0)
	l.Append(pending("local-1", "hi", base.Add(5*time.Second)))
	l.Append(msg("other", 3*time.Second))

	server := models.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Text: "hi", Timestamp: base.Add(time.Second)}
	require.NoError(t, l.Reconcile("local-1", server))

	assert.Equal(t, []string{"srv-1", "other"}, messageIDs(l))
	got, ok := l.Get("local-1")
	require.True(t, ok)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, "local-1", got.ClientID)
	assert.Equal(t, models.DeliveryConfirmed, got.DeliveryState)
	assertAscending(t, l)
}

func TestReconcileIsIdempotent(t *testing.T) {
	l := New("c1", 0)
	l.Append(msg("before", 0))
	l.Append(pending("local-1", "hi", base.Add(time.Second)))
	l.Append(msg("after", 2*time.Second))

	server := models.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Text: "hi", Timestamp: base.Add(1500 * time.Millisecond)}
	require.NoError(t, l.Reconcile("local-1", server))
	once := l.Messages()

	require.NoError(t, l.Reconcile("local-1", server))
	assert.Empty(t, cmp.Diff(once, l.Messages()))
}

func TestReconcileNeverRewritesConfirmed(t *testing.T) {
	l := New("c1", 0)
	l.Append(pending("local-1", "hi", base))

	first := models.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Text: "hi", Timestamp: base}
	require.NoError(t, l.Reconcile("local-1", first))
	once := l.Messages()

	second := models.Message{ID: "srv-2", ConversationID: "c1", SenderID: "u1", Text: "hi", Timestamp: base.Add(time.Second)}
	err := l.Reconcile("local-1", second)
	assert.ErrorIs(t, err, models.ErrReconcileMismatch)
	assert.Empty(t, cmp.Diff(once, l.Messages()))
	_, ok := l.Get("srv-2")
	assert.False(t, ok)
}

func TestLastConfirmed(t *testing.T) {
	l := New("c1", 0)
	_, ok := l.LastConfirmed()
	assert.False(t, ok)

	l.Merge([]models.Message{{ID: "m1", SenderID: "u2", Text: "older", Timestamp: base}})
	l.Append(pending("local-1", "newer", base.Add(time.Minute)))

	last, ok := l.LastConfirmed()
	require.True(t, ok)
	assert.Equal(t, "m1", last.ID)
}

func TestReconcileAfterMergeDropsLocalCopy(t *testing.T) {
	l := New("c1", 0)
	l.Append(pending("local-1", "hi", base))

	server := models.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Text: "hi", Timestamp: base.Add(time.Second)}
	l.Merge([]models.Message{server})
	require.Equal(t, 2, l.Len())

	require.NoError(t, l.Reconcile("local-1", server))
	require.Equal(t, 1, l.Len())
	once := l.Messages()
	assert.Equal(t, "local-1", once[0].ClientID)

	require.NoError(t, l.Reconcile("local-1", server))
	assert.Empty(t, cmp.Diff(once, l.Messages()))
}

func TestReconcileRejectsMismatch(t *testing.T) {
	l := New("c1", time.Minute)
	l.Append(pending("local-1", "hi", base))

	tests := []struct {
		name   string
		server models.Message
	}{
		{"different text", models.Message{ID: "s", SenderID: "u1", Text: "hey", Timestamp: base}},
		{"different sender", models.Message{ID: "s", SenderID: "u2", Text: "hi", Timestamp: base}},
		{"outside window", models.Message{ID: "s", SenderID: "u1", Text: "hi", Timestamp: base.Add(2 * time.Minute)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, l.Reconcile("local-1", tt.server), models.ErrReconcileMismatch)
		})
	}

	got, _ := l.Get("local-1")
	assert.Equal(t, models.DeliveryPending, got.DeliveryState)
	assert.ErrorIs(t, l.Reconcile("missing", msg("s", 0)), models.ErrNotFound)
}

func TestMarkFailedKeepsEntry(t *testing.T) {
	l := New("c1", 0)
	l.Append(pending("local-1", "a", base))

	require.NoError(t, l.MarkFailed("local-1"))
	require.NoError(t, l.MarkFailed("local-1"))

	got, ok := l.Get("local-1")
	require.True(t, ok)
	assert.Equal(t, models.DeliveryFailed, got.DeliveryState)
	assert.Equal(t, 1, l.Len())

	l.Append(msg("done", time.Second))
	assert.Error(t, l.MarkFailed("done"))
	assert.ErrorIs(t, l.MarkFailed("missing"), models.ErrNotFound)
}

func TestDiscardOnlyRemovesFailed(t *testing.T) {
	l := New("c1", 0)
	l.Append(pending("local-1", "a", base))

	_, err := l.Discard("local-1")
	assert.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, l.MarkFailed("local-1"))
	removed, err := l.Discard("local-1")
	require.NoError(t, err)
	assert.Equal(t, "a", removed.Text)
	assert.Zero(t, l.Len())

	_, err = l.Discard("local-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMessagesIsSnapshot(t *testing.T) {
	l := New("c1", 0)
	l.Append(msg("a", 0))
	snap := l.Messages()
	snap[0].Text = "changed"

	got, _ := l.Get("a")
	assert.Equal(t, "text a", got.Text)
}
