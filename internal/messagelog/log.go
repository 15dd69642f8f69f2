// Package messagelog keeps the ordered messages of one conversation. Optimistic
// local sends and confirmed server messages land in the same log.
package messagelog

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/connectnearby/pkg/models"
)

// DefaultReconcileWindow is how far a server timestamp may drift from the local one
const DefaultReconcileWindow = 2 * time.Minute

// Log is a timestamp-ordered message sequence. Adjacent entries always satisfy
// earlier.Timestamp <= later.Timestamp; entries with equal timestamps keep
// insertion order.
type Log struct {
	ConversationID string

	mu     sync.RWMutex
	items  []models.Message
	window time.Duration
}

// New returns an empty log. A non-positive window uses DefaultReconcileWindow.
func New(conversationID string, window time.Duration) *Log {
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	return &Log{ConversationID: conversationID, window: window}
}

// Append inserts msg at its timestamp position. A message whose id is already in
// the log is ignored and false is returned.
func (l *Log) Append(msg models.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexLocked(msg.ID) >= 0 {
		return false
	}
	l.insertLocked(msg)
	return true
}

// Merge appends a batch of server messages and returns how many were new.
// Pending entries already confirmed under their client id are not duplicated.
func (l *Log) Merge(msgs []models.Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, msg := range msgs {
		if l.indexLocked(msg.ID) >= 0 {
			continue
		}
		if msg.DeliveryState == "" {
			msg.DeliveryState = models.DeliveryConfirmed
		}
		l.insertLocked(msg)
		added++
	}
	return added
}

// Reconcile replaces the entry submitted under localID with the confirmed server
// copy, moved to the server timestamp's sorted position. The entry is matched on
// sender, text and a timestamp window, never on id. Calling it again with the
// same arguments is a no-op.
func (l *Log) Reconcile(localID string, server models.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	confirmed := server
	confirmed.ClientID = localID
	confirmed.DeliveryState = models.DeliveryConfirmed
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = l.ConversationID
	}

	i := l.localIndexLocked(localID)
	if i < 0 {
		return fmt.Errorf("reconcile %s: %w", localID, models.ErrNotFound)
	}
	local := l.items[i]

	if local.DeliveryState == models.DeliveryConfirmed {
		if local.ID == server.ID {
			return nil
		}
		// confirmed entries are immutable
		return fmt.Errorf("reconcile %s: already confirmed as %s: %w", localID, local.ID, models.ErrReconcileMismatch)
	}
	if !l.matches(local, server) {
		return fmt.Errorf("reconcile %s: %w", localID, models.ErrReconcileMismatch)
	}

	l.removeLocked(i)

	// the server copy may already have arrived through a refresh
	if j := l.indexLocked(server.ID); j >= 0 {
		l.items[j].ClientID = localID
		l.items[j].DeliveryState = models.DeliveryConfirmed
		return nil
	}
	l.insertLocked(confirmed)
	return nil
}

// LastConfirmed returns the newest confirmed message
func (l *Log) LastConfirmed() (models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.items) - 1; i >= 0; i-- {
		if l.items[i].DeliveryState == models.DeliveryConfirmed {
			return l.items[i], true
		}
	}
	return models.Message{}, false
}

// MarkFailed flips a pending entry to failed. The entry stays in the log.
func (l *Log) MarkFailed(localID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.localIndexLocked(localID)
	if i < 0 {
		return fmt.Errorf("mark failed %s: %w", localID, models.ErrNotFound)
	}
	switch l.items[i].DeliveryState {
	case models.DeliveryPending:
		l.items[i].DeliveryState = models.DeliveryFailed
		return nil
	case models.DeliveryFailed:
		return nil
	default:
		return fmt.Errorf("mark failed %s: message already %s", localID, l.items[i].DeliveryState)
	}
}

// Discard removes a failed entry so it can be resubmitted
func (l *Log) Discard(localID string) (models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.localIndexLocked(localID)
	if i < 0 {
		return models.Message{}, fmt.Errorf("discard %s: %w", localID, models.ErrNotFound)
	}
	msg := l.items[i]
	if msg.DeliveryState != models.DeliveryFailed {
		return models.Message{}, fmt.Errorf("discard %s: %w: only failed messages can be discarded", localID, models.ErrValidation)
	}
	l.removeLocked(i)
	return msg, nil
}

// Get finds a message by id or client id
func (l *Log) Get(id string) (models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexLocked(id); i >= 0 {
		return l.items[i], true
	}
	if i := l.localIndexLocked(id); i >= 0 {
		return l.items[i], true
	}
	return models.Message{}, false
}

// Messages returns a snapshot in log order
func (l *Log) Messages() []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Message, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

func (l *Log) matches(local, server models.Message) bool {
	if local.SenderID != server.SenderID || local.Text != server.Text {
		return false
	}
	drift := server.Timestamp.Sub(local.Timestamp)
	if drift < 0 {
		drift = -drift
	}
	return drift <= l.window
}

// insertLocked places msg after every entry with a timestamp <= msg.Timestamp
func (l *Log) insertLocked(msg models.Message) {
	i := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].Timestamp.After(msg.Timestamp)
	})
	l.items = append(l.items, models.Message{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = msg
}

func (l *Log) removeLocked(i int) {
	l.items = append(l.items[:i], l.items[i+1:]...)
}

func (l *Log) indexLocked(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

// localIndexLocked finds the entry submitted under a client id
func (l *Log) localIndexLocked(localID string) int {
	for i := range l.items {
		if l.items[i].ClientID == localID {
			return i
		}
	}
	return l.indexLocked(localID)
}
