package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/pkg/models"
)

// Schema creates the conversation tables
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY,
        participant_ids TEXT[] NOT NULL,
        participant_names JSONB NOT NULL DEFAULT '{}'::jsonb,
        participant_avatars JSONB NOT NULL DEFAULT '{}'::jsonb,
        last_message_id TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        CONSTRAINT conversations_two_participants CHECK (cardinality(participant_ids) = 2 AND participant_ids[1] <> participant_ids[2])
    )`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_participants ON conversations USING GIN (participant_ids)`,
	`CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        conversation_id TEXT NOT NULL REFERENCES conversations(id),
        sender_id TEXT NOT NULL,
        text TEXT NOT NULL CHECK (length(btrim(text)) > 0),
        created_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at, id)`,
}

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) LoadConversations(ctx context.Context, identityID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT c.id, c.participant_ids, c.participant_names, c.participant_avatars, c.updated_at,
               m.id, m.sender_id, m.text, m.created_at
        FROM conversations c
        JOIN messages m ON m.id = c.last_message_id
        WHERE $1 = ANY(c.participant_ids)
        ORDER BY c.updated_at DESC, c.id ASC
    `, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id=$1)`, conversationID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, conversation_id, sender_id, text, created_at
        FROM messages WHERE conversation_id=$1
        ORDER BY created_at ASC, id ASC
    `, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		m.DeliveryState = models.DeliveryConfirmed
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EnsureConversation(ctx context.Context, conv models.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	names, err := json.Marshal(ensureMapNotNil(conv.ParticipantNames))
	if err != nil {
		return err
	}
	avatars, err := json.Marshal(ensureMapNotNil(conv.ParticipantAvatars))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO conversations (id, participant_ids, participant_names, participant_avatars)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (id) DO NOTHING
    `, conv.ID, pq.Array(conv.ParticipantIDs[:]), names, avatars)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Str("conversation_id", conv.ID).Msg("Conversation created")
	}
	return nil
}

// SendMessage inserts the message and advances the conversation in one transaction
func (s *PostgresStore) SendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, fmt.Errorf("%w: message text is empty", models.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var participants []string
	var updatedAt time.Time
	var lastID sql.NullString
	err = tx.QueryRowContext(ctx, `
        SELECT participant_ids, updated_at, last_message_id FROM conversations WHERE id=$1 FOR UPDATE
    `, conversationID).Scan(pq.Array(&participants), &updatedAt, &lastID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		return models.Message{}, err
	}
	if !contains(participants, senderID) {
		return models.Message{}, fmt.Errorf("%w: %s is not a participant of %s", models.ErrAccessDenied, senderID, conversationID)
	}

	ts := s.now().UTC().Truncate(time.Microsecond)
	if lastID.Valid && ts.Before(updatedAt) {
		ts = updatedAt
	}
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Timestamp:      ts,
		DeliveryState:  models.DeliveryConfirmed,
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO messages (id, conversation_id, sender_id, text, created_at)
        VALUES ($1,$2,$3,$4,$5)
    `, msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.Timestamp); err != nil {
		return models.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE conversations SET last_message_id=$1, updated_at=$2 WHERE id=$3
    `, msg.ID, msg.Timestamp, conversationID); err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (models.Conversation, error) {
	var c models.Conversation
	var ids []string
	var names, avatars []byte
	var last models.Message
	if err := scanner.Scan(&c.ID, pq.Array(&ids), &names, &avatars, &c.UpdatedAt, &last.ID, &last.SenderID, &last.Text, &last.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Conversation{}, models.ErrNotFound
		}
		return models.Conversation{}, err
	}
	if len(ids) != 2 {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w: %d participants", c.ID, models.ErrValidation, len(ids))
	}
	c.ParticipantIDs = [2]string{ids[0], ids[1]}
	if err := json.Unmarshal(names, &c.ParticipantNames); err != nil {
		return models.Conversation{}, fmt.Errorf("decode participant names: %w", err)
	}
	if err := json.Unmarshal(avatars, &c.ParticipantAvatars); err != nil {
		return models.Conversation{}, fmt.Errorf("decode participant avatars: %w", err)
	}
	last.ConversationID = c.ID
	last.DeliveryState = models.DeliveryConfirmed
	c.LastMessage = &last
	return c, nil
}

func ensureMapNotNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
