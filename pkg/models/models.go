package models

import (
	"fmt"
	"strings"
	"time"
)

// Identity represents an authenticated user's profile-bearing principal
type Identity struct {
	ID          string `json:"id" db:"id"`
	DisplayName string `json:"display_name" db:"display_name"`
	Email       string `json:"email" db:"email"`
	Bio         string `json:"bio,omitempty" db:"bio"`
	AvatarURL   string `json:"avatar_url,omitempty" db:"avatar_url"`
}

// SessionStatus is the lifecycle state of a Session
type SessionStatus string

const (
	SessionPending       SessionStatus = "pending"
	SessionAuthenticated SessionStatus = "authenticated"
	SessionAnonymous     SessionStatus = "anonymous"
)

// Session is the current process's view of which Identity (if any) is authenticated
type Session struct {
	Identity *Identity     `json:"identity,omitempty"`
	Status   SessionStatus `json:"status"`
}

// Authenticated reports whether the session carries an identity
func (s Session) Authenticated() bool {
	return s.Status == SessionAuthenticated && s.Identity != nil
}

// DeliveryState tracks an outgoing message through the send pipeline
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is a single timestamped text unit within a Conversation.
// A pending message has ID == ClientID; once confirmed, ID is the server-issued id
// and ClientID keeps the id it was submitted under.
type Message struct {
	ID             string        `json:"id" db:"id"`
	ClientID       string        `json:"client_id,omitempty" db:"-"`
	ConversationID string        `json:"conversation_id" db:"conversation_id"`
	SenderID       string        `json:"sender_id" db:"sender_id"`
	Text           string        `json:"text" db:"text"`
	Timestamp      time.Time     `json:"timestamp" db:"created_at"`
	DeliveryState  DeliveryState `json:"delivery_state" db:"-"`
}

// Conversation is a two-party message thread with recency metadata
type Conversation struct {
	ID                 string            `json:"id" db:"id"`
	ParticipantIDs     [2]string         `json:"participant_ids" db:"participant_ids"`
	ParticipantNames   map[string]string `json:"participant_names,omitempty" db:"participant_names"`
	ParticipantAvatars map[string]string `json:"participant_avatars,omitempty" db:"participant_avatars"`
	LastMessage        *Message          `json:"last_message,omitempty" db:"-"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// Validate checks the participant invariant: exactly two distinct, non-empty ids
func (c *Conversation) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	a, b := c.ParticipantIDs[0], c.ParticipantIDs[1]
	if a == "" || b == "" {
		return fmt.Errorf("%w: conversation %s needs two participants", ErrValidation, c.ID)
	}
	if a == b {
		return fmt.Errorf("%w: conversation %s participants must be distinct", ErrValidation, c.ID)
	}
	return nil
}

// Includes reports whether identityID is one of the participants
func (c *Conversation) Includes(identityID string) bool {
	return c.ParticipantIDs[0] == identityID || c.ParticipantIDs[1] == identityID
}

// Counterpart returns the participant that is not identityID
func (c *Conversation) Counterpart(identityID string) string {
	if c.ParticipantIDs[0] == identityID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// Clone returns a deep copy safe to hand out of a locked container
func (c *Conversation) Clone() Conversation {
	cp := *c
	if c.ParticipantNames != nil {
		cp.ParticipantNames = make(map[string]string, len(c.ParticipantNames))
		for k, v := range c.ParticipantNames {
			cp.ParticipantNames[k] = v
		}
	}
	if c.ParticipantAvatars != nil {
		cp.ParticipantAvatars = make(map[string]string, len(c.ParticipantAvatars))
		for k, v := range c.ParticipantAvatars {
			cp.ParticipantAvatars[k] = v
		}
	}
	if c.LastMessage != nil {
		m := *c.LastMessage
		cp.LastMessage = &m
	}
	return cp
}
