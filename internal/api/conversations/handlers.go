// Package conversations serves the chat list, a single conversation and the
// send endpoints on top of the session's chat.Workspace.
package conversations

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/api/auth"
	"github.com/connectnearby/internal/chat"
	"github.com/connectnearby/internal/send"
	"github.com/connectnearby/pkg/models"
)

// Handlers contains the conversation handler methods
type Handlers struct {
	limiter *SendLimiter
}

// NewHandlers creates conversation handlers; limiter may be nil
func NewHandlers(limiter *SendLimiter) *Handlers {
	return &Handlers{limiter: limiter}
}

// ListView is the chat list, optionally filtered
type ListView struct {
	Query         string                `json:"query,omitempty"`
	Conversations []models.Conversation `json:"conversations"`
}

// ConversationView is one conversation with its messages in display order
type ConversationView struct {
	Conversation models.Conversation `json:"conversation"`
	Messages     []models.Message    `json:"messages"`
}

// SendRequest is the body of a new message
type SendRequest struct {
	Text string `json:"text" form:"text"`
}

// SendView reports a submitted message and, when waited for, its outcome
type SendView struct {
	Message models.Message `json:"message"`
	Error   string         `json:"error,omitempty"`
}

// List shows the chat list. ?with=<userId> instead locates or drafts the
// conversation with that user and redirects to it.
func (h *Handlers) List(c echo.Context) error {
	ws := auth.GetWorkspace(c)
	if ws == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Session expired")
	}

	syncList(c, ws)

	if with := strings.TrimSpace(c.QueryParam("with")); with != "" {
		conv, err := ws.StartWith(c.Request().Context(), with)
		if err != nil {
			return httpError(err)
		}
		return c.Redirect(http.StatusSeeOther, "/chat/"+conv.ID)
	}

	query := c.QueryParam("q")
	convs, err := ws.Conversations(query)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ListView{Query: query, Conversations: convs})
}

// Show loads the conversation's stored messages and renders it
func (h *Handlers) Show(c echo.Context) error {
	ws := auth.GetWorkspace(c)
	if ws == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Session expired")
	}
	id := c.Param("chatId")

	conv, err := ws.Conversation(id)
	if errors.Is(err, models.ErrNotFound) {
		// possibly started by the counterpart since our last load
		syncList(c, ws)
		conv, err = ws.Conversation(id)
	}
	if err != nil {
		return httpError(err)
	}
	msgs, err := ws.Refresh(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ConversationView{Conversation: conv, Messages: msgs})
}

// Send submits a message. It answers 202 with the pending message, or with
// ?wait=1 blocks until the message is confirmed or failed.
func (h *Handlers) Send(c echo.Context) error {
	ws := auth.GetWorkspace(c)
	me, ok := auth.GetIdentity(c)
	if ws == nil || !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Session expired")
	}

	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if !h.limiter.Allow(me.ID) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "Sending too fast, slow down")
	}

	ticket, err := ws.Send(c.Request().Context(), c.Param("chatId"), req.Text)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, ticket)
}

// Retry resubmits a failed message as a new one
func (h *Handlers) Retry(c echo.Context) error {
	ws := auth.GetWorkspace(c)
	me, ok := auth.GetIdentity(c)
	if ws == nil || !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Session expired")
	}
	if !h.limiter.Allow(me.ID) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "Sending too fast, slow down")
	}

	ticket, err := ws.Resubmit(c.Request().Context(), c.Param("chatId"), c.Param("messageId"))
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, ticket)
}

func (h *Handlers) respond(c echo.Context, ticket *send.Ticket) error {
	if !wantsWait(c) {
		return c.JSON(http.StatusAccepted, SendView{Message: ticket.Message})
	}

	outcome, err := ticket.Wait(c.Request().Context())
	if err != nil {
		// client went away; the send carries on regardless
		return c.JSON(http.StatusAccepted, SendView{Message: ticket.Message})
	}
	if outcome.Err != nil {
		log.Warn().Err(outcome.Err).Str("conversation_id", outcome.Message.ConversationID).Msg("Message failed to send")
		return c.JSON(http.StatusBadGateway, SendView{Message: outcome.Message, Error: "Message could not be delivered, retry to send it again"})
	}
	return c.JSON(http.StatusOK, SendView{Message: outcome.Message})
}

// syncList refreshes the conversation list; on failure the cached list is served
func syncList(c echo.Context, ws *chat.Workspace) {
	if err := ws.Sync(c.Request().Context()); err != nil {
		log.Warn().Err(err).Msg("Failed to sync conversations")
	}
}

func wantsWait(c echo.Context) bool {
	switch c.QueryParam("wait") {
	case "1", "true":
		return true
	}
	return false
}

// httpError maps workspace errors onto HTTP statuses
func httpError(err error) error {
	switch {
	case errors.Is(err, models.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Not available")
	case errors.Is(err, models.ErrAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, "Not a participant of this conversation")
	case errors.Is(err, models.ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, "Session expired")
	default:
		log.Error().Err(err).Msg("Conversation request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "Something went wrong")
	}
}
