package users

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/api/auth"
	"github.com/connectnearby/internal/conversation"
	"github.com/connectnearby/internal/identity"
	"github.com/connectnearby/pkg/models"
)

// UserHandlers serves the dashboard and other people's profiles
type UserHandlers struct {
	svc *identity.Service
}

// NewUserHandlers creates a new user handlers instance
func NewUserHandlers(svc *identity.Service) *UserHandlers {
	return &UserHandlers{svc: svc}
}

// DashboardView is what a signed-in user lands on
type DashboardView struct {
	Identity      models.Identity       `json:"identity"`
	People        []models.Identity     `json:"people"`
	Conversations []models.Conversation `json:"conversations"`
}

// UserView is another user's public profile
type UserView struct {
	User             models.Identity `json:"user"`
	ConversationID   string          `json:"conversation_id,omitempty"`
	ConversationPath string          `json:"conversation_path,omitempty"`
}

// Dashboard lists the people nearby and the user's recent conversations
func (h *UserHandlers) Dashboard(c echo.Context) error {
	me, ok := auth.GetIdentity(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not found in context")
	}

	people, err := h.svc.Others(c.Request().Context(), me.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list users")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list users")
	}
	ws := auth.GetWorkspace(c)
	if err := ws.Sync(c.Request().Context()); err != nil {
		log.Warn().Err(err).Msg("Failed to sync conversations")
	}
	convs, err := ws.Conversations("")
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Session expired")
	}

	return c.JSON(http.StatusOK, DashboardView{Identity: me, People: people, Conversations: convs})
}

// GetUser shows another user's profile, or a "not available" view
func (h *UserHandlers) GetUser(c echo.Context) error {
	me, ok := auth.GetIdentity(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not found in context")
	}

	user, err := h.svc.Lookup(c.Request().Context(), c.Param("userId"))
	if errors.Is(err, models.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "User not available")
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up user")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get user")
	}

	view := UserView{User: user}
	if user.ID != me.ID {
		view.ConversationID = conversation.KeyFor(me.ID, user.ID)
		view.ConversationPath = "/chat?with=" + user.ID
	}
	return c.JSON(http.StatusOK, view)
}
