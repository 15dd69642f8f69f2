package users

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/api/auth"
	"github.com/connectnearby/internal/identity"
	"github.com/connectnearby/pkg/models"
)

// ProfileHandlers contains the profile management handler methods
type ProfileHandlers struct {
	svc *identity.Service
}

// NewProfileHandlers creates a new profile handlers instance
func NewProfileHandlers(svc *identity.Service) *ProfileHandlers {
	return &ProfileHandlers{svc: svc}
}

// UpdateProfileRequest holds the editable profile fields
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name" form:"display_name"`
	Bio         string `json:"bio" form:"bio"`
	AvatarURL   string `json:"avatar_url" form:"avatar_url"`
}

// GetProfile handles getting the current user's profile
func (ph *ProfileHandlers) GetProfile(c echo.Context) error {
	me, ok := auth.GetIdentity(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not found in context")
	}
	return c.JSON(http.StatusOK, me)
}

// UpdateProfile saves the profile and refreshes the session's identity with it
func (ph *ProfileHandlers) UpdateProfile(c echo.Context) error {
	me, ok := auth.GetIdentity(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not found in context")
	}

	var req UpdateProfileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	ctx := c.Request().Context()
	updated, err := ph.svc.UpdateProfile(ctx, models.Identity{
		ID:          me.ID,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		AvatarURL:   req.AvatarURL,
	})
	switch {
	case errors.Is(err, models.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "User profile not found")
	case err != nil:
		log.Error().Err(err).Str("user_id", me.ID).Msg("Failed to update profile")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to update user profile")
	}

	if err := auth.GetWorkspace(c).Session().RefreshProfile(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", me.ID).Msg("Profile saved but session refresh failed")
	}
	return c.JSON(http.StatusOK, updated)
}
