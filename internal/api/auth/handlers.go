package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/gateway"
	"github.com/connectnearby/internal/identity"
	"github.com/connectnearby/pkg/models"
)

// AuthHandlers contains the authentication handler methods
type AuthHandlers struct {
	svc     *identity.Service
	hub     *Hub
	cookies Cookies
}

// NewAuthHandlers creates a new authentication handlers instance
func NewAuthHandlers(svc *identity.Service, hub *Hub, cookies Cookies) *AuthHandlers {
	return &AuthHandlers{
		svc:     svc,
		hub:     hub,
		cookies: cookies,
	}
}

// FormView describes a sign-in or sign-up page
type FormView struct {
	View           string `json:"view"`
	RedirectedFrom string `json:"redirected_from,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SignInPage renders the sign-in form
func (h *AuthHandlers) SignInPage(c echo.Context) error {
	return c.JSON(http.StatusOK, FormView{View: "signin", RedirectedFrom: c.QueryParam(gateway.RedirectParam)})
}

// SignUpPage renders the sign-up form
func (h *AuthHandlers) SignUpPage(c echo.Context) error {
	return c.JSON(http.StatusOK, FormView{View: "signup", RedirectedFrom: c.QueryParam(gateway.RedirectParam)})
}

// SignIn checks credentials, sets the session cookie and redirects
func (h *AuthHandlers) SignIn(c echo.Context) error {
	var req identity.SignInRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, FormView{View: "signin", Error: "Invalid request body"})
	}

	user, token, err := h.svc.SignIn(c.Request().Context(), req)
	if err != nil {
		status, msg := http.StatusInternalServerError, "Failed to sign in"
		if errors.Is(err, identity.ErrInvalidCredentials) {
			status, msg = http.StatusUnauthorized, "Invalid email or password"
		} else {
			log.Error().Err(err).Msg("Sign in failed")
		}
		return c.JSON(status, FormView{View: "signin", RedirectedFrom: redirectTarget(c), Error: msg})
	}

	log.Info().Str("user_id", user.ID).Msg("User signed in")
	return h.startSession(c, token)
}

// SignUp creates the account, sets the session cookie and redirects
func (h *AuthHandlers) SignUp(c echo.Context) error {
	var req identity.SignUpRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, FormView{View: "signup", Error: "Invalid request body"})
	}

	user, token, err := h.svc.SignUp(c.Request().Context(), req)
	if err != nil {
		status, msg := http.StatusInternalServerError, "Failed to create account"
		switch {
		case errors.Is(err, models.ErrValidation):
			status, msg = http.StatusBadRequest, err.Error()
		case errors.Is(err, identity.ErrEmailTaken):
			status, msg = http.StatusConflict, "An account with this email already exists"
		default:
			log.Error().Err(err).Msg("Sign up failed")
		}
		return c.JSON(status, FormView{View: "signup", RedirectedFrom: redirectTarget(c), Error: msg})
	}

	log.Info().Str("user_id", user.ID).Msg("User signed up")
	return h.startSession(c, token)
}

// SignOut revokes the presented token and clears the cookie
func (h *AuthHandlers) SignOut(c echo.Context) error {
	token := h.cookies.Token(c)
	h.cookies.Clear(c)
	if token == "" {
		return c.Redirect(http.StatusSeeOther, gateway.SignInPath)
	}

	if err := h.hub.SignOut(c.Request().Context(), token); err != nil && !identity.IsTokenError(err) {
		// the session is gone locally either way
		log.Warn().Err(err).Msg("Failed to revoke session token")
	}
	return c.Redirect(http.StatusSeeOther, gateway.SignInPath)
}

func (h *AuthHandlers) startSession(c echo.Context, token string) error {
	h.cookies.Set(c, token, time.Now().Add(h.svc.Tokens().TokenTTL))
	return c.Redirect(http.StatusSeeOther, redirectTarget(c))
}

// redirectTarget is the local path the client asked to come back to, or the
// default landing page
func redirectTarget(c echo.Context) string {
	target := c.QueryParam(gateway.RedirectParam)
	if target == "" {
		target = c.FormValue(gateway.RedirectParam)
	}
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return gateway.DefaultPath
	}
	return target
}
