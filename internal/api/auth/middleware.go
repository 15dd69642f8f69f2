package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/internal/gateway"
	"github.com/connectnearby/pkg/models"
)

// Cookies names and scopes the session-presence cookie
type Cookies struct {
	Name   string
	Secure bool
}

// Token returns the session token carried by the request, if any
func (ck Cookies) Token(c echo.Context) string {
	cookie, err := c.Cookie(ck.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// Set stores token until expiresAt
func (ck Cookies) Set(c echo.Context, token string, expiresAt time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     ck.Name,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   ck.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear removes the cookie from the client
func (ck Cookies) Clear(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     ck.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   ck.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Gate applies the route policy to every request using only the presence of
// the session cookie. Token validity is checked later by RequireSession.
func Gate(policy gateway.Policy, cookies Cookies) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			decision := policy.Decide(path, cookies.Token(c) != "")
			if decision.Kind == gateway.Allow {
				return next(c)
			}
			log.Debug().Str("path", path).Str("decision", decision.Kind.String()).Msg("Gateway redirect")
			return c.Redirect(http.StatusFound, decision.Location())
		}
	}
}

// RequireSession resolves the session token into a signed-in workspace. A
// token that does not authenticate is cleared and the client sent to sign in.
func RequireSession(hub *Hub, cookies Cookies) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := cookies.Token(c)
			path := c.Request().URL.Path
			toSignIn := gateway.Decision{Kind: gateway.RedirectToSignIn, OriginalPath: path}
			if token == "" {
				return c.Redirect(http.StatusFound, toSignIn.Location())
			}

			ws, err := hub.Open(c.Request().Context(), token)
			switch {
			case errors.Is(err, models.ErrUnauthenticated):
				cookies.Clear(c)
				return c.Redirect(http.StatusFound, toSignIn.Location())
			case err != nil:
				log.Error().Err(err).Str("path", path).Msg("Failed to open session")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "Session unavailable, please try again")
			}

			c.Set(string(WorkspaceContextKey), ws)
			c.Set(string(TokenContextKey), token)
			return next(c)
		}
	}
}
