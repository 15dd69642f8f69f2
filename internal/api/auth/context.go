package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/connectnearby/internal/chat"
	"github.com/connectnearby/pkg/models"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// Context keys
	WorkspaceContextKey ContextKey = "workspace"
	TokenContextKey     ContextKey = "session_token"
)

// GetWorkspace returns the workspace bound to the request by RequireSession
func GetWorkspace(c echo.Context) *chat.Workspace {
	ws, _ := c.Get(string(WorkspaceContextKey)).(*chat.Workspace)
	return ws
}

// GetIdentity returns the signed-in identity, if any
func GetIdentity(c echo.Context) (models.Identity, bool) {
	ws := GetWorkspace(c)
	if ws == nil {
		return models.Identity{}, false
	}
	return ws.Session().Identity()
}

// GetToken returns the session token presented with the request
func GetToken(c echo.Context) string {
	token, _ := c.Get(string(TokenContextKey)).(string)
	return token
}
