package models

import "errors"

// Error taxonomy shared by the messaging core.
// Only ErrSessionResolution and ErrNotFound are meant to cross into the HTTP layer;
// send and registry failures are recorded on the affected message or conversation.
var (
	ErrSessionResolution = errors.New("session could not be resolved")
	ErrAccessDenied      = errors.New("a session is required for this path")
	ErrValidation        = errors.New("validation failed")
	ErrSendFailure       = errors.New("message could not be delivered")
	ErrNotFound          = errors.New("not available")
	ErrUnauthenticated   = errors.New("no authenticated identity")
	ErrReconcileMismatch = errors.New("server message does not match the pending entry")
)
