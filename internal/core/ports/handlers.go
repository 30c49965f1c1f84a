package ports

import (
	"notecollab/internal/core/domain"
	apperrors "notecollab/pkg/errors"
)

// SessionPeer is the view a document session has of an attached connection.
// Send methods must not block: reliable frames are queued and an overflowing
// peer closes itself, awareness frames may be dropped. Close and Terminate
// return immediately and never call back into the session.
type SessionPeer interface {
	ID() domain.ConnectionID
	User() domain.UserIdentity
	Level() domain.PermissionLevel
	SetLevel(level domain.PermissionLevel)

	SendSync(fullState []byte, updates [][]byte) error
	SendUpdate(update []byte) error
	SendAwareness(update domain.AwarenessUpdate)
	SendPermissionRevoked(newLevel domain.PermissionLevel) error

	// Terminate sends err as an error frame when it has a client-facing code
	// and closes the connection with err's close code.
	Terminate(err *apperrors.AppError)
	// Close closes the connection without an error frame.
	Close(code int, reason string)
}
