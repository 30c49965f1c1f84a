package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentTooLarge = errors.New("document exceeds maximum size")
	ErrSessionClosed    = errors.New("document session closed")
	ErrConnectionLimit  = errors.New("too many connections for user")
	ErrDocumentLimit    = errors.New("too many open documents for user")
	ErrAlreadyAttached  = errors.New("connection already attached")
	ErrInvalidLevel     = errors.New("invalid permission level")
	ErrShuttingDown     = errors.New("server shutting down")
)

// PermissionDeniedError reports that a user lacks the level an operation
// needs. Current is LevelNone when the user has no access at all.
type PermissionDeniedError struct {
	DocumentID DocumentID
	UserID     UserID
	Needed     PermissionLevel
	Current    PermissionLevel
}

func (e *PermissionDeniedError) Error() string {
	current := string(e.Current)
	if current == "" {
		current = "none"
	}
	return fmt.Sprintf("permission denied on document %s: need %s, have %s", e.DocumentID, e.Needed, current)
}

// IsPermissionDenied reports whether err carries a PermissionDeniedError.
func IsPermissionDenied(err error) bool {
	var denied *PermissionDeniedError
	return errors.As(err, &denied)
}
