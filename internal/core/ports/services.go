package ports

import (
	"context"

	"notecollab/internal/core/domain"
)

type TokenValidator interface {
	Validate(token string) (domain.UserIdentity, error)
}

type PermissionChecker interface {
	Check(ctx context.Context, documentID domain.DocumentID, userID domain.UserID) domain.PermissionCheck
	Require(ctx context.Context, documentID domain.DocumentID, userID domain.UserID, needed domain.PermissionLevel) (domain.PermissionLevel, error)
}

// ChangeHandler consumes row change events.
type ChangeHandler interface {
	Dispatch(ctx context.Context, event domain.ChangeEvent)
}

// ChangeSource delivers change events to a handler until ctx is done.
type ChangeSource interface {
	Run(ctx context.Context, handler ChangeHandler) error
}
