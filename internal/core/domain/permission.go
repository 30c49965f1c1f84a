package domain

import (
	"fmt"
	"time"
)

// PermissionLevel is totally ordered: owner > editor > viewer > none.
type PermissionLevel string

const (
	LevelNone   PermissionLevel = ""
	LevelViewer PermissionLevel = "viewer"
	LevelEditor PermissionLevel = "editor"
	LevelOwner  PermissionLevel = "owner"
)

// ParsePermissionLevel accepts the values stored in the access table.
// An empty string parses to LevelNone.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch level := PermissionLevel(s); level {
	case LevelNone, LevelViewer, LevelEditor, LevelOwner:
		return level, nil
	default:
		return LevelNone, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

func (l PermissionLevel) Rank() int {
	switch l {
	case LevelOwner:
		return 3
	case LevelEditor:
		return 2
	case LevelViewer:
		return 1
	default:
		return 0
	}
}

func (l PermissionLevel) AtLeast(other PermissionLevel) bool {
	return l.Rank() >= other.Rank()
}

func (l PermissionLevel) CanRead() bool   { return l.AtLeast(LevelViewer) }
func (l PermissionLevel) CanWrite() bool  { return l.AtLeast(LevelEditor) }
func (l PermissionLevel) CanManage() bool { return l.AtLeast(LevelOwner) }

func (l PermissionLevel) String() string {
	if l == LevelNone {
		return "none"
	}
	return string(l)
}

// DocumentAccessRecord mirrors a row of lab_note_access.
type DocumentAccessRecord struct {
	DocumentID DocumentID
	UserID     UserID
	Level      PermissionLevel
	GrantedBy  UserID
	GrantedAt  time.Time
	UpdatedAt  time.Time
}

type PermissionCheck struct {
	CanRead   bool
	CanWrite  bool
	CanManage bool
	Level     PermissionLevel
}

// CheckFor expands a level into its capabilities.
func CheckFor(level PermissionLevel) PermissionCheck {
	return PermissionCheck{
		CanRead:   level.CanRead(),
		CanWrite:  level.CanWrite(),
		CanManage: level.CanManage(),
		Level:     level,
	}
}
