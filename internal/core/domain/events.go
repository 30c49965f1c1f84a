package domain

const (
	TableAccess = "lab_note_access"
	TableStates = "lab_note_states"
	TableNotes  = "lab_notes"
)

type ChangeOperation string

const (
	OperationInsert ChangeOperation = "INSERT"
	OperationUpdate ChangeOperation = "UPDATE"
	OperationDelete ChangeOperation = "DELETE"
)

// ChangeEvent is a row change delivered by the notification channel.
// UserID and the levels are only set for access-table events.
type ChangeEvent struct {
	Table      string          `json:"table"`
	Operation  ChangeOperation `json:"operation"`
	DocumentID DocumentID      `json:"document_id"`
	UserID     UserID          `json:"user_id,omitempty"`
	OldLevel   PermissionLevel `json:"old_level,omitempty"`
	NewLevel   PermissionLevel `json:"new_level,omitempty"`
}

// PermissionChange is an access-table change for one (document, user) pair.
type PermissionChange struct {
	DocumentID DocumentID
	UserID     UserID
	Operation  ChangeOperation
	OldLevel   PermissionLevel
	NewLevel   PermissionLevel
}

// EffectiveLevel is the level the user holds after the change.
func (c PermissionChange) EffectiveLevel() PermissionLevel {
	if c.Operation == OperationDelete {
		return LevelNone
	}
	return c.NewLevel
}

// RevocationEvent tells a document session that a user's level changed.
// NewLevel is LevelNone when access was removed.
type RevocationEvent struct {
	DocumentID DocumentID
	UserID     UserID
	NewLevel   PermissionLevel
}
