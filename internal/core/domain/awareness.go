package domain

import "fmt"

type CursorPosition struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

type SelectionRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// AwarenessState is ephemeral presence. It is broadcast but never stored.
type AwarenessState struct {
	Cursor     *CursorPosition `json:"cursor,omitempty"`
	Selection  *SelectionRange `json:"selection,omitempty"`
	LastActive int64           `json:"last_active,omitempty"` // unix millis
}

// Merge applies a partial update field by field. Fields absent from next keep
// their previous value.
func (s AwarenessState) Merge(next AwarenessState) AwarenessState {
	if next.Cursor != nil {
		c := *next.Cursor
		s.Cursor = &c
	}
	if next.Selection != nil {
		sel := *next.Selection
		s.Selection = &sel
	}
	if next.LastActive != 0 {
		s.LastActive = next.LastActive
	}
	return s
}

func (s AwarenessState) Validate() error {
	if s.Cursor != nil && (s.Cursor.Anchor < 0 || s.Cursor.Head < 0) {
		return fmt.Errorf("cursor positions must be non-negative")
	}
	if s.Selection != nil && (s.Selection.From < 0 || s.Selection.To < s.Selection.From) {
		return fmt.Errorf("selection must satisfy 0 <= from <= to")
	}
	if s.LastActive < 0 {
		return fmt.Errorf("last_active must be non-negative")
	}
	return nil
}

// AwarenessUpdate is fanned out to the other peers of a document.
type AwarenessUpdate struct {
	ConnectionID ConnectionID
	User         UserIdentity
	State        AwarenessState
	Removed      bool
}
