package domain

import "time"

type DocumentID string

type ConnectionID string

// DocumentMetadata mirrors a row of lab_notes.
type DocumentMetadata struct {
	ID        DocumentID
	Title     string
	OwnerID   UserID
	CreatedAt time.Time
	UpdatedAt time.Time
}
