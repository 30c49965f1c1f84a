package domain

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

type UserID string

// UserIdentity is derived once per connection from a validated token.
type UserIdentity struct {
	ID          UserID `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

var presencePalette = []string{
	"#E57373", "#F06292", "#BA68C8", "#9575CD",
	"#7986CB", "#64B5F6", "#4FC3F7", "#4DD0E1",
	"#4DB6AC", "#81C784", "#AED581", "#FFB74D",
	"#FF8A65", "#A1887F", "#90A4AE", "#DCE775",
}

// PresenceColor picks a stable cursor color for a user.
func PresenceColor(id UserID) string {
	sum := blake3.Sum256([]byte(id))
	return presencePalette[binary.BigEndian.Uint32(sum[:4])%uint32(len(presencePalette))]
}
