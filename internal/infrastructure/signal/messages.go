package signal

import (
	"encoding/json"

	"notecollab/internal/core/domain"
)

// Frame types of the collaboration protocol.
const (
	TypeAuth              = "auth"
	TypeAuthSuccess       = "auth_success"
	TypeAuthError         = "auth_error"
	TypeSync              = "sync"
	TypeSyncUpdate        = "sync_update"
	TypeAwareness         = "awareness"
	TypeAwarenessUpdate   = "awareness_update"
	TypePermissionRevoked = "permission_revoked"
	TypeError             = "error"
	TypePing              = "ping"
	TypePong              = "pong"
)

// InboundMessage is any frame a client may send. Only the fields of its
// type are set.
type InboundMessage struct {
	Type       string                 `json:"type"`
	Token      string                 `json:"token,omitempty"`
	DocumentID string                 `json:"document_id,omitempty"`
	Update     []byte                 `json:"update,omitempty"`
	State      *domain.AwarenessState `json:"state,omitempty"`
}

type AuthSuccessMessage struct {
	Type       string                 `json:"type"`
	User       domain.UserIdentity    `json:"user"`
	Permission domain.PermissionLevel `json:"permission"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SyncMessage struct {
	Type      string   `json:"type"`
	FullState []byte   `json:"full_state"`
	Updates   [][]byte `json:"updates"`
}

type SyncUpdateMessage struct {
	Type   string `json:"type"`
	Update []byte `json:"update"`
}

type AwarenessUpdateMessage struct {
	Type         string                `json:"type"`
	ConnectionID domain.ConnectionID   `json:"connection_id"`
	User         domain.UserIdentity   `json:"user"`
	State        domain.AwarenessState `json:"state"`
	Removed      bool                  `json:"removed,omitempty"`
}

// PermissionRevokedMessage carries a null new_level when access was removed.
type PermissionRevokedMessage struct {
	Type     string                  `json:"type"`
	NewLevel *domain.PermissionLevel `json:"new_level"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
