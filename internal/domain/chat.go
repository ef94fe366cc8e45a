package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func ValidRole(r string) bool {
	switch Role(r) {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ChatEvent is an append-only record of one message in a session.
// Rows are immutable once written; (SessionID, ContentHash) is unique so
// re-ingesting the same message returns the existing row.
type ChatEvent struct {
	ID          int64          `json:"id"`
	SessionID   uuid.UUID      `json:"session_id"`
	UserID      string         `json:"user_id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// HashContent returns the stable hash used for chat-event idempotency.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
