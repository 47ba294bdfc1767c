package domain

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyLog represents a cached purchase result to prevent issuing a second token.
type IdempotencyLog struct {
	Key          string    `json:"key"` // Format: "user_id:idempotency_key"
	PurchaseID   uuid.UUID `json:"purchase_id"`
	ResponseJSON []byte    `json:"response_json"`
	CreatedAt    time.Time `json:"created_at"`
}

// BuildIdempotencyKey constructs the standard key format.
func BuildIdempotencyKey(userID string, clientKey string) string {
	return userID + ":" + clientKey
}
