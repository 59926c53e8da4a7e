package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Log is the persistence abstraction for the audit trail.
type Log interface {
	// Append computes the entry's chained hash and persists it.
	Append(ctx context.Context, e *Entry) error

	// Get retrieves an entry by id.
	Get(ctx context.Context, id string) (*Entry, error)

	// ListByEntity returns the most recent entries for one entity.
	ListByEntity(ctx context.Context, entityID string, limit int) ([]Entry, error)

	Ping(ctx context.Context) error
}

// chainHash computes sha256(detailsJSON || prevHashBytes). An empty prev
// hash starts a new chain.
func chainHash(e *Entry, prev string) (string, error) {
	payload := map[string]interface{}{
		"action":   e.Action,
		"actor":    e.Actor,
		"entityId": e.EntityID,
		"details":  e.Details,
	}
	canon, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal entry payload: %w", err)
	}
	concat := append([]byte(nil), canon...)
	if prev != "" {
		prevBytes, err := hex.DecodeString(prev)
		if err != nil {
			return "", fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}
	return HashHex(concat), nil
}
