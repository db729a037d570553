// Package uuid7 generates time-ordered message identifiers. A UUID v7's
// leading bits are a millisecond timestamp, so identifiers sort roughly in
// insertion order, which keeps the btree index on message_id from
// fragmenting the way a fully random v4 key would under high insert rates.
package uuid7

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new UUID v7 string, or an error if the system entropy
// source is unavailable.
func New() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}
	return id.String(), nil
}
