// Package uuid generates the random suffixes of mirrored object keys.
package uuid

import (
	"github.com/google/uuid"
)

// NewKeySuffix returns a UUIDv7 string so keys written for one slug sort by
// creation time. It falls back to a random v4 when the v7 source fails.
func NewKeySuffix() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
