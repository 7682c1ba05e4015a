package dicomindex

import (
	"github.com/google/uuid"
)

// NewOperationID generates a UUIDv7 (time-ordered) reindex operation id.
// Time ordering keeps operation rows index-friendly and lets the creation
// time be inferred from the id itself.
func NewOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to UUIDv4 if NewV7 fails (extremely rare)
		id = uuid.New()
	}
	return id.String()
}

// ParseOperationID parses an operation id string
func ParseOperationID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// IsValidOperationID checks if a string is a valid operation id
func IsValidOperationID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
