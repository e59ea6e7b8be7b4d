package util

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7 string used for account, file, blob
// and job IDs, so blob keys sort by upload time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
