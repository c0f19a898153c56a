package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// CorrelationPrefix prefixes the token shared by the two halves of a rename.
const CorrelationPrefix = "mv"

// Generate creates a prefixed unique ID using NanoID
// Format: prefix-nanoid (e.g., "mv-V1StGXR8_Z5jdHi6B-myT")
//
// Returns an error if the system has insufficient entropy for secure random generation.
func Generate(prefix string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "-" + id, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
func MustGenerate(prefix string) string {
	id, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return id
}

// NewCorrelationID returns a fresh token linking a renamed_from row to its
// renamed_to row.
func NewCorrelationID() string {
	return MustGenerate(CorrelationPrefix)
}

// NewEventID returns a time-ordered UUIDv7 string used as the stable row id
// of a journal record.
func NewEventID() string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return u.String()
}
