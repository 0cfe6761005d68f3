// Package id generates audit identifiers and short disambiguation tokens.
package id

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates identifiers backed by google/uuid.
type Generator struct{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a time-ordered UUIDv7 string used for audit ids.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Token returns n lowercase hex characters drawn from a random UUIDv4.
// n is clamped to [1, 32].
func (Generator) Token(n int) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	switch {
	case n < 1:
		n = 1
	case n > len(hex):
		n = len(hex)
	}
	return hex[:n], nil
}
