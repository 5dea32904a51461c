package model

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// IDSource issues strictly increasing ULIDs for a single sender. Two ids from
// the same source never collide and sort in issue order, even when they share
// a millisecond. It is safe for concurrent use.
type IDSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDSource creates an id source seeded from crypto/rand.
func NewIDSource() *IDSource {
	return &IDSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next id.
func (s *IDSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), s.entropy)
	if err != nil {
		// Monotonic overflow within one millisecond; start a fresh sequence.
		s.entropy = ulid.Monotonic(rand.Reader, 0)
		return ulid.Make().String()
	}
	return id.String()
}
