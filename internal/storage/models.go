package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CacheStats summarizes one cache generation.
type CacheStats struct {
	Name     string
	Entries  int
	Bytes    int64
	NewestAt time.Time
}

// SubmissionLogEntry records the outcome of one submission attempt. It holds
// no payload and is never replayed.
type SubmissionLogEntry struct {
	AttemptID  string
	CreatedAt  time.Time
	ShopName   string
	Outcome    string
	StatusCode int
	Message    string
}
