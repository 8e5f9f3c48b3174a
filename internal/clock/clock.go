// Package clock provides the wall-clock and identifier collaborators.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Clock returns wall-clock time in epoch milliseconds.
type Clock interface {
	NowMs() int64
}

// IDs generates opaque unique identifiers.
type IDs interface {
	NewID() string
}

// Real is the system clock.
type Real struct{}

// NowMs returns time.Now in epoch milliseconds.
func (Real) NowMs() int64 { return time.Now().UnixMilli() }

// Fixed is a settable clock for tests.
type Fixed struct {
	mu sync.Mutex
	ms int64
}

// NewFixed returns a clock frozen at ms.
func NewFixed(ms int64) *Fixed { return &Fixed{ms: ms} }

// NowMs returns the frozen time.
func (f *Fixed) NowMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ms
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ms += d.Milliseconds()
}

// UUIDs generates random v4 UUID strings.
type UUIDs struct{}

// NewID returns a new v4 UUID string.
func (UUIDs) NewID() string { return uuid.Must(uuid.NewV4()).String() }

// SeqIDs generates "<prefix>-<n>" identifiers, deterministic for tests.
type SeqIDs struct {
	mu     sync.Mutex
	Prefix string
	n      int
}

// NewID returns the next sequential identifier.
func (s *SeqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	p := s.Prefix
	if p == "" {
		p = "id"
	}
	return fmt.Sprintf("%s-%d", p, s.n)
}

// TimeOf converts epoch milliseconds to UTC time.
func TimeOf(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
