package upload

import (
	"sync"
	"time"
)

// State is the lifecycle position of an upload session.
type State string

const (
	StateReceiving State = "receiving"
	StateCommitted State = "committed"
	StateAbandoned State = "abandoned"
)

// span is a half-open received byte range [start, end).
type span struct {
	start, end int64
}

// part is one chunk staged on disk.
type part struct {
	offset int64
	size   int64
	path   string
}

// Session tracks one chunked upload. Sessions live in memory only; staging
// is scratch space and an interrupted upload simply starts over after a
// restart.
type Session struct {
	ID       string
	UserID   int64
	ParentID int64 // target directory node
	Name     string
	Declared int64 // declared plaintext size

	dir string // staging directory

	mu       sync.Mutex
	state    State
	unlocked bool
	spans    []span
	parts    []part
	deadline time.Time
	seq      int
}

// StateNow returns the session's current state.
func (s *Session) StateNow() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Received returns how many distinct bytes of the declared range have
// arrived.
func (s *Session) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sp := range s.spans {
		n += sp.end - sp.start
	}
	return n
}

// covered reports whether [start, end) is already fully received.
// Caller holds s.mu.
func (s *Session) covered(start, end int64) bool {
	for _, sp := range s.spans {
		if sp.start <= start && end <= sp.end {
			return true
		}
	}
	return false
}

// addSpan merges [start, end) into the received set. Caller holds s.mu.
func (s *Session) addSpan(start, end int64) {
	merged := span{start, end}
	out := s.spans[:0]
	for _, sp := range s.spans {
		if sp.end < merged.start || merged.end < sp.start {
			out = append(out, sp)
			continue
		}
		if sp.start < merged.start {
			merged.start = sp.start
		}
		if sp.end > merged.end {
			merged.end = sp.end
		}
	}
	s.spans = append(out, merged)
}

// complete reports whether the whole declared range is covered.
// Caller holds s.mu.
func (s *Session) complete() bool {
	if s.Declared == 0 {
		return true
	}
	return len(s.spans) == 1 && s.spans[0].start == 0 && s.spans[0].end == s.Declared
}
