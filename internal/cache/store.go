// Package cache holds the live set of flag definitions as an immutable
// snapshot that is replaced atomically on every successful poll.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/matt-riley/beacon/internal/core"
)

type Store struct {
	current atomic.Pointer[core.Snapshot]
	version atomic.Uint64
}

func NewStore() *Store {
	return &Store{}
}

// Load returns the live snapshot, or nil before the first publish. Callers
// must treat the result as read-only.
func (s *Store) Load() *core.Snapshot {
	return s.current.Load()
}

// Publish installs snapshot under a new version and returns the installed
// copy. Versions only grow, so a reader that has seen version n never sees a
// lower one afterwards.
func (s *Store) Publish(snapshot *core.Snapshot) *core.Snapshot {
	for {
		old := s.current.Load()
		next := *snapshot
		next.Version = s.version.Add(1)
		if next.FetchedAt.IsZero() {
			next.FetchedAt = time.Now()
		}
		if s.current.CompareAndSwap(old, &next) {
			return &next
		}
	}
}

func (s *Store) Version() uint64 {
	if snap := s.current.Load(); snap != nil {
		return snap.Version
	}
	return 0
}
