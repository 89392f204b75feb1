// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rowsink

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rdeps/crusader/pkg/model"
)

// MemorySinkConfig bounds the in-memory row set for long-running harness
// processes (e.g. a server mode that keeps recent runs queryable).
type MemorySinkConfig struct {
	// MaxRows caps the number of retained rows; the oldest rows beyond
	// the cap are evicted. Zero means unbounded.
	MaxRows int
	// RowTTL evicts rows older than this once EvictionInterval elapses.
	// Zero disables TTL eviction.
	RowTTL time.Duration
	// EvictionInterval is how often the background eviction pass runs.
	EvictionInterval time.Duration
}

// MemorySink is the default Sink: an in-process, mutex-guarded map with
// optional background eviction so a long-running harness process does
// not grow without bound.
type MemorySink struct {
	mu     sync.RWMutex
	rows   map[model.RowID]model.Row
	order  []model.RowID
	config MemorySinkConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// MemorySinkOption configures a MemorySink.
type MemorySinkOption func(*MemorySink)

// WithMaxRows sets the retained row cap.
func WithMaxRows(n int) MemorySinkOption {
	return func(s *MemorySink) { s.config.MaxRows = n }
}

// WithRowTTL sets the row retention TTL.
func WithRowTTL(ttl time.Duration) MemorySinkOption {
	return func(s *MemorySink) { s.config.RowTTL = ttl }
}

// WithEvictionInterval sets how often eviction runs.
func WithEvictionInterval(interval time.Duration) MemorySinkOption {
	return func(s *MemorySink) { s.config.EvictionInterval = interval }
}

// NewMemorySink creates a MemorySink, starting its background eviction
// loop if EvictionInterval is set.
func NewMemorySink(opts ...MemorySinkOption) *MemorySink {
	s := &MemorySink{
		rows:   make(map[model.RowID]model.Row),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.config.EvictionInterval > 0 {
		go s.evictionLoop()
	} else {
		close(s.doneCh)
	}
	return s
}

// Close stops the background eviction loop, if running.
func (s *MemorySink) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

func (s *MemorySink) evictionLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.config.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictOldRows()
		}
	}
}

func (s *MemorySink) evictOldRows() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.RowTTL > 0 {
		cutoff := time.Now().Add(-s.config.RowTTL)
		s.order = filterRowIDs(s.order, func(id model.RowID) bool {
			return s.rows[id].EmittedAt.After(cutoff)
		}, s.rows)
	}

	if s.config.MaxRows > 0 && len(s.order) > s.config.MaxRows {
		excess := len(s.order) - s.config.MaxRows
		for _, id := range s.order[:excess] {
			delete(s.rows, id)
		}
		s.order = s.order[excess:]
	}
}

func filterRowIDs(ids []model.RowID, keep func(model.RowID) bool, rows map[model.RowID]model.Row) []model.RowID {
	out := ids[:0]
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		} else {
			delete(rows, id)
		}
	}
	return out
}

// Emit stores row in the sink, replacing any retained row with the same
// ID while keeping that ID's original position in the eviction order.
func (s *MemorySink) Emit(ctx context.Context, row model.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[row.ID]; !exists {
		s.order = append(s.order, row.ID)
	}
	s.rows[row.ID] = row
	return nil
}

// Rows returns every retained row, sorted by EmittedAt for deterministic
// rendering.
func (s *MemorySink) Rows() []model.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Row, 0, len(s.rows))
	for _, id := range s.order {
		out = append(out, s.rows[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EmittedAt.Before(out[j].EmittedAt)
	})
	return out
}
