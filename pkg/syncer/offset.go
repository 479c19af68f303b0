package syncer

import (
	"sync"

	"github.com/damlgraph/damlgraph/pkg/metrics"
)

// OffsetTracker owns the engine's committed resume point. The batch
// writer advances it after each commit; the stream driver reads it when
// opening a subscription. Advancing is monotonic: a regression is
// silently ignored.
type OffsetTracker struct {
	mu        sync.Mutex
	committed int64
	set       bool
}

// NewOffsetTracker returns a tracker with no committed offset
func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{}
}

// Seed installs the resume point determined at startup
func (t *OffsetTracker) Seed(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = offset
	t.set = true
	metrics.CommittedOffset.Set(float64(offset))
}

// Advance moves the committed offset forward. Calls with an older
// offset leave the tracker unchanged.
func (t *OffsetTracker) Advance(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.set && offset <= t.committed {
		return
	}
	t.committed = offset
	t.set = true
	metrics.CommittedOffset.Set(float64(offset))
}

// Committed returns the current resume point; ok is false before the
// first Seed or Advance.
func (t *OffsetTracker) Committed() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed, t.set
}
