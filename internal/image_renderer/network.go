package image_renderer

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// networkTracker counts in-flight requests of the tab, the way
// puppeteer's networkidle heuristics do.
type networkTracker struct {
	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	changed  time.Time
}

func newNetworkTracker() *networkTracker {
	return &networkTracker{
		inflight: make(map[network.RequestID]struct{}),
		changed:  time.Now(),
	}
}

func (t *networkTracker) started(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inflight[id] = struct{}{}
	t.changed = time.Now()
}

func (t *networkTracker) finished(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	t.changed = time.Now()
}

// idle reports whether at most maxInflight requests have been pending for quiet.
func (t *networkTracker) idle(maxInflight int, quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.inflight) <= maxInflight && time.Since(t.changed) >= quiet
}
