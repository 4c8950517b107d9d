package monitor

import "sync"

// logRingCap bounds the status console history.
const logRingCap = 500

// logRing is a fixed-capacity ring of log entries. Appends evict the oldest
// entry once full.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	start   int
	count   int
}

func newLogRing(capacity int) *logRing {
	return &logRing{entries: make([]LogEntry, capacity)}
}

func (r *logRing) append(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % len(r.entries)
	r.entries[idx] = e
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.entries)
	}
}

// recent returns up to limit of the newest entries, oldest first.
func (r *logRing) recent(limit int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]LogEntry, 0, limit)
	for i := r.count - limit; i < r.count; i++ {
		out = append(out, r.entries[(r.start+i)%len(r.entries)])
	}
	return out
}
