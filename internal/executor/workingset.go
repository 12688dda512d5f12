package executor

import (
	"strings"
	"sync"
)

// WorkingSet is the in-memory member collection feeding adder, invite, and
// dm runs. Usernames are normalized (lowercased, leading @ stripped) and
// deduplicated; consumers pop targets one at a time and may return a target
// that was not attempted.
type WorkingSet struct {
	mu    sync.Mutex
	queue []string
	seen  map[string]bool
}

func NewWorkingSet() *WorkingSet {
	return &WorkingSet{seen: make(map[string]bool)}
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
}

// Load appends usernames not already in the set and returns how many were
// added.
func (w *WorkingSet) Load(usernames []string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	added := 0
	for _, u := range usernames {
		u = normalizeUsername(u)
		if u == "" || w.seen[u] {
			continue
		}
		w.seen[u] = true
		w.queue = append(w.queue, u)
		added++
	}
	return added
}

// Pop takes the next target. The second result is false when the set is
// drained.
func (w *WorkingSet) Pop() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return "", false
	}
	u := w.queue[0]
	w.queue = w.queue[1:]
	return u, true
}

// Return puts an unattempted target back at the front of the queue.
func (w *WorkingSet) Return(u string) {
	u = normalizeUsername(u)
	if u == "" {
		return
	}
	w.mu.Lock()
	w.queue = append([]string{u}, w.queue...)
	w.seen[u] = true
	w.mu.Unlock()
}

// Len reports the number of targets left.
func (w *WorkingSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Clear drops all targets and dedup memory.
func (w *WorkingSet) Clear() {
	w.mu.Lock()
	w.queue = nil
	w.seen = make(map[string]bool)
	w.mu.Unlock()
}
