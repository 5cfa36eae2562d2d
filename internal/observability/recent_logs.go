// internal/observability/recent_logs.go
package observability

import (
	"strings"
	"sync"
)

// DefaultRecentLogsSize is how many browser output lines are retained.
const DefaultRecentLogsSize = 100

// RecentLogs keeps the last N lines of browser output so they can be attached
// to startup failures.
type RecentLogs struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRecentLogs creates a collector holding at most size lines.
func NewRecentLogs(size int) *RecentLogs {
	if size <= 0 {
		size = DefaultRecentLogsSize
	}
	return &RecentLogs{lines: make([]string, size)}
}

// Append records a line, evicting the oldest one when full.
func (r *RecentLogs) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (r *RecentLogs) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// String joins the retained lines with newlines.
func (r *RecentLogs) String() string {
	return strings.Join(r.Lines(), "\n")
}
