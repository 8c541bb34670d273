// Package health tracks daemon liveness counters and writes the
// periodic telemetry log.
package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// DaemonHealth is the health snapshot handed to clients.
type DaemonHealth struct {
	UptimeSecs       uint64 `json:"uptime_secs"`
	TotalRequests    uint64 `json:"total_requests"`
	Errors           uint64 `json:"errors"`
	LastError        string `json:"last_error"`
	ConnectedClients int64  `json:"connected_clients"`
	StatsCollected   uint64 `json:"stats_collected"`
}

// Tracker accumulates counters from the socket server and the
// collector. All methods are safe for concurrent use.
type Tracker struct {
	start time.Time

	requests  atomic.Uint64
	errors    atomic.Uint64
	collected atomic.Uint64
	connected atomic.Int64

	mu        sync.Mutex
	lastError string
}

func NewTracker() *Tracker {
	return &Tracker{start: time.Now()}
}

// RequestServed counts one decoded request, successful or not.
func (t *Tracker) RequestServed() {
	t.requests.Add(1)
}

// RequestFailed counts one error response and remembers its message.
func (t *Tracker) RequestFailed(msg string) {
	t.errors.Add(1)
	t.mu.Lock()
	t.lastError = msg
	t.mu.Unlock()
}

// SnapshotCollected counts one new snapshot swapped in by the
// collector. Ticks that reuse the previous snapshot do not count.
func (t *Tracker) SnapshotCollected() {
	t.collected.Add(1)
}

func (t *Tracker) ClientConnected() {
	t.connected.Add(1)
}

func (t *Tracker) ClientDisconnected() {
	t.connected.Add(-1)
}

// Snapshot captures the current counters.
func (t *Tracker) Snapshot() DaemonHealth {
	t.mu.Lock()
	last := t.lastError
	t.mu.Unlock()
	return DaemonHealth{
		UptimeSecs:       uint64(time.Since(t.start) / time.Second),
		TotalRequests:    t.requests.Load(),
		Errors:           t.errors.Load(),
		LastError:        last,
		ConnectedClients: t.connected.Load(),
		StatsCollected:   t.collected.Load(),
	}
}
