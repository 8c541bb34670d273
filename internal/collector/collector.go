// Package collector polls telemetry sources on a fixed interval and
// maintains the current snapshot behind an atomic pointer. Readers
// never block; every refresh swaps in a freshly built snapshot and
// published snapshots are never mutated afterwards.
package collector

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fxd0h/jetsonscope/internal/hardware"
	"github.com/fxd0h/jetsonscope/internal/parser"
	"github.com/fxd0h/jetsonscope/internal/source"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 10 * time.Second
)

// Collector owns the source priority chain and the snapshot cache.
type Collector struct {
	meta     hardware.Meta
	relay    source.SnapshotSource // optional, highest priority
	sources  []source.Source       // descending priority
	interval time.Duration
	log      *slog.Logger

	// onSnapshot fires after each swap of a new snapshot. Used for the
	// health counter; must be fast and non-blocking.
	onSnapshot func(*parser.Snapshot)

	snap atomic.Pointer[parser.Snapshot]

	// Per-source degradation state. Touched only by the refresh
	// goroutine, so unguarded. Index 0 is the relay when present.
	backoff []time.Duration
	retryAt []time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithRelay installs an upstream-socket source ahead of all text
// sources.
func WithRelay(r source.SnapshotSource) Option {
	return func(c *Collector) { c.relay = r }
}

// WithOnSnapshot registers a callback invoked for each new snapshot.
func WithOnSnapshot(fn func(*parser.Snapshot)) Option {
	return func(c *Collector) { c.onSnapshot = fn }
}

// New builds a collector over the given text sources in priority
// order. The last source should be one that cannot fail; the cache is
// seeded from it immediately so Current never returns nil.
func New(meta hardware.Meta, sources []source.Source, interval time.Duration, log *slog.Logger, opts ...Option) *Collector {
	if log == nil {
		log = slog.Default()
	}
	c := &Collector{
		meta:     meta,
		sources:  sources,
		interval: interval,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	n := len(sources)
	if c.relay != nil {
		n++
	}
	c.backoff = make([]time.Duration, n)
	c.retryAt = make([]time.Time, n)
	c.seed()
	return c
}

// seed installs an initial snapshot from the lowest-priority source
// so readers have data before the first refresh tick.
func (c *Collector) seed() {
	if len(c.sources) == 0 {
		return
	}
	last := c.sources[len(c.sources)-1]
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()
	line, err := last.Poll(ctx)
	if err != nil {
		c.log.Warn("seed poll failed", "source", last.Name(), "err", err)
		return
	}
	c.publish(parser.Parse(line), last.Name())
}

// Current returns the latest snapshot. Never nil once seeded; callers
// must treat the result as read-only.
func (c *Collector) Current() *parser.Snapshot {
	return c.snap.Load()
}

// Meta returns the hardware description detected at startup.
func (c *Collector) Meta() hardware.Meta {
	return c.meta
}

// Run refreshes the snapshot on the collection interval until ctx is
// cancelled, then closes all sources.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

// refresh walks the priority chain and swaps in the first snapshot it
// obtains. A failing source is skipped for a bounded-backoff window
// so a dead tegrastats does not add its timeout to every tick. If
// every source fails, the previous snapshot stays current.
func (c *Collector) refresh(ctx context.Context) {
	now := time.Now()
	idx := 0
	if c.relay != nil {
		if c.tryRelay(ctx, now, idx) {
			return
		}
		idx++
	}
	for _, src := range c.sources {
		if now.Before(c.retryAt[idx]) {
			idx++
			continue
		}
		pollCtx, cancel := context.WithTimeout(ctx, c.interval)
		line, err := src.Poll(pollCtx)
		cancel()
		if err != nil {
			c.degrade(idx, src.Name(), err)
			idx++
			continue
		}
		c.recover(idx, src.Name())
		c.publish(parser.Parse(line), src.Name())
		return
	}
	c.log.Warn("all sources failed this tick, keeping previous snapshot")
}

func (c *Collector) tryRelay(ctx context.Context, now time.Time, idx int) bool {
	if now.Before(c.retryAt[idx]) {
		return false
	}
	pollCtx, cancel := context.WithTimeout(ctx, c.interval)
	snap, err := c.relay.PollSnapshot(pollCtx)
	cancel()
	if err != nil {
		c.degrade(idx, c.relay.Name(), err)
		return false
	}
	c.recover(idx, c.relay.Name())
	c.publish(snap, c.relay.Name())
	return true
}

// publish stamps and swaps in a snapshot.
func (c *Collector) publish(snap *parser.Snapshot, sourceName string) {
	if snap == nil {
		return
	}
	snap.Source = sourceName
	if snap.CollectedAt == 0 {
		snap.CollectedAt = time.Now().Unix()
	}
	c.snap.Store(snap)
	if c.onSnapshot != nil {
		c.onSnapshot(snap)
	}
}

func (c *Collector) degrade(idx int, name string, err error) {
	if c.backoff[idx] == 0 {
		c.backoff[idx] = initialBackoff
	} else {
		c.backoff[idx] *= 2
		if c.backoff[idx] > maxBackoff {
			c.backoff[idx] = maxBackoff
		}
	}
	c.retryAt[idx] = time.Now().Add(c.backoff[idx])
	c.log.Warn("source degraded", "source", name, "retry_in", c.backoff[idx], "err", err)
}

func (c *Collector) recover(idx int, name string) {
	if c.backoff[idx] != 0 {
		c.log.Info("source recovered", "source", name)
	}
	c.backoff[idx] = 0
	c.retryAt[idx] = time.Time{}
}

func (c *Collector) closeAll() {
	if c.relay != nil {
		c.relay.Close()
	}
	for _, src := range c.sources {
		if err := src.Close(); err != nil {
			c.log.Debug("source close failed", "source", src.Name(), "err", err)
		}
	}
}
