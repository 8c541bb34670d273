package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/fxd0h/jetsonscope/internal/hardware"
	"github.com/fxd0h/jetsonscope/internal/parser"
	"github.com/fxd0h/jetsonscope/internal/source"
)

// fakeSource scripts poll outcomes for one source in the chain.
type fakeSource struct {
	name  string
	line  string
	fail  bool
	polls int
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) Poll(_ context.Context) (string, error) {
	f.polls++
	if f.fail {
		return "", errors.New("scripted failure")
	}
	return f.line, nil
}

type fakeRelay struct {
	snap  *parser.Snapshot
	fail  bool
	polls int
}

func (f *fakeRelay) Name() string { return "socket" }
func (f *fakeRelay) Close() error { return nil }

func (f *fakeRelay) PollSnapshot(_ context.Context) (*parser.Snapshot, error) {
	f.polls++
	if f.fail {
		return nil, errors.New("upstream gone")
	}
	return f.snap, nil
}

func testLine(ramUsed int) string {
	return fmt.Sprintf("RAM %d/15817MB CPU [10%%@1420] GR3D_FREQ 5%%@306 CPU@45.0C", ramUsed)
}

func newTestCollector(t *testing.T, sources []source.Source, opts ...Option) *Collector {
	t.Helper()
	return New(hardware.Meta{}, sources, 50*time.Millisecond, slog.Default(), opts...)
}

func TestNew_SeedsFromLastSource(t *testing.T) {
	primary := &fakeSource{name: "command", fail: true}
	fallback := &fakeSource{name: "synthetic", line: testLine(4000)}
	c := newTestCollector(t, []source.Source{primary, fallback})

	snap := c.Current()
	if snap == nil {
		t.Fatal("Current() = nil after New")
	}
	if snap.Source != "synthetic" {
		t.Errorf("seed source = %q, want synthetic", snap.Source)
	}
	if primary.polls != 0 {
		t.Errorf("seed polled the primary source %d times", primary.polls)
	}
}

func TestRefresh_PrefersHigherPrioritySource(t *testing.T) {
	primary := &fakeSource{name: "command", line: testLine(8000)}
	fallback := &fakeSource{name: "synthetic", line: testLine(4000)}
	c := newTestCollector(t, []source.Source{primary, fallback})

	c.refresh(context.Background())
	snap := c.Current()
	if snap.Source != "command" {
		t.Fatalf("source = %q, want tegrastats", snap.Source)
	}
	if snap.RAM == nil || snap.RAM.UsedBytes != 8000*1024*1024 {
		t.Errorf("snapshot did not come from the primary line: %+v", snap.RAM)
	}
}

func TestRefresh_FallsBackWhenPrimaryFails(t *testing.T) {
	primary := &fakeSource{name: "command", fail: true}
	fallback := &fakeSource{name: "synthetic", line: testLine(4000)}
	c := newTestCollector(t, []source.Source{primary, fallback})

	c.refresh(context.Background())
	if got := c.Current().Source; got != "synthetic" {
		t.Fatalf("source = %q, want synthetic", got)
	}
}

func TestRefresh_BackoffSkipsDegradedSource(t *testing.T) {
	primary := &fakeSource{name: "command", fail: true}
	fallback := &fakeSource{name: "synthetic", line: testLine(4000)}
	c := newTestCollector(t, []source.Source{primary, fallback})

	c.refresh(context.Background())
	c.refresh(context.Background())
	c.refresh(context.Background())
	if primary.polls != 1 {
		t.Errorf("degraded source polled %d times inside backoff window, want 1", primary.polls)
	}
	if fallback.polls < 3 {
		t.Errorf("fallback polled %d times, want at least 3", fallback.polls)
	}
}

func TestRefresh_RecoveryResetsBackoff(t *testing.T) {
	primary := &fakeSource{name: "command", fail: true}
	fallback := &fakeSource{name: "synthetic", line: testLine(4000)}
	c := newTestCollector(t, []source.Source{primary, fallback})

	c.refresh(context.Background())
	// Expire the window manually and let the source heal.
	c.retryAt[0] = time.Now().Add(-time.Second)
	primary.fail = false
	primary.line = testLine(9000)

	c.refresh(context.Background())
	if got := c.Current().Source; got != "command" {
		t.Fatalf("source after recovery = %q, want tegrastats", got)
	}
	if c.backoff[0] != 0 {
		t.Errorf("backoff not reset after recovery: %v", c.backoff[0])
	}
}

func TestRefresh_RelayWinsOverTextSources(t *testing.T) {
	upstream := parser.Parse(testLine(12000))
	relay := &fakeRelay{snap: upstream}
	primary := &fakeSource{name: "command", line: testLine(8000)}
	c := newTestCollector(t, []source.Source{primary}, WithRelay(relay))
	seedPolls := primary.polls

	c.refresh(context.Background())
	snap := c.Current()
	if snap.Source != "socket" {
		t.Fatalf("source = %q, want socket", snap.Source)
	}
	if primary.polls != seedPolls {
		t.Errorf("text source polled %d times while relay healthy", primary.polls-seedPolls)
	}
}

func TestRefresh_DeadRelayFallsThrough(t *testing.T) {
	relay := &fakeRelay{fail: true}
	primary := &fakeSource{name: "command", line: testLine(8000)}
	c := newTestCollector(t, []source.Source{primary}, WithRelay(relay))

	c.refresh(context.Background())
	if got := c.Current().Source; got != "command" {
		t.Fatalf("source = %q, want tegrastats", got)
	}
}

func TestRefresh_PublishedSnapshotsAreDistinct(t *testing.T) {
	primary := &fakeSource{name: "command", line: testLine(8000)}
	c := newTestCollector(t, []source.Source{primary})

	c.refresh(context.Background())
	first := c.Current()
	primary.line = testLine(9000)
	c.refresh(context.Background())
	second := c.Current()

	if first == second {
		t.Fatal("refresh reused the published snapshot pointer")
	}
	if first.RAM.UsedBytes != 8000*1024*1024 {
		t.Errorf("old snapshot mutated: used = %d", first.RAM.UsedBytes)
	}
}

func TestRefresh_AllSourcesFailedKeepsPrevious(t *testing.T) {
	primary := &fakeSource{name: "command", line: testLine(8000)}
	c := newTestCollector(t, []source.Source{primary})
	c.refresh(context.Background())
	before := c.Current()

	primary.fail = true
	c.retryAt[0] = time.Time{}
	c.refresh(context.Background())
	if c.Current() != before {
		t.Error("failed tick replaced the snapshot")
	}
}

func TestOnSnapshot_FiresPerNewSnapshot(t *testing.T) {
	var count int
	primary := &fakeSource{name: "command", line: testLine(8000)}
	c := newTestCollector(t, []source.Source{primary},
		WithOnSnapshot(func(*parser.Snapshot) { count++ }))

	seeded := count // seed publishes once
	c.refresh(context.Background())
	c.refresh(context.Background())
	if count-seeded != 2 {
		t.Errorf("callback fired %d times for 2 refreshes", count-seeded)
	}
}
