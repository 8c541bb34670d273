package source

import (
	"context"
	"testing"
	"time"

	"github.com/fxd0h/jetsonscope/internal/parser"
)

func TestCommandSource_ReadsLinesThenReportsExit(t *testing.T) {
	src, err := NewCommandSource("test", []string{"sh", "-c", "printf 'one\\ntwo\\n'"})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	line, err := src.Poll(ctx)
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if line != "one" {
		t.Errorf("first line = %q, want %q", line, "one")
	}
	line, err = src.Poll(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if line != "two" {
		t.Errorf("second line = %q, want %q", line, "two")
	}

	// Process exits after two lines; the poll that drains the closed
	// channel must surface an error, not block.
	if _, err := src.Poll(ctx); err == nil {
		t.Error("poll after process exit: err = nil, want error")
	}
}

func TestCommandSource_RestartsAfterDeath(t *testing.T) {
	src, err := NewCommandSource("test", []string{"sh", "-c", "printf 'hello\\n'"})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if line, err := src.Poll(ctx); err != nil || line != "hello" {
		t.Fatalf("first run: line = %q, err = %v", line, err)
	}
	if _, err := src.Poll(ctx); err == nil {
		t.Fatal("expected exit error before restart")
	}
	// Next poll starts a fresh process.
	if line, err := src.Poll(ctx); err != nil || line != "hello" {
		t.Fatalf("after restart: line = %q, err = %v", line, err)
	}
}

func TestCommandSource_ClosedRefusesPolls(t *testing.T) {
	src, err := NewCommandSource("test", []string{"sh", "-c", "sleep 60"})
	if err != nil {
		t.Fatal(err)
	}
	src.Close()
	if _, err := src.Poll(context.Background()); err == nil {
		t.Error("poll on closed source: err = nil, want error")
	}
}

func TestCommandSource_EmptyCommandRejected(t *testing.T) {
	if _, err := NewCommandSource("test", nil); err == nil {
		t.Error("NewCommandSource(nil) err = nil, want error")
	}
}

func TestCommandSource_PollHonorsContext(t *testing.T) {
	src, err := NewCommandSource("test", []string{"sh", "-c", "sleep 60"})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := src.Poll(ctx); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestSynthetic_LineParses(t *testing.T) {
	src := NewSynthetic(1)
	line, err := src.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() err = %v", err)
	}

	snap, unknown := parser.ParseDiag(line)
	if len(unknown) != 0 {
		t.Errorf("synthetic line has unknown tokens %v:\n%s", unknown, line)
	}
	if snap.RAM == nil || snap.RAM.TotalBytes == 0 {
		t.Fatal("RAM missing from synthetic line")
	}
	if snap.Swap == nil {
		t.Fatal("SWAP missing from synthetic line")
	}
	if len(snap.CPUs) != 8 {
		t.Errorf("len(CPUs) = %d, want 8", len(snap.CPUs))
	}
	if _, ok := snap.Engines["GR3D"]; !ok {
		t.Error("GR3D engine missing from synthetic line")
	}
	if len(snap.Temps) != 5 {
		t.Errorf("len(Temps) = %d, want 5", len(snap.Temps))
	}
	if _, ok := snap.Power["VDD_IN"]; !ok {
		t.Error("VDD_IN rail missing from synthetic line")
	}
	if snap.Timestamp == "" {
		t.Error("timestamp missing from synthetic line")
	}
}

func TestSynthetic_SameSeedSameWalk(t *testing.T) {
	a := NewSynthetic(42)
	b := NewSynthetic(42)
	for i := 0; i < 5; i++ {
		la, _ := a.Poll(context.Background())
		lb, _ := b.Poll(context.Background())
		// Timestamps may straddle a second boundary; compare payloads.
		if trimTimestamp(la) != trimTimestamp(lb) {
			t.Fatalf("walk diverged at step %d:\n%s\n%s", i, la, lb)
		}
	}
}

func TestSynthetic_ValuesStayInRange(t *testing.T) {
	src := NewSynthetic(7)
	for i := 0; i < 200; i++ {
		line, _ := src.Poll(context.Background())
		snap := parser.Parse(line)
		for _, c := range snap.CPUs {
			if c.LoadPercent != nil && *c.LoadPercent > 100 {
				t.Fatalf("cpu load %d%% out of range in %q", *c.LoadPercent, line)
			}
		}
		if snap.RAM.UsedBytes > snap.RAM.TotalBytes {
			t.Fatalf("ram used > total in %q", line)
		}
	}
}

// trimTimestamp drops the leading "MM-DD-YYYY HH:MM:SS " prefix.
func trimTimestamp(line string) string {
	if len(line) > 20 {
		return line[20:]
	}
	return line
}
