package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// telemetryEntry is one line of the telemetry log.
type telemetryEntry struct {
	Ts     int64        `json:"ts"`
	Health DaemonHealth `json:"health"`
}

// TelemetryLogger appends periodic health snapshots to a JSON-lines
// file so operators can inspect daemon behaviour after the fact
// without any external collector.
type TelemetryLogger struct {
	path     string
	interval time.Duration
	tracker  *Tracker
	log      *slog.Logger
}

// NewTelemetryLogger builds a logger writing to path every interval.
func NewTelemetryLogger(path string, interval time.Duration, tracker *Tracker, log *slog.Logger) *TelemetryLogger {
	if log == nil {
		log = slog.Default()
	}
	return &TelemetryLogger{path: path, interval: interval, tracker: tracker, log: log}
}

// Run writes snapshots until ctx is cancelled. A final entry is
// flushed on shutdown.
func (l *TelemetryLogger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := l.writeEntry(); err != nil {
				l.log.Warn("final telemetry write failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := l.writeEntry(); err != nil {
				l.log.Warn("telemetry write failed", "err", err)
			}
		}
	}
}

func (l *TelemetryLogger) writeEntry() error {
	entry := telemetryEntry{Ts: time.Now().Unix(), Health: l.tracker.Snapshot()}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal telemetry entry: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open telemetry log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append telemetry entry: %w", err)
	}
	return nil
}
