// jetsonscope-daemon collects board telemetry, answers one-shot
// requests on a unix socket, and optionally exports metrics over HTTP
// and D-Bus.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fxd0h/jetsonscope/internal/collector"
	"github.com/fxd0h/jetsonscope/internal/config"
	"github.com/fxd0h/jetsonscope/internal/control"
	dbussvc "github.com/fxd0h/jetsonscope/internal/dbus"
	"github.com/fxd0h/jetsonscope/internal/export"
	"github.com/fxd0h/jetsonscope/internal/hardware"
	"github.com/fxd0h/jetsonscope/internal/health"
	"github.com/fxd0h/jetsonscope/internal/parser"
	"github.com/fxd0h/jetsonscope/internal/protocol"
	"github.com/fxd0h/jetsonscope/internal/source"
)

// topicHandler wraps an slog.Handler and filters records by a "topic" attribute.
// Records without a topic attribute always pass through (startup messages, errors).
// Records with a topic only pass if that topic is enabled.
type topicHandler struct {
	inner  slog.Handler
	topics map[string]bool
	topic  string // set when WithAttrs includes a "topic" key
}

func (h *topicHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.inner.Enabled(context.Background(), level)
}

func (h *topicHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.topics["all"] {
		return h.inner.Handle(ctx, r)
	}
	topic := h.topic
	if topic == "" {
		// Check record-level attrs as fallback.
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "topic" {
				topic = a.Value.String()
				return false
			}
			return true
		})
	}
	if topic != "" && !h.topics[topic] {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *topicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	topic := h.topic
	for _, a := range attrs {
		if a.Key == "topic" {
			topic = a.Value.String()
		}
	}
	return &topicHandler{inner: h.inner.WithAttrs(attrs), topics: h.topics, topic: topic}
}

func (h *topicHandler) WithGroup(name string) slog.Handler {
	return &topicHandler{inner: h.inner.WithGroup(name), topics: h.topics, topic: h.topic}
}

func main() {
	configPath := flag.String("config", "/etc/jetsonscope/config.toml", "path to the TOML config file")
	verbose := flag.Bool("verbose", false, "enable all verbose logging (equivalent to -log=all)")
	logFlag := flag.String("log", "", "comma-separated log topics: collector,protocol,control,http (or 'all')")
	synthetic := flag.Bool("synthetic", false, "skip real sources and serve synthetic telemetry")
	flag.Parse()

	topics := make(map[string]bool)
	if *verbose {
		topics["all"] = true
	}
	if *logFlag != "" {
		for _, t := range strings.Split(*logFlag, ",") {
			topics[strings.TrimSpace(t)] = true
		}
	}

	handler := &topicHandler{
		inner:  slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
		topics: topics,
	}
	logger := slog.New(handler)

	collectorLog := logger.With("topic", "collector")
	protocolLog := logger.With("topic", "protocol")
	controlLog := logger.With("topic", "control")
	httpLog := logger.With("topic", "http")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if *synthetic {
		cfg.Collection.ForceSynthetic = true
	}

	meta := hardware.Detect()
	logger.Info("hardware detected",
		"jetson", meta.IsJetson,
		"model", meta.Model,
		"module", meta.Module,
		"l4t", meta.L4TVersion,
		"jetpack", meta.JetpackVersion)

	interval := time.Duration(cfg.Collection.IntervalSeconds) * time.Second
	sources, relay := buildSources(cfg, meta, interval, collectorLog)

	tracker := health.NewTracker()
	opts := []collector.Option{
		collector.WithOnSnapshot(func(*parser.Snapshot) { tracker.SnapshotCollected() }),
	}
	if relay != nil {
		opts = append(opts, collector.WithRelay(relay))
	}
	coll := collector.New(meta, sources, interval, collectorLog, opts...)

	manager := control.New(meta, control.ExecRunner{}, controlLog)

	srv := protocol.NewServer(coll, manager, tracker, cfg.Daemon.AuthToken, protocolLog)
	if err := srv.Listen(cfg.Daemon.SocketPath); err != nil {
		logger.Error("bind socket", "err", err)
		os.Exit(1)
	}
	logger.Info("listening", "socket", cfg.Daemon.SocketPath, "auth", cfg.Daemon.AuthToken != "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		coll.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			logger.Error("socket server stopped", "err", err)
		}
	}()

	if cfg.HTTP.Addr != "" {
		httpSrv := export.NewServer(coll, manager, tracker,
			cfg.HTTP.MetricsToken, cfg.HTTP.DebugToken, cfg.HTTP.TopProcesses, httpLog)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpSrv.Run(ctx, cfg.HTTP.Addr); err != nil {
				httpLog.Warn("http server stopped", "err", err)
			}
		}()
		logger.Info("http export enabled", "addr", cfg.HTTP.Addr)
	}

	if cfg.Telemetry.LogPath != "" {
		tl := health.NewTelemetryLogger(cfg.Telemetry.LogPath,
			time.Duration(cfg.Telemetry.IntervalSeconds)*time.Second, tracker, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tl.Run(ctx)
		}()
		logger.Info("telemetry log enabled", "path", cfg.Telemetry.LogPath)
	}

	if cfg.DBus.Enabled {
		svc := dbussvc.NewService(coll, manager, tracker)
		conn, err := svc.Export()
		if err != nil {
			logger.Warn("dbus export unavailable", "err", err)
		} else {
			defer conn.Close()
			logger.Info("dbus service registered", "name", "org.jetsonscope.Daemon")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	cancel()
	srv.Close()
	wg.Wait()
}

// buildSources assembles the priority chain from config: relay socket,
// telemetry command, emulator command, then the synthetic fallback.
func buildSources(cfg *config.Config, meta hardware.Meta, interval time.Duration, log *slog.Logger) ([]source.Source, source.SnapshotSource) {
	var relay source.SnapshotSource
	var sources []source.Source

	if !cfg.Collection.ForceSynthetic {
		if cfg.Collection.RelaySocket != "" {
			relay = source.NewRelay(cfg.Collection.RelaySocket)
		}

		statsCmd := cfg.Collection.StatsCmd
		if statsCmd == "" && meta.IsJetson {
			statsCmd = "tegrastats --interval " + strconv.Itoa(int(interval.Milliseconds()))
		}
		if cfg.Collection.ForceEmulator {
			statsCmd = ""
		}
		if statsCmd != "" {
			if src, err := source.NewCommandSource("command", strings.Fields(statsCmd)); err == nil {
				sources = append(sources, src)
			} else {
				log.Warn("stats command rejected", "cmd", statsCmd, "err", err)
			}
		}

		if cfg.Collection.EmulatorCmd != "" {
			if src, err := source.NewCommandSource("emulator", strings.Fields(cfg.Collection.EmulatorCmd)); err == nil {
				sources = append(sources, src)
			} else {
				log.Warn("emulator command rejected", "cmd", cfg.Collection.EmulatorCmd, "err", err)
			}
		}
	}

	sources = append(sources, source.NewSynthetic(time.Now().UnixNano()))
	return sources, relay
}
