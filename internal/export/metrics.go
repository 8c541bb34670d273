package export

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fxd0h/jetsonscope/internal/health"
	"github.com/fxd0h/jetsonscope/internal/parser"
	"github.com/fxd0h/jetsonscope/internal/protocol"
)

// BuildMetrics renders the Prometheus exposition text for one health
// snapshot, telemetry snapshot and control listing. Map-backed series
// are emitted in sorted order so scrapes are diffable.
func BuildMetrics(h health.DaemonHealth, snap *parser.Snapshot, controls []protocol.ControlInfo) string {
	var b strings.Builder

	gauge(&b, "jetsonscope_uptime_seconds", "Daemon uptime in seconds", h.UptimeSecs)
	counter(&b, "jetsonscope_requests_total", "Total requests handled", h.TotalRequests)
	counter(&b, "jetsonscope_errors_total", "Total errors", h.Errors)
	counter(&b, "jetsonscope_stats_collected_total", "Total stats collected", h.StatsCollected)
	gauge(&b, "jetsonscope_connected_clients", "Connected clients (observed)", h.ConnectedClients)

	if snap != nil {
		writeSnapshotMetrics(&b, snap)
	}
	writeControlMetrics(&b, controls)

	return b.String()
}

func writeSnapshotMetrics(b *strings.Builder, s *parser.Snapshot) {
	if s.RAM != nil {
		gauge(b, "jetsonscope_ram_bytes_total", "RAM total bytes", s.RAM.TotalBytes)
		gauge(b, "jetsonscope_ram_bytes_used", "RAM used bytes", s.RAM.UsedBytes)
		if lfb := s.RAM.LargestFreeBlock; lfb != nil {
			gauge(b, "jetsonscope_ram_lfb_blocks", "Largest free blocks count", lfb.Count)
			gauge(b, "jetsonscope_ram_lfb_block_size_bytes", "LFB block size bytes", lfb.SizeBytes)
		}
	}
	if s.Swap != nil {
		gauge(b, "jetsonscope_swap_bytes_total", "SWAP total bytes", s.Swap.TotalBytes)
		gauge(b, "jetsonscope_swap_bytes_used", "SWAP used bytes", s.Swap.UsedBytes)
	}
	if s.IRAM != nil {
		gauge(b, "jetsonscope_iram_bytes_total", "IRAM total bytes", s.IRAM.TotalBytes)
		gauge(b, "jetsonscope_iram_bytes_used", "IRAM used bytes", s.IRAM.UsedBytes)
		if s.IRAM.LFBBytes != nil {
			gauge(b, "jetsonscope_iram_lfb_bytes", "IRAM largest free block bytes", *s.IRAM.LFBBytes)
		}
	}

	if len(s.CPUs) > 0 {
		header(b, "jetsonscope_cpu_core_load_percent", "CPU core load percent", "gauge")
		for idx, core := range s.CPUs {
			if core.LoadPercent != nil {
				series(b, "jetsonscope_cpu_core_load_percent", "core", strconv.Itoa(idx), *core.LoadPercent)
			}
		}
		header(b, "jetsonscope_cpu_core_freq_mhz", "CPU core frequency MHz", "gauge")
		for idx, core := range s.CPUs {
			if core.FreqMHz != nil {
				series(b, "jetsonscope_cpu_core_freq_mhz", "core", strconv.Itoa(idx), *core.FreqMHz)
			}
		}
	}

	if len(s.Engines) > 0 {
		names := sortedKeys(s.Engines)
		header(b, "jetsonscope_engine_usage_percent", "Engine usage percent", "gauge")
		for _, name := range names {
			if u := s.Engines[name].UsagePercent; u != nil {
				series(b, "jetsonscope_engine_usage_percent", "engine", name, *u)
			}
		}
		header(b, "jetsonscope_engine_freq_mhz", "Engine frequency MHz", "gauge")
		for _, name := range names {
			if f := s.Engines[name].FreqMHz; f != nil {
				series(b, "jetsonscope_engine_freq_mhz", "engine", name, *f)
			}
		}
		header(b, "jetsonscope_engine_raw_value", "Engine raw value", "gauge")
		for _, name := range names {
			if r := s.Engines[name].RawValue; r != nil {
				series(b, "jetsonscope_engine_raw_value", "engine", name, *r)
			}
		}
	}

	if len(s.Temps) > 0 {
		header(b, "jetsonscope_temp_celsius", "Sensor temperature in Celsius", "gauge")
		for _, sensor := range sortedKeys(s.Temps) {
			series(b, "jetsonscope_temp_celsius", "sensor", sensor, s.Temps[sensor])
		}
	}

	if len(s.Power) > 0 {
		header(b, "jetsonscope_power_mw_current", "Power rail current mW", "gauge")
		header(b, "jetsonscope_power_mw_average", "Power rail average mW", "gauge")
		for _, rail := range sortedKeys(s.Power) {
			series(b, "jetsonscope_power_mw_current", "rail", rail, s.Power[rail].CurrentMW)
			series(b, "jetsonscope_power_mw_average", "rail", rail, s.Power[rail].AverageMW)
		}
	}

	if s.MTS != nil {
		gauge(b, "jetsonscope_mts_usage_fg_percent", "MTS FG usage percent", s.MTS.ForegroundPercent)
		gauge(b, "jetsonscope_mts_usage_bg_percent", "MTS BG usage percent", s.MTS.BackgroundPercent)
	}
}

func writeControlMetrics(b *strings.Builder, controls []protocol.ControlInfo) {
	if len(controls) == 0 {
		return
	}
	header(b, "jetsonscope_control_supported", "Control supported flag", "gauge")
	for _, c := range controls {
		series(b, "jetsonscope_control_supported", "control", c.Name, boolGauge(c.Supported))
	}
	for _, c := range controls {
		switch c.Name {
		case "jetson_clocks":
			if c.Value == "on" || c.Value == "off" {
				gauge(b, "jetsonscope_control_jetson_clocks_on", "Jetson clocks state", boolGauge(c.Value == "on"))
			}
		case "fan":
			if pct, err := strconv.Atoi(strings.TrimSuffix(c.Value, "%")); err == nil {
				gauge(b, "jetsonscope_control_fan_percent", "Fan setpoint percent", pct)
			}
		case "gpu_railgate":
			if c.Value == "auto" || c.Value == "on" {
				gauge(b, "jetsonscope_control_gpu_railgate_auto", "GPU railgate auto flag", boolGauge(c.Value == "auto"))
			}
		}
	}
}

func header(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func gauge(b *strings.Builder, name, help string, value any) {
	header(b, name, help, "gauge")
	fmt.Fprintf(b, "%s %v\n", name, value)
}

func counter(b *strings.Builder, name, help string, value any) {
	header(b, name, help, "counter")
	fmt.Fprintf(b, "%s %v\n", name, value)
}

func series(b *strings.Builder, name, label, labelValue string, value any) {
	fmt.Fprintf(b, "%s{%s=%q} %v\n", name, label, labelValue, value)
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
