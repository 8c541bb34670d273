package dbus

import (
	"encoding/json"
	"testing"

	"github.com/fxd0h/jetsonscope/internal/hardware"
	"github.com/fxd0h/jetsonscope/internal/health"
	"github.com/fxd0h/jetsonscope/internal/parser"
	"github.com/fxd0h/jetsonscope/internal/protocol"
)

type fakeStats struct {
	snap *parser.Snapshot
	meta hardware.Meta
}

func (f *fakeStats) Current() *parser.Snapshot { return f.snap }
func (f *fakeStats) Meta() hardware.Meta       { return f.meta }

type fakeControls struct {
	infos []protocol.ControlInfo
}

func (f *fakeControls) List() []protocol.ControlInfo { return f.infos }
func (f *fakeControls) Apply(name, value string) (protocol.ControlInfo, *protocol.ErrorInfo) {
	return protocol.ControlInfo{}, protocol.Errorf(protocol.CodeControlError, "read-only surface")
}

func newTestService(t *testing.T) (*Service, *health.Tracker) {
	t.Helper()

	snap := parser.Parse("RAM 2048/8192MB (lfb 12x4MB) CPU [10%@1420,20%@1420] GR3D_FREQ 35%@624 CPU@46.5C")
	snap.Source = "command"
	stats := &fakeStats{
		snap: snap,
		meta: hardware.Meta{IsJetson: true, Model: "Jetson Orin Nano", SoC: "tegra234"},
	}
	controls := &fakeControls{infos: []protocol.ControlInfo{
		{Name: "fan", Value: "50", Supported: true},
		{Name: "nvpmodel", Value: "15W", Supported: true},
	}}
	tracker := health.NewTracker()
	return NewService(stats, controls, tracker), tracker
}

func TestService_GetCurrentStatsJSON(t *testing.T) {
	svc, _ := newTestService(t)

	raw, dbusErr := svc.GetCurrentStats()
	if dbusErr != nil {
		t.Fatalf("GetCurrentStats() error = %v", dbusErr)
	}

	var payload struct {
		Source string           `json:"source"`
		Data   *parser.Snapshot `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal stats JSON: %v", err)
	}
	if payload.Source != "command" {
		t.Errorf("source = %q, want %q", payload.Source, "command")
	}
	if payload.Data == nil || payload.Data.RAM == nil {
		t.Fatalf("stats JSON missing RAM: %s", raw)
	}
	if got := payload.Data.RAM.UsedBytes; got != 2048*1024*1024 {
		t.Errorf("RAM used = %d, want %d", got, 2048*1024*1024)
	}
}

func TestService_GetMetaJSON(t *testing.T) {
	svc, _ := newTestService(t)

	raw, dbusErr := svc.GetMeta()
	if dbusErr != nil {
		t.Fatalf("GetMeta() error = %v", dbusErr)
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		t.Fatalf("unmarshal meta JSON: %v", err)
	}
	for _, key := range []string{"is_jetson", "model", "soc"} {
		if _, ok := meta[key]; !ok {
			t.Errorf("meta JSON missing key %q: %s", key, raw)
		}
	}
}

func TestService_GetHealthJSON(t *testing.T) {
	svc, tracker := newTestService(t)
	tracker.RequestServed()
	tracker.RequestServed()
	tracker.RequestFailed("boom")

	raw, dbusErr := svc.GetHealth()
	if dbusErr != nil {
		t.Fatalf("GetHealth() error = %v", dbusErr)
	}

	var h health.DaemonHealth
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		t.Fatalf("unmarshal health JSON: %v", err)
	}
	if h.TotalRequests != 2 {
		t.Errorf("total_requests = %d, want 2", h.TotalRequests)
	}
	if h.Errors != 1 {
		t.Errorf("errors = %d, want 1", h.Errors)
	}
	if h.LastError != "boom" {
		t.Errorf("last_error = %q, want %q", h.LastError, "boom")
	}
}

func TestService_ListControlsJSON(t *testing.T) {
	svc, _ := newTestService(t)

	raw, dbusErr := svc.ListControls()
	if dbusErr != nil {
		t.Fatalf("ListControls() error = %v", dbusErr)
	}

	var controls []protocol.ControlInfo
	if err := json.Unmarshal([]byte(raw), &controls); err != nil {
		t.Fatalf("unmarshal controls JSON: %v", err)
	}
	if len(controls) != 2 {
		t.Fatalf("len(controls) = %d, want 2", len(controls))
	}
	if controls[0].Name != "fan" || controls[0].Value != "50" {
		t.Errorf("controls[0] = %+v, want fan=50", controls[0])
	}
}
