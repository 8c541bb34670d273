// Package control discovers the board's controllable dimensions and
// applies changes to them. Every read goes to the hardware; no control
// state is cached, so the reported value is always ground truth.
package control

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxd0h/jetsonscope/internal/hardware"
	"github.com/fxd0h/jetsonscope/internal/protocol"
)

// sysfsRoot is swapped for a temp dir in tests.
var sysfsRoot = "/sys"

// lockAcquireTimeout bounds how long an apply waits for an in-flight
// change of the same control. nvpmodel and jetson_clocks can take a
// few seconds; a wait past this means the holder is stuck.
var lockAcquireTimeout = 10 * time.Second

// Control names. The full set is always reported, with supported=false
// for anything this board or host cannot do.
const (
	NameJetsonClocks = "jetson_clocks"
	NameNvpmodel     = "nvpmodel"
	NameFan          = "fan"
	NameCPUGovernor  = "cpu_governor"
	NameGPUGovernor  = "gpu_governor"
	NameGPURailgate  = "gpu_railgate"
)

var controlNames = []string{
	NameJetsonClocks, NameNvpmodel, NameFan,
	NameCPUGovernor, NameGPUGovernor, NameGPURailgate,
}

// Runner executes the external tools the controls depend on. The
// indirection keeps tests off the real binaries.
type Runner interface {
	LookPath(name string) bool
	Run(name string, args ...string) (string, error)
}

// ExecRunner runs real commands.
type ExecRunner struct{}

func (ExecRunner) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func (ExecRunner) Run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Manager serializes control changes per control name and answers
// listing queries.
type Manager struct {
	meta   hardware.Meta
	runner Runner
	log    *slog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

func New(meta hardware.Meta, runner Runner, log *slog.Logger) *Manager {
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		meta:   meta,
		runner: runner,
		log:    log,
		locks:  make(map[string]chan struct{}),
	}
}

// List reports every control with its current hardware state.
func (m *Manager) List() []protocol.ControlInfo {
	infos := make([]protocol.ControlInfo, 0, len(controlNames))
	for _, name := range controlNames {
		infos = append(infos, m.describe(name))
	}
	return infos
}

// Apply validates and executes one control change, then reads the
// state back from the hardware. Validation failures and execution
// failures leave the hardware untouched beyond what the tool itself
// did.
func (m *Manager) Apply(name, value string) (protocol.ControlInfo, *protocol.ErrorInfo) {
	if !knownControl(name) {
		return protocol.ControlInfo{}, protocol.Errorf(protocol.CodeInvalidControl, "unknown control %q", name)
	}

	info := m.describe(name)
	if !info.Supported {
		return protocol.ControlInfo{}, protocol.Errorf(protocol.CodeControlError, "control %s not supported on this hardware", name)
	}
	if info.Readonly {
		return protocol.ControlInfo{}, protocol.Errorf(protocol.CodeControlError, "control %s is read-only", name)
	}
	if err := validate(info, value); err != nil {
		return protocol.ControlInfo{}, err
	}

	// Changes to the same control run one at a time; a second request
	// waits for the in-flight one rather than failing fast.
	lock := m.lockFor(name)
	select {
	case lock <- struct{}{}:
	case <-time.After(lockAcquireTimeout):
		return protocol.ControlInfo{}, protocol.Errorf(protocol.CodeLockError, "control %s is busy", name)
	}
	defer func() { <-lock }()

	if err := m.write(name, value); err != nil {
		m.log.Warn("control apply failed", "control", name, "value", value, "err", err)
		return protocol.ControlInfo{}, protocol.Errorf(protocol.CodeControlError, "apply %s=%s: %v", name, value, err)
	}
	m.log.Info("control applied", "control", name, "value", value)

	return m.describe(name), nil
}

func (m *Manager) lockFor(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[name]; ok {
		return l
	}
	l := make(chan struct{}, 1)
	m.locks[name] = l
	return l
}

func knownControl(name string) bool {
	for _, n := range controlNames {
		if n == name {
			return true
		}
	}
	return false
}

// validate checks a value against the control's option list or
// numeric range.
func validate(info protocol.ControlInfo, value string) *protocol.ErrorInfo {
	if info.Min != nil && info.Max != nil {
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return protocol.Errorf(protocol.CodeControlError, "%s value %q is not a number", info.Name, value)
		}
		v := uint32(n)
		if v < *info.Min || v > *info.Max {
			return protocol.Errorf(protocol.CodeControlError, "%s value %d out of range %d-%d", info.Name, v, *info.Min, *info.Max)
		}
		if info.Step != nil && *info.Step > 1 && (v-*info.Min)%*info.Step != 0 {
			return protocol.Errorf(protocol.CodeControlError, "%s value %d not a multiple of step %d", info.Name, v, *info.Step)
		}
		return nil
	}
	for _, opt := range info.Options {
		if opt == value {
			return nil
		}
	}
	return protocol.Errorf(protocol.CodeControlError, "%s value %q not in %v", info.Name, value, info.Options)
}

// describe probes the hardware for one control's current state.
func (m *Manager) describe(name string) protocol.ControlInfo {
	info := protocol.ControlInfo{
		Name:         name,
		Value:        "unknown",
		Options:      []string{},
		RequiresSudo: true,
	}
	switch name {
	case NameJetsonClocks:
		info.Description = "Max performance mode"
		info.Options = []string{"on", "off"}
		info.Supported = m.meta.IsJetson && m.runner.LookPath("jetson_clocks")
		if info.Supported {
			info.Value = m.readJetsonClocks()
		}
	case NameNvpmodel:
		info.Description = "Power mode"
		info.Options = append([]string{}, m.meta.NvpmodelModes...)
		info.Supported = m.meta.IsJetson && len(m.meta.NvpmodelModes) > 0 && m.runner.LookPath("nvpmodel")
		if info.Supported {
			info.Value = m.readNvpmodel()
		}
	case NameFan:
		info.Description = "Fan speed"
		info.Options = []string{"0-100"}
		min, max, step := uint32(0), uint32(100), uint32(1)
		unit := "%"
		info.Min, info.Max, info.Step, info.Unit = &min, &max, &step, &unit
		info.Supported = m.meta.IsJetson && m.meta.HasFan
		if info.Supported {
			info.Value = m.readFan()
		}
	case NameCPUGovernor:
		info.Description = "CPU governor"
		info.Options = m.cpuGovernorOptions()
		info.Supported = m.meta.IsJetson && len(info.Options) > 0
		if info.Supported {
			info.Value = m.readCPUGovernor()
		}
	case NameGPUGovernor:
		info.Description = "GPU governor"
		info.Options = m.gpuGovernorOptions()
		info.Supported = m.meta.IsJetson && len(info.Options) > 0
		if info.Supported {
			info.Value = m.readGPUGovernor()
		}
	case NameGPURailgate:
		info.Description = "GPU rail-gating (power control)"
		info.Options = []string{"auto", "on"}
		info.Supported = m.meta.IsJetson && m.gpuPowerControlPath() != ""
		if info.Supported {
			info.Value = m.readGPURailgate()
		}
	}
	return info
}

// write executes the change for an already-validated value.
func (m *Manager) write(name, value string) error {
	switch name {
	case NameJetsonClocks:
		arg := "--off"
		if value == "on" {
			arg = "--on"
		}
		_, err := m.runner.Run("jetson_clocks", arg)
		return err
	case NameNvpmodel:
		_, err := m.runner.Run("nvpmodel", "-m", value)
		return err
	case NameFan:
		return m.writeFan(value)
	case NameCPUGovernor:
		return m.writeCPUGovernor(value)
	case NameGPUGovernor:
		return m.writeGPUGovernor(value)
	case NameGPURailgate:
		return m.writeGPURailgate(value)
	}
	return fmt.Errorf("no writer for control %s", name)
}

func (m *Manager) readJetsonClocks() string {
	out, err := m.runner.Run("jetson_clocks", "--show")
	if err != nil {
		return "unknown"
	}
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "enabled"):
		return "on"
	case strings.Contains(lower, "disabled"):
		return "off"
	}
	return "unknown"
}

func (m *Manager) readNvpmodel() string {
	out, err := m.runner.Run("nvpmodel", "-q")
	if err != nil {
		return "unknown"
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(strings.ToLower(line), "mode:") {
			continue
		}
		if i := strings.LastIndex(line, ":"); i >= 0 {
			if name := strings.TrimSpace(line[i+1:]); name != "" {
				return name
			}
		}
	}
	return "unknown"
}

func (m *Manager) readFan() string {
	if m.runner.LookPath("jetson_fan") {
		if out, err := m.runner.Run("jetson_fan", "--get"); err == nil {
			if line, _, _ := strings.Cut(strings.TrimSpace(out), "\n"); line != "" {
				return strings.TrimSuffix(line, "%")
			}
		}
	}
	if path := m.fanPWMPath(); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if pwm, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
				return strconv.Itoa((pwm*100 + 127) / 255)
			}
		}
	}
	return "unknown"
}

func (m *Manager) writeFan(value string) error {
	if m.runner.LookPath("jetson_fan") {
		_, err := m.runner.Run("jetson_fan", "--set", value)
		return err
	}
	path := m.fanPWMPath()
	if path == "" {
		return fmt.Errorf("no fan pwm device found")
	}
	percent, _ := strconv.Atoi(value)
	pwm := (percent*255 + 50) / 100
	if err := os.WriteFile(path, []byte(strconv.Itoa(pwm)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// fanPWMPath finds the pwm-fan hwmon device's duty-cycle file.
func (m *Manager) fanPWMPath() string {
	entries, err := os.ReadDir(filepath.Join(sysfsRoot, "class/hwmon"))
	if err != nil {
		return ""
	}
	for _, e := range entries {
		dir := filepath.Join(sysfsRoot, "class/hwmon", e.Name())
		name, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil || !strings.Contains(string(name), "pwm-fan") {
			continue
		}
		pwm := filepath.Join(dir, "pwm1")
		if _, err := os.Stat(pwm); err == nil {
			return pwm
		}
	}
	return ""
}

func (m *Manager) cpuPaths() []string {
	entries, err := os.ReadDir(filepath.Join(sysfsRoot, "devices/system/cpu"))
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		if _, err := strconv.Atoi(name[3:]); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(sysfsRoot, "devices/system/cpu", name))
	}
	return paths
}

// cpuGovernorOptions unions available governors across all cores.
func (m *Manager) cpuGovernorOptions() []string {
	seen := make(map[string]bool)
	opts := []string{}
	for _, p := range m.cpuPaths() {
		data, err := os.ReadFile(filepath.Join(p, "cpufreq/scaling_available_governors"))
		if err != nil {
			continue
		}
		for _, g := range strings.Fields(string(data)) {
			if !seen[g] {
				seen[g] = true
				opts = append(opts, g)
			}
		}
	}
	return opts
}

func (m *Manager) readCPUGovernor() string {
	for _, p := range m.cpuPaths() {
		data, err := os.ReadFile(filepath.Join(p, "cpufreq/scaling_governor"))
		if err != nil {
			continue
		}
		if g := strings.TrimSpace(string(data)); g != "" {
			return g
		}
	}
	return "unknown"
}

// writeCPUGovernor applies the governor to every core that exposes a
// cpufreq policy.
func (m *Manager) writeCPUGovernor(value string) error {
	wrote := false
	for _, p := range m.cpuPaths() {
		gov := filepath.Join(p, "cpufreq/scaling_governor")
		if _, err := os.Stat(gov); err != nil {
			continue
		}
		if err := os.WriteFile(gov, []byte(value), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", gov, err)
		}
		wrote = true
	}
	if !wrote {
		return fmt.Errorf("no cpufreq policies found")
	}
	return nil
}

// gpuDevfreqPath probes the iGPU devfreq node across known SoC device
// names.
func (m *Manager) gpuDevfreqPath() string {
	for _, dev := range []string{"17000000.gv11b", "17000000.gp10b"} {
		p := filepath.Join(sysfsRoot, "devices", dev, "devfreq", dev)
		if _, err := os.Stat(filepath.Join(p, "governor")); err == nil {
			return p
		}
	}
	return ""
}

func (m *Manager) gpuPowerControlPath() string {
	for _, dev := range []string{"17000000.gv11b", "17000000.gp10b"} {
		p := filepath.Join(sysfsRoot, "devices", dev, "power/control")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (m *Manager) gpuGovernorOptions() []string {
	p := m.gpuDevfreqPath()
	if p == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(p, "available_governors"))
	if err != nil {
		return nil
	}
	return strings.Fields(string(data))
}

func (m *Manager) readGPUGovernor() string {
	p := m.gpuDevfreqPath()
	if p == "" {
		return "unknown"
	}
	data, err := os.ReadFile(filepath.Join(p, "governor"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}

func (m *Manager) writeGPUGovernor(value string) error {
	p := m.gpuDevfreqPath()
	if p == "" {
		return fmt.Errorf("no gpu devfreq node found")
	}
	gov := filepath.Join(p, "governor")
	if err := os.WriteFile(gov, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", gov, err)
	}
	return nil
}

func (m *Manager) readGPURailgate() string {
	p := m.gpuPowerControlPath()
	if p == "" {
		return "unknown"
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}

func (m *Manager) writeGPURailgate(value string) error {
	p := m.gpuPowerControlPath()
	if p == "" {
		return fmt.Errorf("no gpu power control node found")
	}
	if err := os.WriteFile(p, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
