// Package hardware discovers device identity and the capability surface
// (engines, sensors, rails, power modes, governors, fan) by probing
// sysfs, procfs and the vendor config files. Nothing downstream
// hardcodes per-model behavior; validation is driven entirely by what
// this package reports.
package hardware

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Roots are package variables so tests can point discovery at a fake
// filesystem tree.
var (
	sysfsRoot = "/sys"
	procRoot  = "/proc"
	etcRoot   = "/etc"
)

// Meta describes the device and its capability surface. Discovered once
// at startup; current control values are re-read lazily elsewhere.
type Meta struct {
	IsJetson       bool     `json:"is_jetson"`
	Model          string   `json:"model"`
	SoC            string   `json:"soc"`
	Module         string   `json:"module"`
	BoardID        string   `json:"board_id"`
	SerialNumber   string   `json:"serial_number"`
	L4TVersion     string   `json:"l4t_version"`
	JetpackVersion string   `json:"jetpack_version"`
	CUDAArch       string   `json:"cuda_arch"`
	Governors      []string `json:"governors"`
	Sensors        []string `json:"sensors"`
	PowerRails     []string `json:"power_rails"`
	Engines        []string `json:"engines"`
	NvpmodelModes  []string `json:"nvpmodel_modes"`
	HasFan         bool     `json:"has_fan"`
}

// moduleNames maps board ids found in the device tree source filename
// to marketing names.
var moduleNames = map[string]string{
	"p3701-0000": "NVIDIA Jetson AGX Orin",
	"p3701-0004": "NVIDIA Jetson AGX Orin (32GB)",
	"p3701-0005": "NVIDIA Jetson AGX Orin (64GB)",
	"p3767-0000": "NVIDIA Jetson Orin NX (16GB)",
	"p3767-0001": "NVIDIA Jetson Orin NX (8GB)",
	"p3767-0003": "NVIDIA Jetson Orin Nano (8GB)",
	"p3767-0004": "NVIDIA Jetson Orin Nano (4GB)",
	"p3668-0000": "NVIDIA Jetson Xavier NX (DevKit)",
	"p3668-0001": "NVIDIA Jetson Xavier NX",
	"p2888-0001": "NVIDIA Jetson AGX Xavier (16GB)",
	"p2888-0004": "NVIDIA Jetson AGX Xavier (32GB)",
	"p3448-0000": "NVIDIA Jetson Nano (4GB)",
	"p3448-0002": "NVIDIA Jetson Nano (eMMC)",
	"p3448-0003": "NVIDIA Jetson Nano (2GB)",
	"p3310-1000": "NVIDIA Jetson TX2",
	"p2180-1000": "NVIDIA Jetson TX1",
}

var cudaArchBySoC = map[string]string{
	"tegra234": "8.7", // Orin
	"tegra194": "7.2", // Xavier
	"tegra186": "6.2", // TX2
	"tegra210": "5.3", // TX1/Nano
}

var jetpackByL4T = map[string]string{
	"36.3.0": "6.0",
	"36.2.0": "6.0 DP",
	"35.5.0": "5.1.3",
	"35.4.1": "5.1.2",
	"35.3.1": "5.1.1",
	"35.2.1": "5.1",
	"35.1.0": "5.0.2",
	"32.7.4": "4.6.4",
	"32.7.1": "4.6.1",
	"32.6.1": "4.6",
	"32.5.1": "4.5.1",
	"32.4.4": "4.4.1",
}

// Detect probes the host. On non-Jetson hosts it returns a mostly empty
// Meta with IsJetson=false so callers can fall back to emulation.
func Detect() Meta {
	meta := Meta{}

	release, err := os.ReadFile(filepath.Join(etcRoot, "nv_tegra_release"))
	if err != nil {
		if _, lookErr := exec.LookPath("tegrastats"); lookErr != nil {
			meta.Model = "Generic Host (Emulator Mode)"
			return meta
		}
		meta.IsJetson = true
	} else {
		meta.IsJetson = true
		meta.L4TVersion = parseL4TRelease(string(release))
		if jp, ok := jetpackByL4T[meta.L4TVersion]; ok {
			meta.JetpackVersion = jp
		} else {
			meta.JetpackVersion = "Unknown"
		}
	}

	meta.Governors = DetectGovernors()
	meta.Sensors = DetectThermalSensors()
	meta.PowerRails = DetectPowerRails()
	meta.Engines = KnownEngines()
	meta.NvpmodelModes = DetectNvpmodelModes()
	meta.HasFan = DetectFan()

	if model, err := os.ReadFile(filepath.Join(sysfsRoot, "firmware/devicetree/base/model")); err == nil {
		meta.Model = trimDeviceTree(string(model))
	}
	if serial, err := os.ReadFile(filepath.Join(sysfsRoot, "firmware/devicetree/base/serial-number")); err == nil {
		meta.SerialNumber = trimDeviceTree(string(serial))
	}
	if compat, err := os.ReadFile(filepath.Join(procRoot, "device-tree/compatible")); err == nil {
		meta.SoC = parseCompatible(string(compat))
		if arch, ok := cudaArchBySoC[meta.SoC]; ok {
			meta.CUDAArch = arch
		}
	}
	if dts, err := os.ReadFile(filepath.Join(procRoot, "device-tree/nvidia,dtsfilename")); err == nil {
		filename := filepath.Base(strings.TrimRight(string(dts), "\x00\n"))
		for id, name := range moduleNames {
			if strings.Contains(filename, id) {
				meta.Module = name
				meta.BoardID = id
				break
			}
		}
	}

	return meta
}

// parseL4TRelease extracts "R35, REVISION: 4.1" style headers into "35.4.1".
func parseL4TRelease(content string) string {
	parts := strings.Split(content, ",")
	if len(parts) < 2 {
		return "Unknown"
	}
	release := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[0]), "# R"))
	if idx := strings.IndexByte(release, ' '); idx >= 0 {
		release = release[:idx]
	}
	revision := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[1]), "REVISION:"))
	if release == "" || revision == "" {
		return "Unknown"
	}
	return release + "." + revision
}

// parseCompatible pulls the SoC name out of the NUL-separated
// device-tree compatible list ("nvidia,tegra234" -> "tegra234").
func parseCompatible(content string) string {
	entries := strings.Split(content, "\x00")
	for i := len(entries) - 1; i >= 0; i-- {
		entry := strings.TrimSpace(entries[i])
		if entry == "" {
			continue
		}
		if _, soc, ok := strings.Cut(entry, ","); ok {
			return soc
		}
		return entry
	}
	return ""
}

func trimDeviceTree(s string) string {
	return strings.TrimSpace(strings.Trim(s, "\x00"))
}

// DetectGovernors lists the distinct CPU scaling governors currently
// active across all cores.
func DetectGovernors() []string {
	var govs []string
	entries, err := os.ReadDir(filepath.Join(sysfsRoot, "devices/system/cpu"))
	if err != nil {
		return govs
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "cpu") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sysfsRoot, "devices/system/cpu", entry.Name(), "cpufreq/scaling_governor"))
		if err != nil {
			continue
		}
		gov := strings.TrimSpace(string(data))
		if gov != "" && !contains(govs, gov) {
			govs = append(govs, gov)
		}
	}
	return govs
}

// DetectThermalSensors lists the thermal zone type names.
func DetectThermalSensors() []string {
	var sensors []string
	entries, err := os.ReadDir(filepath.Join(sysfsRoot, "devices/virtual/thermal"))
	if err != nil {
		return sensors
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "thermal_zone") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sysfsRoot, "devices/virtual/thermal", entry.Name(), "type"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(data))
		if name != "" && !contains(sensors, name) {
			sensors = append(sensors, name)
		}
	}
	return sensors
}

// DetectNvpmodelModes reads the mode names from /etc/nvpmodel.conf
// ("< MODEL ID=0 NAME=MAXN >" lines).
func DetectNvpmodelModes() []string {
	data, err := os.ReadFile(filepath.Join(etcRoot, "nvpmodel.conf"))
	if err != nil {
		return nil
	}
	var modes []string
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "< MODEL") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if name, ok := strings.CutPrefix(field, "NAME="); ok {
				modes = append(modes, strings.TrimSuffix(name, ">"))
			}
		}
	}
	return modes
}

// DetectPowerRails scrapes VDD_ rail names from nvpmodel.conf, falling
// back to the rails every supported SKU reports.
func DetectPowerRails() []string {
	var rails []string
	if data, err := os.ReadFile(filepath.Join(etcRoot, "nvpmodel.conf")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			for _, field := range strings.Fields(line) {
				if strings.HasPrefix(field, "VDD_") && !contains(rails, field) {
					rails = append(rails, field)
				}
			}
		}
	}
	if len(rails) == 0 {
		rails = []string{"VDD_IN", "VDD_CPU", "VDD_GPU", "VDD_SOC", "VDD_WIFI"}
	}
	return rails
}

// DetectFan reports whether a pwm-fan hwmon device exists.
func DetectFan() bool {
	entries, err := os.ReadDir(filepath.Join(sysfsRoot, "class/hwmon"))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(sysfsRoot, "class/hwmon", entry.Name(), "name"))
		if err == nil && strings.TrimSpace(string(data)) == "pwm-fan" {
			return true
		}
	}
	return false
}

// KnownEngines is the baseline engine set present on all supported
// SKUs. The parser will surface any additional engines a particular
// device reports; this list only seeds the capability table.
func KnownEngines() []string {
	return []string{"GR3D", "EMC", "NVENC", "NVDEC", "VIC", "NVJPG"}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
