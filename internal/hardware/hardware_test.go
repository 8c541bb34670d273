package hardware

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setTestRoots(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	oldSys, oldProc, oldEtc := sysfsRoot, procRoot, etcRoot
	sysfsRoot = filepath.Join(root, "sys")
	procRoot = filepath.Join(root, "proc")
	etcRoot = filepath.Join(root, "etc")
	t.Cleanup(func() {
		sysfsRoot, procRoot, etcRoot = oldSys, oldProc, oldEtc
	})

	return root
}

func writeTestFile(t *testing.T, path, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDetect_FullOrinTree(t *testing.T) {
	root := setTestRoots(t)
	writeTestFile(t, filepath.Join(root, "etc/nv_tegra_release"),
		"# R35 (release), REVISION: 4.1, GCID: 33958178, BOARD: t186ref, EABI: aarch64, DATE: Tue Aug  1 19:57:35 UTC 2023\n")
	writeTestFile(t, filepath.Join(root, "etc/nvpmodel.conf"), strings.Join([]string{
		"< MODEL ID=0 NAME=MAXN >",
		"< MODEL ID=1 NAME=15W >",
		"< MODEL ID=2 NAME=30W >",
		"BUSY_FACTOR VDD_IN VDD_CPU_GPU_CV",
	}, "\n"))
	writeTestFile(t, filepath.Join(root, "sys/firmware/devicetree/base/model"), "NVIDIA Orin NX Developer Kit\x00")
	writeTestFile(t, filepath.Join(root, "sys/firmware/devicetree/base/serial-number"), "1421123456789\x00")
	writeTestFile(t, filepath.Join(root, "proc/device-tree/compatible"), "nvidia,p3768-0000+p3767-0000\x00nvidia,tegra234\x00")
	writeTestFile(t, filepath.Join(root, "proc/device-tree/nvidia,dtsfilename"),
		"/dvs/git/dirty/kernel-5.10/arch/arm64/boot/dts/tegra234-p3767-0000-p3768-0000.dts\x00")
	writeTestFile(t, filepath.Join(root, "sys/devices/system/cpu/cpu0/cpufreq/scaling_governor"), "schedutil\n")
	writeTestFile(t, filepath.Join(root, "sys/devices/system/cpu/cpu1/cpufreq/scaling_governor"), "performance\n")
	writeTestFile(t, filepath.Join(root, "sys/devices/virtual/thermal/thermal_zone0/type"), "cpu-thermal\n")
	writeTestFile(t, filepath.Join(root, "sys/devices/virtual/thermal/thermal_zone1/type"), "gpu-thermal\n")
	writeTestFile(t, filepath.Join(root, "sys/class/hwmon/hwmon2/name"), "pwm-fan\n")

	meta := Detect()

	if !meta.IsJetson {
		t.Fatal("IsJetson = false, want true")
	}
	if meta.L4TVersion != "35.4.1" {
		t.Fatalf("L4TVersion = %q, want 35.4.1", meta.L4TVersion)
	}
	if meta.JetpackVersion != "5.1.2" {
		t.Fatalf("JetpackVersion = %q, want 5.1.2", meta.JetpackVersion)
	}
	if meta.Model != "NVIDIA Orin NX Developer Kit" {
		t.Fatalf("Model = %q", meta.Model)
	}
	if meta.SoC != "tegra234" {
		t.Fatalf("SoC = %q, want tegra234", meta.SoC)
	}
	if meta.CUDAArch != "8.7" {
		t.Fatalf("CUDAArch = %q, want 8.7", meta.CUDAArch)
	}
	if meta.Module != "NVIDIA Jetson Orin NX (16GB)" || meta.BoardID != "p3767-0000" {
		t.Fatalf("Module = %q BoardID = %q", meta.Module, meta.BoardID)
	}
	if meta.SerialNumber != "1421123456789" {
		t.Fatalf("SerialNumber = %q", meta.SerialNumber)
	}
	if len(meta.NvpmodelModes) != 3 || meta.NvpmodelModes[0] != "MAXN" {
		t.Fatalf("NvpmodelModes = %v, want [MAXN 15W 30W]", meta.NvpmodelModes)
	}
	if len(meta.Governors) != 2 {
		t.Fatalf("Governors = %v, want two distinct governors", meta.Governors)
	}
	if len(meta.Sensors) != 2 {
		t.Fatalf("Sensors = %v, want two thermal zones", meta.Sensors)
	}
	if !meta.HasFan {
		t.Fatal("HasFan = false, want true")
	}
	wantRails := []string{"VDD_IN", "VDD_CPU_GPU_CV"}
	if len(meta.PowerRails) != len(wantRails) {
		t.Fatalf("PowerRails = %v, want %v", meta.PowerRails, wantRails)
	}
}

func TestDetect_NonJetsonHost(t *testing.T) {
	_ = setTestRoots(t)

	meta := Detect()

	if meta.IsJetson {
		t.Skip("host has tegrastats on PATH")
	}
	if meta.Model != "Generic Host (Emulator Mode)" {
		t.Fatalf("Model = %q, want emulator placeholder", meta.Model)
	}
	if len(meta.NvpmodelModes) != 0 {
		t.Fatalf("NvpmodelModes = %v, want empty", meta.NvpmodelModes)
	}
}

func TestDetectPowerRails_FallbackSet(t *testing.T) {
	_ = setTestRoots(t)

	rails := DetectPowerRails()

	if len(rails) != 5 || rails[0] != "VDD_IN" {
		t.Fatalf("rails = %v, want default five-rail set", rails)
	}
}

func TestParseL4TRelease_Malformed(t *testing.T) {
	if got := parseL4TRelease("garbage"); got != "Unknown" {
		t.Fatalf("parseL4TRelease = %q, want Unknown", got)
	}
}

func TestParseCompatible_PicksLastEntry(t *testing.T) {
	if got := parseCompatible("nvidia,board\x00nvidia,tegra194\x00\x00"); got != "tegra194" {
		t.Fatalf("parseCompatible = %q, want tegra194", got)
	}
}
