package parser

// Snapshot is one parsed telemetry line. A field that the source never
// printed stays nil, which is how "not reported by this SKU" is kept
// distinct from "reported as zero". Snapshots are never mutated after
// construction; the collector publishes each one by pointer swap.
type Snapshot struct {
	// Timestamp is the wall-clock string printed by the source itself
	// (tegrastats --interval emits "MM-DD-YYYY HH:MM:SS"), if present.
	Timestamp string `json:"timestamp,omitempty"`
	// CollectedAt is set by the collector when the snapshot is cached,
	// unix seconds.
	CollectedAt int64 `json:"collected_at,omitempty"`

	RAM  *MemoryStat `json:"ram,omitempty"`
	Swap *SwapStat   `json:"swap,omitempty"`
	IRAM *IRAMStat   `json:"iram,omitempty"`
	MTS  *MTSStat    `json:"mts,omitempty"`

	// CPUs is ordered by physical core id.
	CPUs []CPUCore `json:"cpus"`

	Engines map[string]EngineStat `json:"engines"`
	Temps   map[string]float64    `json:"temps"`
	Power   map[string]PowerRail  `json:"power"`

	// Source names the adapter that produced the raw line: "socket",
	// "command", "emulator", or "synthetic". Filled by the collector.
	Source string `json:"source,omitempty"`
}

// MemoryStat covers the RAM field, sizes in bytes.
type MemoryStat struct {
	UsedBytes        uint64            `json:"used_bytes"`
	TotalBytes       uint64            `json:"total_bytes"`
	LargestFreeBlock *LargestFreeBlock `json:"largest_free_block,omitempty"`
}

// LargestFreeBlock is the "lfb NxSMB" annotation: N contiguous free
// blocks of SizeBytes each.
type LargestFreeBlock struct {
	Count     uint64 `json:"count"`
	SizeBytes uint64 `json:"size_bytes"`
}

type SwapStat struct {
	UsedBytes   uint64  `json:"used_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	CachedBytes *uint64 `json:"cached_bytes,omitempty"`
}

type IRAMStat struct {
	UsedBytes  uint64  `json:"used_bytes"`
	TotalBytes uint64  `json:"total_bytes"`
	LFBBytes   *uint64 `json:"lfb_bytes,omitempty"`
}

// CPUCore holds one core's load and frequency. A core printed as "off"
// has both fields nil.
type CPUCore struct {
	LoadPercent *uint32 `json:"load_percent,omitempty"`
	FreqMHz     *uint32 `json:"freq_mhz,omitempty"`
}

// EngineStat is one compute engine (GR3D, EMC, NVENC, ...). Enabled is
// nil for an engine the line never mentioned, false for an explicit
// "off" token, true otherwise.
type EngineStat struct {
	UsagePercent *uint32 `json:"usage_percent,omitempty"`
	FreqMHz      *uint32 `json:"freq_mhz,omitempty"`
	RawValue     *uint32 `json:"raw_value,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
}

// PowerRail reports instantaneous and averaged draw in milliwatts.
type PowerRail struct {
	CurrentMW uint32 `json:"current_mw"`
	AverageMW uint32 `json:"average_mw"`
}

// MTSStat is the multimedia thread scheduler foreground/background load.
type MTSStat struct {
	ForegroundPercent uint32 `json:"fg_percent"`
	BackgroundPercent uint32 `json:"bg_percent"`
}

// GPUUsage returns the GR3D usage if reported, falling back to the raw
// counter some SKUs print instead of a percentage.
func (s *Snapshot) GPUUsage() (uint32, bool) {
	eng, ok := s.Engines["GR3D"]
	if !ok {
		return 0, false
	}
	if eng.UsagePercent != nil {
		return *eng.UsagePercent, true
	}
	if eng.RawValue != nil {
		return *eng.RawValue, true
	}
	return 0, false
}

// RAMRatio returns used/total, 0 when RAM was not reported.
func (s *Snapshot) RAMRatio() float64 {
	if s.RAM == nil || s.RAM.TotalBytes == 0 {
		return 0
	}
	return float64(s.RAM.UsedBytes) / float64(s.RAM.TotalBytes)
}
