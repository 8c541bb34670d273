package export

import (
	"sort"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo is one row of the debug process table.
type ProcessInfo struct {
	PID      int32   `json:"pid"`
	Name     string  `json:"name"`
	CPUPct   float64 `json:"cpu_pct"`
	MemBytes uint64  `json:"mem_bytes"`
}

// ProcessMonitor keeps process handles alive between queries so CPU
// percentages are measured over the interval since the previous call
// instead of being zero on every fresh handle.
type ProcessMonitor struct {
	cache map[int32]*process.Process
}

func NewProcessMonitor() *ProcessMonitor {
	return &ProcessMonitor{cache: make(map[int32]*process.Process)}
}

// Top returns the limit busiest processes, by CPU unless byMem is set.
func (m *ProcessMonitor) Top(limit int, byMem bool) ([]ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	alive := make(map[int32]bool, len(procs))
	for _, p := range procs {
		alive[p.Pid] = true
		if _, ok := m.cache[p.Pid]; !ok {
			m.cache[p.Pid] = p
		}
	}
	for pid := range m.cache {
		if !alive[pid] {
			delete(m.cache, pid)
		}
	}

	rows := make([]ProcessInfo, 0, len(m.cache))
	for _, p := range m.cache {
		cpuPct, err := p.Percent(0)
		if err != nil {
			// Raced with process exit.
			continue
		}
		name, err := p.Name()
		if err != nil {
			name = "unknown"
		}
		var rss uint64
		if memInfo, err := p.MemoryInfo(); err == nil {
			rss = memInfo.RSS
		}
		rows = append(rows, ProcessInfo{PID: p.Pid, Name: name, CPUPct: cpuPct, MemBytes: rss})
	}

	if byMem {
		sort.Slice(rows, func(i, j int) bool { return rows[i].MemBytes > rows[j].MemBytes })
	} else {
		sort.Slice(rows, func(i, j int) bool { return rows[i].CPUPct > rows[j].CPUPct })
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
