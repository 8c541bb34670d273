package source

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// SyntheticSource fabricates plausible telemetry lines so the daemon
// stays fully functional on machines with no tegrastats at all. It is
// the fallback of last resort and never fails.
//
// Values drift with a random walk rather than jumping so dashboards
// against an emulated daemon look lifelike. RAM totals are seeded
// from the host so the emulated board resembles the developer's
// machine.
type SyntheticSource struct {
	mu  sync.Mutex
	rng *rand.Rand

	ramTotalMB  uint64
	ramUsedMB   uint64
	swapTotalMB uint64
	cpuLoad     [8]uint32
	gpuLoad     uint32
	cpuTemp     float64
	gpuTemp     float64
	powerMW     uint32
}

// NewSynthetic builds a synthetic source seeded from the host's
// memory size; seed fixes the random walk for tests.
func NewSynthetic(seed int64) *SyntheticSource {
	s := &SyntheticSource{
		rng:         rand.New(rand.NewSource(seed)),
		ramTotalMB:  15817,
		swapTotalMB: 7908,
		cpuTemp:     45.0,
		gpuTemp:     42.5,
		powerMW:     6000,
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		s.ramTotalMB = vm.Total / (1024 * 1024)
		s.swapTotalMB = s.ramTotalMB / 2
	}
	s.ramUsedMB = s.ramTotalMB / 4
	for i := range s.cpuLoad {
		s.cpuLoad[i] = uint32(s.rng.Intn(30))
	}
	s.gpuLoad = uint32(s.rng.Intn(20))
	return s
}

func (s *SyntheticSource) Name() string { return "synthetic" }

func (s *SyntheticSource) Close() error { return nil }

// Poll generates one line. It never blocks and never fails.
func (s *SyntheticSource) Poll(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step()

	var b strings.Builder
	fmt.Fprintf(&b, "%s RAM %d/%dMB (lfb %dx4MB) SWAP %d/%dMB (cached %dMB)",
		time.Now().Format("01-02-2006 15:04:05"),
		s.ramUsedMB, s.ramTotalMB,
		(s.ramTotalMB-s.ramUsedMB)/16,
		s.swapTotalMB/20, s.swapTotalMB, s.swapTotalMB/40)

	b.WriteString(" CPU [")
	for i, load := range s.cpuLoad {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d%%@%d", load, 1420+load*6)
	}
	b.WriteByte(']')

	fmt.Fprintf(&b, " EMC_FREQ %d%%@2133 GR3D_FREQ %d%%@%d VIC_FREQ 115 APE 200",
		s.gpuLoad/3, s.gpuLoad, 306+s.gpuLoad*10)
	fmt.Fprintf(&b, " CPU@%.1fC GPU@%.1fC SOC0@%.1fC SOC1@%.1fC tj@%.1fC",
		s.cpuTemp, s.gpuTemp, s.cpuTemp-2.5, s.cpuTemp-3.0, s.cpuTemp+1.5)
	fmt.Fprintf(&b, " VDD_IN %dmW/%dmW VDD_CPU_GPU_CV %dmW/%dmW VDD_SOC %dmW/%dmW",
		s.powerMW, s.powerMW-100,
		s.powerMW/3, s.powerMW/3-50,
		s.powerMW/4, s.powerMW/4-25)

	return b.String(), nil
}

// step advances the random walk, clamping each value to its range.
func (s *SyntheticSource) step() {
	for i := range s.cpuLoad {
		s.cpuLoad[i] = walkU32(s.rng, s.cpuLoad[i], 8, 0, 100)
	}
	s.gpuLoad = walkU32(s.rng, s.gpuLoad, 10, 0, 99)
	s.ramUsedMB = uint64(walkU32(s.rng, uint32(s.ramUsedMB), 64,
		uint32(s.ramTotalMB/8), uint32(s.ramTotalMB-s.ramTotalMB/8)))
	s.cpuTemp = walkF64(s.rng, s.cpuTemp, 0.4, 30, 85)
	s.gpuTemp = walkF64(s.rng, s.gpuTemp, 0.4, 30, 85)
	s.powerMW = walkU32(s.rng, s.powerMW, 300, 3000, 25000)
}

func walkU32(rng *rand.Rand, v, span, lo, hi uint32) uint32 {
	delta := rng.Intn(int(2*span+1)) - int(span)
	next := int(v) + delta
	if next < int(lo) {
		next = int(lo)
	}
	if next > int(hi) {
		next = int(hi)
	}
	return uint32(next)
}

func walkF64(rng *rand.Rand, v, span, lo, hi float64) float64 {
	next := v + (rng.Float64()*2-1)*span
	if next < lo {
		next = lo
	}
	if next > hi {
		next = hi
	}
	return next
}
