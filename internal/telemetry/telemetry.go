// Package telemetry answers monitor perf_test pings with server-side
// metrics and maintains the EMA-smoothed message rate, grounded on
// original_source/server/services/connection_manager.py's handle_perf_ping
// and on ws/internal/shared/limits/resource_guard.go's gopsutil usage.
package telemetry

import (
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// emaWindow is W in α = 2/(W+1), per spec.md §4.5.
const emaWindow = 3

// minPeriod floors the sampling interval to avoid division blow-up on
// rapid pings.
const minPeriod = 250 * time.Millisecond

// CPUSampler and MemSampler are narrow seams over gopsutil so tests can
// inject deterministic readings without touching the host.
type CPUSampler func() ([]float64, error)
type MemSampler func() (float64, error)

func defaultCPUSampler() ([]float64, error) {
	percents, err := cpu.Percent(0, true)
	if err != nil {
		return nil, err
	}
	fractions := make([]float64, len(percents))
	for i, p := range percents {
		fractions[i] = p / 100.0
	}
	return fractions, nil
}

func defaultMemSampler() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// Reply is the telemetry payload carried back on a perf_test frame.
type Reply struct {
	CPULoad           []float64
	MemoryUsage       float64
	ActiveConnections int
	MessageVolume     int64
	MVPeriod          float64
	MVAdjusted        int64
}

// Telemetry holds the three process-global counters spec.md §4.5 names:
// message_volume, mv_timer (mvTimer), and ema. These exist only while a
// monitor is connected, but the struct is safe to keep around idle.
type Telemetry struct {
	mu            sync.Mutex
	messageVolume int64
	mvTimer       time.Time
	ema           float64

	cpuSampler CPUSampler
	memSampler MemSampler

	now func() time.Time
}

// New builds a Telemetry using real gopsutil samplers.
func New() *Telemetry {
	return &Telemetry{
		cpuSampler: defaultCPUSampler,
		memSampler: defaultMemSampler,
		mvTimer:    time.Now(),
		now:        time.Now,
	}
}

// RecordSent increments message_volume once per successful per-subscriber
// broadcast send, per spec.md §4.5.
func (t *Telemetry) RecordSent() {
	t.mu.Lock()
	t.messageVolume++
	t.mu.Unlock()
}

// Reset clears all three counters, called on monitor connect and monitor
// disconnect per spec.md §4.3/§4.5.
func (t *Telemetry) Reset() {
	t.mu.Lock()
	t.messageVolume = 0
	t.mvTimer = t.now()
	t.ema = 0
	t.mu.Unlock()
}

// Sample computes one perf_test reply and advances the EMA, following
// spec.md §4.5 steps 1-6 exactly.
func (t *Telemetry) Sample(activeConnections int) (Reply, error) {
	cpuLoad, err := t.cpuSampler()
	if err != nil {
		return Reply{}, err
	}
	memUsage, err := t.memSampler()
	if err != nil {
		return Reply{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	period := now.Sub(t.mvTimer)
	if period < minPeriod {
		period = minPeriod
	}
	periodSeconds := period.Seconds()

	instantRate := float64(t.messageVolume) / periodSeconds
	alpha := 2.0 / float64(emaWindow+1)
	t.ema = alpha*instantRate + (1-alpha)*t.ema

	reply := Reply{
		CPULoad:           cpuLoad,
		MemoryUsage:       memUsage,
		ActiveConnections: activeConnections,
		MessageVolume:     t.messageVolume,
		MVPeriod:          periodSeconds,
		MVAdjusted:        int64(math.Round(t.ema)),
	}

	t.messageVolume = 0
	t.mvTimer = now

	return reply, nil
}
