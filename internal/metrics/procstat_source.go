package metrics

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/cpu"
	"k8s.io/utils/clock"
)

// Func definitions for unit testing
var (
	cpuTimesFunc = cpu.TimesWithContext
)

const (
	microsecondsPerSecond = 1e6

	// ProcStatResolution is the USER_HZ tick /proc/stat counters advance by.
	ProcStatResolution = 10 * time.Millisecond

	// one parse of /proc/stat serves every unit sampled within this window
	procStatCacheTTL = ProcStatResolution / 2
)

// ProcStatSource reads per-CPU idle and wall time from /proc/stat through gopsutil.
// Counters are reported in microseconds.
type ProcStatSource struct {
	log   logr.Logger
	clock clock.PassiveClock

	mu       sync.Mutex
	cached   map[string]cpu.TimesStat
	cachedAt time.Time
}

func NewProcStatSource(log logr.Logger) *ProcStatSource {
	return newProcStatSource(log, clock.RealClock{})
}

func newProcStatSource(log logr.Logger, clk clock.PassiveClock) *ProcStatSource {
	source := &ProcStatSource{
		log:   log.WithValues(sourceLogKey, "procstat"),
		clock: clk,
	}
	source.log.V(4).Info("New ProcStatSource created")

	return source
}

// Resolution reports the tick of the /proc/stat counters.
func (p *ProcStatSource) Resolution() time.Duration {
	return ProcStatResolution
}

// Sample returns cumulative idle and wall microseconds of the CPU.
func (p *ProcStatSource) Sample(cpuID uint) (uint64, uint64, error) {
	times, err := p.cpuTimes()
	if err != nil {
		return 0, 0, err
	}

	stat, found := times["cpu"+strconv.FormatUint(uint64(cpuID), 10)]
	if !found {
		p.log.V(5).Info(fmt.Sprintf("err: %v", ErrMetricMissing), cpuLogKey, cpuID)
		return 0, 0, ErrMetricMissing
	}

	// guest time is already accounted in user time
	wall := stat.User + stat.Nice + stat.System + stat.Idle + stat.Iowait +
		stat.Irq + stat.Softirq + stat.Steal

	return toMicroseconds(stat.Idle), toMicroseconds(wall), nil
}

// cpuTimes returns the per-CPU times keyed by name, parsing /proc/stat at
// most once per procStatCacheTTL. Concurrent callers wait for the parse in
// flight instead of starting their own.
func (p *ProcStatSource) cpuTimes() (map[string]cpu.TimesStat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if p.cached != nil && now.Sub(p.cachedAt) < procStatCacheTTL {
		return p.cached, nil
	}

	times, err := cpuTimesFunc(context.Background(), true)
	if err != nil {
		p.cached = nil
		return nil, fmt.Errorf("failed to read cpu times: %w", err)
	}

	byName := make(map[string]cpu.TimesStat, len(times))
	for _, stat := range times {
		byName[strings.TrimSpace(stat.CPU)] = stat
	}
	p.cached = byName
	p.cachedAt = now

	return byName, nil
}

func toMicroseconds(seconds float64) uint64 {
	return uint64(math.Round(seconds * microsecondsPerSecond))
}
