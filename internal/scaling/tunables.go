package scaling

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// ErrInvalidTunables is returned when a set of tunables fails validation.
var ErrInvalidTunables = errors.New("invalid tunables")

// Policy selects how target frequencies are computed.
type Policy string

const (
	// PolicyAdaptive scales by load/optimal_load in both directions and tightens
	// optimal_load under sustained full load.
	PolicyAdaptive Policy = "adaptive"
	// PolicyDifferential lowers using up_threshold - down_differential as denominator.
	PolicyDifferential Policy = "differential"
	// PolicyStep raises by a fixed percentage of the maximum frequency.
	PolicyStep Policy = "step"
)

const (
	DefaultSampleInterval        = 20 * time.Millisecond
	DefaultUpThreshold           = 90
	DefaultDownThreshold         = 30
	DefaultDownDelaySamples      = 0
	DefaultMaxFullLoadSamples    = 1
	DefaultOptimalLoadCorrection = 5
	DefaultUpStep                = 5
	DefaultDownDifferential      = 10

	// optimal_load never drops below down_threshold + optimalLoadMargin
	optimalLoadMargin = 10

	minLatencyMultiplier = 100
	latencyMultiplier    = 1000

	// a sample window spans at least this many counter steps of the metric source
	sourceResolutionMultiplier = 5
)

// TunableValues is a plain copy of the governor tunables.
type TunableValues struct {
	SampleInterval        time.Duration
	UpThreshold           uint32
	DownThreshold         uint32
	DownDelaySamples      uint32
	OptimalLoad           uint32
	OptimalLoadCorrection uint32
	MaxFullLoadSamples    uint32
	UpStep                uint32
	DownDifferential      uint32
	Policy                Policy
}

// DownDelay is the minimum time between an accepted decision and a lower decision.
func (v TunableValues) DownDelay() time.Duration {
	return time.Duration(v.DownDelaySamples) * v.SampleInterval
}

// DefaultTunableValues returns the defaults with optimal load derived from the up threshold.
func DefaultTunableValues() TunableValues {
	return TunableValues{
		SampleInterval:        DefaultSampleInterval,
		UpThreshold:           DefaultUpThreshold,
		DownThreshold:         DefaultDownThreshold,
		DownDelaySamples:      DefaultDownDelaySamples,
		OptimalLoad:           DefaultUpThreshold - optimalLoadMargin,
		OptimalLoadCorrection: DefaultOptimalLoadCorrection,
		MaxFullLoadSamples:    DefaultMaxFullLoadSamples,
		UpStep:                DefaultUpStep,
		DownDifferential:      DefaultDownDifferential,
		Policy:                PolicyAdaptive,
	}
}

// Validate checks a set of values. A zero OptimalLoad is accepted and derived
// from the up threshold by Apply.
func (v TunableValues) Validate() error {
	if v.SampleInterval <= 0 {
		return fmt.Errorf("%w: sample interval %s must be positive", ErrInvalidTunables, v.SampleInterval)
	}
	if v.UpThreshold > 100 {
		return fmt.Errorf("%w: up threshold %d is above 100", ErrInvalidTunables, v.UpThreshold)
	}
	if v.DownThreshold >= v.UpThreshold {
		return fmt.Errorf("%w: down threshold %d must be below up threshold %d",
			ErrInvalidTunables, v.DownThreshold, v.UpThreshold)
	}
	optimalLoad := v.withDerivedOptimalLoad().OptimalLoad
	if optimalLoad < v.DownThreshold+optimalLoadMargin || optimalLoad > 100 {
		return fmt.Errorf("%w: optimal load %d must be within [%d, 100]",
			ErrInvalidTunables, optimalLoad, v.DownThreshold+optimalLoadMargin)
	}
	if v.UpStep > 100 {
		return fmt.Errorf("%w: up step %d is above 100", ErrInvalidTunables, v.UpStep)
	}
	switch v.Policy {
	case PolicyAdaptive, PolicyStep:
	case PolicyDifferential:
		if v.DownDifferential >= v.UpThreshold {
			return fmt.Errorf("%w: down differential %d must be below up threshold %d",
				ErrInvalidTunables, v.DownDifferential, v.UpThreshold)
		}
	default:
		return fmt.Errorf("%w: unknown policy %q", ErrInvalidTunables, v.Policy)
	}

	return nil
}

func (v TunableValues) withDerivedOptimalLoad() TunableValues {
	if v.OptimalLoad == 0 && v.UpThreshold >= optimalLoadMargin {
		v.OptimalLoad = v.UpThreshold - optimalLoadMargin
	}
	return v
}

// Tunables is the process-wide configuration cell shared by all unit ticks.
// Each field is read and written atomically on its own; readers must not
// assume consistency across fields.
type Tunables struct {
	sampleInterval        atomic.Duration
	minSampleInterval     atomic.Duration
	latencySampleInterval atomic.Duration
	sourceSampleInterval  atomic.Duration
	upThreshold           atomic.Uint32
	downThreshold         atomic.Uint32
	downDelaySamples      atomic.Uint32
	optimalLoad           atomic.Uint32
	optimalLoadCorrection atomic.Uint32
	maxFullLoadSamples    atomic.Uint32
	upStep                atomic.Uint32
	downDifferential      atomic.Uint32
	policy                atomic.String
}

func NewDefaultTunables() *Tunables {
	t := &Tunables{}
	t.store(DefaultTunableValues())
	return t
}

func NewTunables(values TunableValues) (*Tunables, error) {
	t := &Tunables{}
	if err := t.Apply(values); err != nil {
		return nil, err
	}
	return t, nil
}

// Apply validates values and stores them field by field.
func (t *Tunables) Apply(values TunableValues) error {
	if err := values.Validate(); err != nil {
		return err
	}
	t.store(values.withDerivedOptimalLoad())
	return nil
}

func (t *Tunables) store(v TunableValues) {
	t.sampleInterval.Store(v.SampleInterval)
	t.upThreshold.Store(v.UpThreshold)
	t.downThreshold.Store(v.DownThreshold)
	t.downDelaySamples.Store(v.DownDelaySamples)
	t.optimalLoad.Store(v.OptimalLoad)
	t.optimalLoadCorrection.Store(v.OptimalLoadCorrection)
	t.maxFullLoadSamples.Store(v.MaxFullLoadSamples)
	t.upStep.Store(v.UpStep)
	t.downDifferential.Store(v.DownDifferential)
	t.policy.Store(string(v.Policy))
}

// Values returns a copy of the current tunables with the effective sample interval.
func (t *Tunables) Values() TunableValues {
	return TunableValues{
		SampleInterval:        t.SampleInterval(),
		UpThreshold:           t.upThreshold.Load(),
		DownThreshold:         t.downThreshold.Load(),
		DownDelaySamples:      t.downDelaySamples.Load(),
		OptimalLoad:           t.optimalLoad.Load(),
		OptimalLoadCorrection: t.optimalLoadCorrection.Load(),
		MaxFullLoadSamples:    t.maxFullLoadSamples.Load(),
		UpStep:                t.upStep.Load(),
		DownDifferential:      t.downDifferential.Load(),
		Policy:                Policy(t.policy.Load()),
	}
}

// SampleInterval returns the configured interval raised to the hardware and
// metric source floors.
func (t *Tunables) SampleInterval() time.Duration {
	return max(
		t.sampleInterval.Load(),
		t.minSampleInterval.Load(),
		t.latencySampleInterval.Load(),
		t.sourceSampleInterval.Load(),
	)
}

// MinSampleInterval is the lowest interval the governor will sample at: the
// floor derived from the transition latency of the first started unit, and
// the floor derived from the metric source resolution.
func (t *Tunables) MinSampleInterval() time.Duration {
	return max(t.minSampleInterval.Load(), t.sourceSampleInterval.Load())
}

// RequestedSampleInterval is the configured interval before any floor applies.
func (t *Tunables) RequestedSampleInterval() time.Duration {
	return t.sampleInterval.Load()
}

func (t *Tunables) OptimalLoad() uint32 {
	return t.optimalLoad.Load()
}

// enforceTransitionLatency brings the sample interval in line with how fast
// the hardware can actually switch frequencies. The configured interval is
// kept so clearSampleIntervalFloor restores it.
func (t *Tunables) enforceTransitionLatency(latency time.Duration) time.Duration {
	if latency < time.Microsecond {
		latency = time.Microsecond
	}
	t.minSampleInterval.Store(minLatencyMultiplier * latency)
	t.latencySampleInterval.Store(latencyMultiplier * latency)

	return t.SampleInterval()
}

func (t *Tunables) clearSampleIntervalFloor() {
	t.minSampleInterval.Store(0)
	t.latencySampleInterval.Store(0)
}

// setSourceResolution keeps sample windows wide enough to hold several steps
// of a coarse idle time counter.
func (t *Tunables) setSourceResolution(resolution time.Duration) {
	t.sourceSampleInterval.Store(sourceResolutionMultiplier * resolution)
}
