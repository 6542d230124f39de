package scaling

import (
	"errors"
	"time"

	"golang.org/x/exp/constraints"
)

var (
	// ErrInvalidUnit is returned by StartUnit when the CPU is offline, reports no
	// current frequency or cannot switch frequencies fast enough to be governed.
	ErrInvalidUnit = errors.New("invalid unit")

	// ErrDegenerateSample is returned when no wall time elapsed between two samples.
	ErrDegenerateSample = errors.New("degenerate sample")

	// ErrActuationFailure wraps errors returned by the Actuator.
	ErrActuationFailure = errors.New("actuation failure")

	// ErrManagerStopped is returned by StartUnit after the manager shut down.
	ErrManagerStopped = errors.New("manager stopped")
)

// MaxTransitionLatency is the slowest frequency transition the governor accepts.
const MaxTransitionLatency = 10 * time.Millisecond

// Relation tells the actuator which way to round a target frequency that is
// not exactly supported by the hardware.
type Relation int

const (
	// RelationAtLeast selects the lowest frequency at or above the target.
	RelationAtLeast Relation = iota
	// RelationAtMost selects the highest frequency at or below the target.
	RelationAtMost
)

func (r Relation) String() string {
	switch r {
	case RelationAtLeast:
		return "at_least"
	case RelationAtMost:
		return "at_most"
	default:
		return "unknown"
	}
}

// Direction returns the dispatcher pool the relation is served by.
func (r Relation) Direction() string {
	if r == RelationAtLeast {
		return directionRaise
	}
	return directionLower
}

const (
	directionRaise = "raise"
	directionLower = "lower"
)

// UnitInfo is the framework view of a CPU frequency policy. Frequencies are in kHz.
type UnitInfo struct {
	CPUID  uint
	Online bool
	// Controllable is false when the actuator cannot set the frequency, e.g.
	// another cpufreq governor owns the policy.
	Controllable      bool
	MinFreq           uint
	MaxFreq           uint
	CurFreq           uint
	TransitionLatency time.Duration
}

// FrequencyDomain gives read access to the current frequency policy of a CPU.
type FrequencyDomain interface {
	GetUnitInfo(cpuID uint) (UnitInfo, error)
}

// Actuator performs a (possibly slow) frequency transition.
type Actuator interface {
	SetTarget(cpuID uint, target uint, relation Relation) error
}

// Request is a single actuation handed from a tick to the dispatcher.
type Request struct {
	CPUID    uint
	Target   uint
	Relation Relation
}

// Observer receives governor events, used by the monitoring package.
type Observer interface {
	ObserveSample(cpuID uint, load uint)
	ObserveDegenerateSample(cpuID uint)
	ObserveDecision(req Request)
	ObserveActuation(req Request, err error)
	ObserveDroppedRequest(req Request)
}

type noopObserver struct{}

func (noopObserver) ObserveSample(uint, uint) {}
func (noopObserver) ObserveDegenerateSample(uint) {}
func (noopObserver) ObserveDecision(Request) {}
func (noopObserver) ObserveActuation(Request, error) {}
func (noopObserver) ObserveDroppedRequest(Request) {}

func clamp[T constraints.Integer](value, lower, upper T) T {
	if value > upper {
		value = upper
	}
	if value < lower {
		value = lower
	}
	return value
}
