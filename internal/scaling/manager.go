package scaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/looplab/fsm"
	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/AMDEPYC/hybrid-governor/internal/metrics"
)

// Func definitions for unit testing
var (
	newCPUScalingWorkerFunc = NewCPUScalingWorker
)

// Unit lifecycle states and events
const (
	unitStateStopped  = "stopped"
	unitStateStarting = "starting"
	unitStateRunning  = "running"

	unitEventStart   = "start"
	unitEventStarted = "started"
	unitEventStop    = "stop"
)

// CPUScalingManager is the lifecycle controller driven by the host framework.
type CPUScalingManager interface {
	manager.Runnable
	StartUnit(cpuID uint) error
	StopUnit(cpuID uint)
	LimitsChanged(cpuID uint, minFreq, maxFreq uint)
	SyncUnits(cpuIDs []uint)
	GetManagedCPUIDs() []uint
	GetUnitStats(cpuID uint) (UnitStats, bool)
	ActiveUnits() int
}

type ManagerOpts struct {
	Domain     FrequencyDomain
	Actuator   Actuator
	Source     metrics.IdleTimeSource
	Dispatcher RequestSubmitter
	Tunables   *Tunables
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Observer is optional.
	Observer Observer
}

type unitController struct {
	// mu serializes lifecycle calls of a single unit
	mu        sync.Mutex
	lifecycle *fsm.FSM
	state     *unitState
	worker    CPUScalingWorker
}

type cpuScalingManagerImpl struct {
	domain   FrequencyDomain
	actuator Actuator
	source   metrics.IdleTimeSource
	updater  CPUScalingUpdater
	tunables *Tunables
	clock    clock.Clock
	observer Observer
	units    sync.Map
	logger   logr.Logger

	// globalMu gates the first-unit and last-unit edges
	globalMu    sync.Mutex
	activeUnits atomic.Int32

	// startMu is held for reading by StartUnit so Start can wait for starts in
	// flight before it stops every unit
	startMu sync.RWMutex
	stopped bool
}

func NewCPUScalingManager(opts ManagerOpts) CPUScalingManager {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	logger := ctrl.Log.WithName("CPUScalingManager")

	mgr := &cpuScalingManagerImpl{
		domain:   opts.Domain,
		actuator: opts.Actuator,
		source:   opts.Source,
		tunables: opts.Tunables,
		clock:    opts.Clock,
		observer: opts.Observer,
		logger:   logger,
	}
	if source, ok := opts.Source.(metrics.ResolutionSource); ok {
		opts.Tunables.setSourceResolution(source.Resolution())
		logger.V(4).Info("sample interval raised to metric source resolution",
			"resolution", source.Resolution(),
			"sampleInterval", opts.Tunables.SampleInterval())
	}

	mgr.updater = NewCPUScalingUpdater(
		opts.Domain,
		opts.Source,
		opts.Dispatcher,
		opts.Tunables,
		opts.Observer,
		logger.WithName("updater"),
	)

	return mgr
}

func (s *cpuScalingManagerImpl) Start(ctx context.Context) error {
	<-ctx.Done()

	s.startMu.Lock()
	s.stopped = true
	s.startMu.Unlock()

	s.stop()
	return nil
}

func (s *cpuScalingManagerImpl) stop() {
	s.logger.V(5).Info("stopping all units")

	for _, cpuID := range s.GetManagedCPUIDs() {
		s.StopUnit(cpuID)
	}

	s.logger.V(5).Info("successfully stopped all")
}

// StartUnit takes over frequency control of a CPU. It fails with
// ErrInvalidUnit when the CPU is offline, has no current frequency, cannot be
// driven by the actuator or switches frequencies too slowly. Starting a
// running unit is a no-op. Once Start returned StartUnit fails with
// ErrManagerStopped.
func (s *cpuScalingManagerImpl) StartUnit(cpuID uint) error {
	logger := s.logger.WithValues("cpuID", cpuID)

	s.startMu.RLock()
	defer s.startMu.RUnlock()
	if s.stopped {
		return fmt.Errorf("%w: cannot start cpu %d", ErrManagerStopped, cpuID)
	}

	info, err := s.domain.GetUnitInfo(cpuID)
	if err != nil {
		return fmt.Errorf("%w: cpu %d: %w", ErrInvalidUnit, cpuID, err)
	}
	if err := validateUnit(info); err != nil {
		return err
	}

	ctl := s.newUnitController(cpuID, logger)
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if _, loaded := s.units.LoadOrStore(cpuID, ctl); loaded {
		logger.V(5).Info("unit already started")
		return nil
	}
	ctx := context.TODO()
	if err := ctl.lifecycle.Event(ctx, unitEventStart); err != nil {
		s.units.CompareAndDelete(cpuID, ctl)
		return fmt.Errorf("failed to start cpu %d: %w", cpuID, err)
	}

	idle, wall, err := s.source.Sample(cpuID)
	if err != nil {
		_ = ctl.lifecycle.Event(ctx, unitEventStop)
		s.units.CompareAndDelete(cpuID, ctl)
		return fmt.Errorf("failed to take initial sample of cpu %d: %w", cpuID, err)
	}

	s.acquireGlobal(info)

	ctl.state.reset(idle, wall, s.tunables.OptimalLoad())
	ctl.state.enabled.Store(true)
	ctl.worker = newCPUScalingWorkerFunc(ctl.state, s.updater, s.tunables, s.clock)
	_ = ctl.lifecycle.Event(ctx, unitEventStarted)

	logger.V(4).Info("unit started",
		"min", info.MinFreq, "max", info.MaxFreq, "cur", info.CurFreq,
		"sampleInterval", s.tunables.SampleInterval())

	return nil
}

func validateUnit(info UnitInfo) error {
	if !info.Online {
		return fmt.Errorf("%w: cpu %d is offline", ErrInvalidUnit, info.CPUID)
	}
	if info.CurFreq == 0 {
		return fmt.Errorf("%w: cpu %d reports no current frequency", ErrInvalidUnit, info.CPUID)
	}
	if !info.Controllable {
		return fmt.Errorf("%w: cpu %d frequency cannot be set by the governor, switch it to the userspace governor",
			ErrInvalidUnit, info.CPUID)
	}
	if info.TransitionLatency > MaxTransitionLatency {
		return fmt.Errorf("%w: cpu %d transition latency %s exceeds %s",
			ErrInvalidUnit, info.CPUID, info.TransitionLatency, MaxTransitionLatency)
	}
	return nil
}

// StopUnit disarms the unit's tick, waits for an in-flight tick and releases
// its state. Requests already handed to the dispatcher still complete.
func (s *cpuScalingManagerImpl) StopUnit(cpuID uint) {
	logger := s.logger.WithValues("cpuID", cpuID)

	value, found := s.units.LoadAndDelete(cpuID)
	if !found {
		logger.V(5).Info("unit already stopped")
		return
	}
	ctl := value.(*unitController)
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if !ctl.lifecycle.Is(unitStateRunning) {
		return
	}
	ctl.state.enabled.Store(false)
	_ = ctl.lifecycle.Event(context.TODO(), unitEventStop)
	ctl.worker.Stop()
	s.releaseGlobal()

	logger.V(4).Info("unit stopped")
}

// LimitsChanged enforces new policy bounds immediately, bypassing the
// dispatcher. Failures are logged and left to the next periodic decision.
func (s *cpuScalingManagerImpl) LimitsChanged(cpuID uint, minFreq, maxFreq uint) {
	logger := s.logger.WithValues("cpuID", cpuID)

	ctl, found := s.getUnitController(cpuID)
	if !found {
		return
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if !ctl.lifecycle.Is(unitStateRunning) {
		return
	}

	info, err := s.domain.GetUnitInfo(cpuID)
	if err != nil {
		logger.Error(err, "failed to read frequency policy")
		return
	}

	var req Request
	switch {
	case maxFreq < info.CurFreq:
		req = Request{CPUID: cpuID, Target: maxFreq, Relation: RelationAtMost}
	case minFreq > info.CurFreq:
		req = Request{CPUID: cpuID, Target: minFreq, Relation: RelationAtLeast}
	default:
		return
	}

	logger.V(5).Info("enforcing new limits", "min", minFreq, "max", maxFreq, "cur", info.CurFreq)
	if err = s.actuator.SetTarget(req.CPUID, req.Target, req.Relation); err != nil {
		err = fmt.Errorf("%w: cpu %d target %d: %w", ErrActuationFailure, cpuID, req.Target, err)
		logger.Error(err, "failed to enforce new limits")
	}
	s.observer.ObserveActuation(req, err)
}

// SyncUnits starts units that are not managed yet and stops the ones that
// are no longer in cpuIDs.
func (s *cpuScalingManagerImpl) SyncUnits(cpuIDs []uint) {
	incoming := sets.New(cpuIDs...)
	current := sets.New(s.GetManagedCPUIDs()...)

	for _, cpuID := range sets.List(current.Difference(incoming)) {
		s.logger.V(5).Info("stopping unit no longer available", "cpuID", cpuID)
		s.StopUnit(cpuID)
	}

	for _, cpuID := range sets.List(incoming.Difference(current)) {
		if err := s.StartUnit(cpuID); err != nil {
			s.logger.V(4).Info("not managing unit", "cpuID", cpuID, "reason", err.Error())
		}
	}
}

func (s *cpuScalingManagerImpl) acquireGlobal(info UnitInfo) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	if s.activeUnits.Inc() != 1 {
		return
	}
	interval := s.tunables.enforceTransitionLatency(info.TransitionLatency)
	s.logger.V(4).Info("first unit started, sample interval adjusted to hardware",
		"transitionLatency", info.TransitionLatency,
		"sampleInterval", interval,
		"minSampleInterval", s.tunables.MinSampleInterval())
}

func (s *cpuScalingManagerImpl) releaseGlobal() {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	if s.activeUnits.Dec() != 0 {
		return
	}
	s.tunables.clearSampleIntervalFloor()
	s.logger.V(4).Info("last unit stopped, sample interval floor cleared")
}

func (s *cpuScalingManagerImpl) ActiveUnits() int {
	return int(s.activeUnits.Load())
}

func (s *cpuScalingManagerImpl) GetManagedCPUIDs() []uint {
	managedCPUs := make([]uint, 0)
	s.units.Range(func(key, value any) bool {
		managedCPUs = append(managedCPUs, key.(uint))
		return true
	})

	return managedCPUs
}

func (s *cpuScalingManagerImpl) GetUnitStats(cpuID uint) (UnitStats, bool) {
	ctl, found := s.getUnitController(cpuID)
	if !found {
		return UnitStats{}, false
	}
	return ctl.state.Stats(), true
}

func (s *cpuScalingManagerImpl) getUnitController(cpuID uint) (*unitController, bool) {
	if value, found := s.units.Load(cpuID); found {
		return value.(*unitController), true
	}

	return nil, false
}

func (s *cpuScalingManagerImpl) newUnitController(cpuID uint, logger logr.Logger) *unitController {
	return &unitController{
		state: newUnitState(cpuID),
		lifecycle: fsm.NewFSM(
			unitStateStopped,
			fsm.Events{
				{Name: unitEventStart, Src: []string{unitStateStopped}, Dst: unitStateStarting},
				{Name: unitEventStarted, Src: []string{unitStateStarting}, Dst: unitStateRunning},
				{Name: unitEventStop, Src: []string{unitStateStarting, unitStateRunning}, Dst: unitStateStopped},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					logger.V(5).Info("unit lifecycle transition", "from", e.Src, "to", e.Dst)
				},
			},
		),
	}
}
