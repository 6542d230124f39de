package scaling

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/AMDEPYC/hybrid-governor/internal/metrics"
)

// CPUScalingUpdater runs a single sampling and decision step for a unit.
type CPUScalingUpdater interface {
	Update(state *unitState, now time.Time)
}

// RequestSubmitter accepts actuation requests without blocking.
type RequestSubmitter interface {
	Submit(req Request) bool
}

type cpuScalingUpdaterImpl struct {
	domain     FrequencyDomain
	source     metrics.IdleTimeSource
	dispatcher RequestSubmitter
	tunables   *Tunables
	observer   Observer
	logger     logr.Logger
}

func NewCPUScalingUpdater(
	domain FrequencyDomain,
	source metrics.IdleTimeSource,
	dispatcher RequestSubmitter,
	tunables *Tunables,
	observer Observer,
	logger logr.Logger,
) CPUScalingUpdater {
	if observer == nil {
		observer = noopObserver{}
	}

	updater := &cpuScalingUpdaterImpl{
		domain:     domain,
		source:     source,
		dispatcher: dispatcher,
		tunables:   tunables,
		observer:   observer,
		logger:     logger,
	}

	return updater
}

// Update samples the unit, advances its snapshot and submits at most one
// actuation. Errors are logged and never interrupt the periodic loop.
func (u *cpuScalingUpdaterImpl) Update(state *unitState, now time.Time) {
	if !state.enabled.Load() {
		return
	}
	logger := u.logger.WithValues("cpuID", state.cpuID)

	idle, wall, err := u.source.Sample(state.cpuID)
	if err != nil {
		logger.V(5).Info("failed to sample idle time", "error", err.Error())
		return
	}

	load, err := computeLoad(state.advance(idle, wall))
	if err != nil {
		u.observer.ObserveDegenerateSample(state.cpuID)
		logger.V(5).Info("skipping decision", "reason", err.Error())
		return
	}
	state.lastLoad = load
	defer state.publish()
	u.observer.ObserveSample(state.cpuID, load)

	info, err := u.domain.GetUnitInfo(state.cpuID)
	if err != nil {
		logger.V(5).Info("failed to read frequency policy", "error", err.Error())
		return
	}
	if !info.Online {
		logger.V(5).Info("unit went offline, skipping decision")
		return
	}

	req, ok := state.decide(load, info, now, u.tunables.Values())
	if !ok {
		return
	}

	logger.V(5).Info("requesting frequency change",
		"load", load, "cur", info.CurFreq, "target", req.Target, "relation", req.Relation.String())
	u.observer.ObserveDecision(req)
	u.dispatcher.Submit(req)
}
