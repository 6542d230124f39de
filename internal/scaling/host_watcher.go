package scaling

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

const DefaultHostPollInterval = time.Second

// CPUEnumerator lists the CPUs the governor may manage.
type CPUEnumerator interface {
	OnlineCPUs() ([]uint, error)
}

type frequencyBounds struct {
	min uint
	max uint
}

// HostWatcher plays the framework role for the daemon: it keeps the set of
// managed units in line with online CPUs and reports policy bound changes.
type HostWatcher struct {
	manager    CPUScalingManager
	enumerator CPUEnumerator
	domain     FrequencyDomain
	interval   time.Duration
	clock      clock.Clock
	logger     logr.Logger

	// only touched by Reconcile
	bounds map[uint]frequencyBounds
}

func NewHostWatcher(
	mgr CPUScalingManager,
	enumerator CPUEnumerator,
	domain FrequencyDomain,
	interval time.Duration,
	clk clock.Clock,
	logger logr.Logger,
) *HostWatcher {
	if interval <= 0 {
		interval = DefaultHostPollInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &HostWatcher{
		manager:    mgr,
		enumerator: enumerator,
		domain:     domain,
		interval:   interval,
		clock:      clk,
		logger:     logger,
		bounds:     make(map[uint]frequencyBounds),
	}
}

func (w *HostWatcher) Start(ctx context.Context) error {
	w.Reconcile()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(w.interval):
			w.Reconcile()
		}
	}
}

// Reconcile syncs managed units with online CPUs and calls LimitsChanged for
// every unit whose bounds differ from the previous observation.
func (w *HostWatcher) Reconcile() {
	cpuIDs, err := w.enumerator.OnlineCPUs()
	if err != nil {
		w.logger.Error(err, "failed to list online CPUs")
		return
	}
	w.manager.SyncUnits(cpuIDs)

	managed := make(map[uint]struct{})
	for _, cpuID := range w.manager.GetManagedCPUIDs() {
		managed[cpuID] = struct{}{}

		info, err := w.domain.GetUnitInfo(cpuID)
		if err != nil {
			w.logger.V(5).Info("failed to read frequency policy", "cpuID", cpuID, "error", err.Error())
			continue
		}

		current := frequencyBounds{min: info.MinFreq, max: info.MaxFreq}
		previous, known := w.bounds[cpuID]
		w.bounds[cpuID] = current
		if known && previous != current {
			w.logger.V(4).Info("frequency limits changed", "cpuID", cpuID, "min", current.min, "max", current.max)
			w.manager.LimitsChanged(cpuID, current.min, current.max)
		}
	}

	for cpuID := range w.bounds {
		if _, contains := managed[cpuID]; !contains {
			delete(w.bounds, cpuID)
		}
	}
}
