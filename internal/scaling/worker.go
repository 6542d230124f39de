package scaling

import (
	"context"
	"sync"

	"k8s.io/utils/clock"
)

var (
	testHookStopLoop func() bool
)

// CPUScalingWorker owns the periodic tick of a single unit.
type CPUScalingWorker interface {
	Stop()
}

type cpuScalingWorkerImpl struct {
	state      *unitState
	tunables   *Tunables
	clock      clock.Clock
	cancelFunc func()
	waitGroup  sync.WaitGroup
	updater    CPUScalingUpdater
}

// NewCPUScalingWorker arms the first tick of the unit one sample interval
// from now. The loop re-arms only after the previous tick returned, so at
// most one tick per unit is ever in flight.
func NewCPUScalingWorker(
	state *unitState,
	updater CPUScalingUpdater,
	tunables *Tunables,
	clk clock.Clock,
) CPUScalingWorker {
	ctx, cancelFunc := context.WithCancel(context.Background())

	worker := &cpuScalingWorkerImpl{
		state:      state,
		tunables:   tunables,
		clock:      clk,
		cancelFunc: cancelFunc,
		waitGroup:  sync.WaitGroup{},
		updater:    updater,
	}

	worker.waitGroup.Add(1)

	go worker.runLoop(ctx)

	return worker
}

// Stop cancels the pending tick and blocks until an in-flight tick finished.
func (w *cpuScalingWorkerImpl) Stop() {
	w.cancelFunc()
	w.waitGroup.Wait()
}

func (w *cpuScalingWorkerImpl) runLoop(ctx context.Context) {
	defer w.waitGroup.Done()

	for {
		if testHookStopLoop != nil {
			if testHookStopLoop() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.tunables.SampleInterval()):
			// stop may have raced with the timer
			if ctx.Err() != nil {
				return
			}
			w.updater.Update(w.state, w.clock.Now())
		}
	}
}
