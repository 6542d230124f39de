package scaling

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

const (
	DefaultDispatcherWorkers   = 2
	DefaultDispatcherQueueSize = 64
)

// Dispatcher executes actuation requests asynchronously. Raise and lower
// requests are served by separate worker pools so a backlog of slow lower
// transitions never delays a raise.
type Dispatcher interface {
	manager.Runnable
	RequestSubmitter
}

type DispatcherOpts struct {
	// WorkersPerDirection is the number of workers in each of the two pools.
	WorkersPerDirection int
	// QueueSize is the capacity of every worker queue.
	QueueSize int
}

type dispatcherImpl struct {
	actuator Actuator
	observer Observer
	logger   logr.Logger

	// every unit is pinned to one queue per direction to keep its requests FIFO
	raiseQueues []chan Request
	lowerQueues []chan Request
}

func NewDispatcher(actuator Actuator, opts DispatcherOpts, observer Observer, logger logr.Logger) Dispatcher {
	if opts.WorkersPerDirection <= 0 {
		opts.WorkersPerDirection = DefaultDispatcherWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultDispatcherQueueSize
	}
	if observer == nil {
		observer = noopObserver{}
	}

	d := &dispatcherImpl{
		actuator:    actuator,
		observer:    observer,
		logger:      logger,
		raiseQueues: make([]chan Request, opts.WorkersPerDirection),
		lowerQueues: make([]chan Request, opts.WorkersPerDirection),
	}
	for i := range opts.WorkersPerDirection {
		d.raiseQueues[i] = make(chan Request, opts.QueueSize)
		d.lowerQueues[i] = make(chan Request, opts.QueueSize)
	}

	return d
}

// Submit enqueues the request and returns immediately. It reports false when
// the unit's queue is full; the next tick recomputes a fresh target.
func (d *dispatcherImpl) Submit(req Request) bool {
	select {
	case d.queueFor(req) <- req:
		return true
	default:
		d.observer.ObserveDroppedRequest(req)
		d.logger.V(5).Info("actuation queue full, dropping request",
			"cpuID", req.CPUID, "target", req.Target, "direction", req.Relation.Direction())
		return false
	}
}

func (d *dispatcherImpl) queueFor(req Request) chan Request {
	queues := d.lowerQueues
	if req.Relation.Direction() == directionRaise {
		queues = d.raiseQueues
	}
	return queues[req.CPUID%uint(len(queues))]
}

// Start runs the worker pools until ctx is cancelled.
func (d *dispatcherImpl) Start(ctx context.Context) error {
	group := errgroup.Group{}

	for i := range d.raiseQueues {
		raise, lower := d.raiseQueues[i], d.lowerQueues[i]
		group.Go(func() error {
			d.runQueue(ctx, raise, d.logger.WithValues("direction", directionRaise, "worker", i))
			return nil
		})
		group.Go(func() error {
			d.runQueue(ctx, lower, d.logger.WithValues("direction", directionLower, "worker", i))
			return nil
		})
	}
	d.logger.V(4).Info("dispatcher started", "workersPerDirection", len(d.raiseQueues))

	return group.Wait()
}

func (d *dispatcherImpl) runQueue(ctx context.Context, queue chan Request, logger logr.Logger) {
	for {
		select {
		case <-ctx.Done():
			d.drain(queue, logger)
			return
		case req := <-queue:
			d.execute(req, logger)
		}
	}
}

// drain executes requests that were already accepted before shutdown.
func (d *dispatcherImpl) drain(queue chan Request, logger logr.Logger) {
	for {
		select {
		case req := <-queue:
			d.execute(req, logger)
		default:
			logger.V(5).Info("worker stopped")
			return
		}
	}
}

func (d *dispatcherImpl) execute(req Request, logger logr.Logger) {
	err := d.actuator.SetTarget(req.CPUID, req.Target, req.Relation)
	if err != nil {
		err = fmt.Errorf("%w: cpu %d target %d: %w", ErrActuationFailure, req.CPUID, req.Target, err)
		logger.Error(err, "frequency transition failed", "cpuID", req.CPUID)
	} else {
		logger.V(5).Info("frequency transition done",
			"cpuID", req.CPUID, "target", req.Target, "relation", req.Relation.String())
	}
	d.observer.ObserveActuation(req, err)
}
