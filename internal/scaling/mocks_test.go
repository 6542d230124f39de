package scaling

import (
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/AMDEPYC/hybrid-governor/internal/metrics"
)

func setupTestLogger() {
	log.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(opts *zap.Options) {
			opts.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
	))
}

type updaterMock struct {
	mock.Mock
}

func (u *updaterMock) Update(state *unitState, now time.Time) {
	u.Called(state, now)
}

type workerMock struct {
	mock.Mock
	state *unitState
}

func (w *workerMock) Stop() {
	w.Called()
}

type submitterMock struct {
	mock.Mock
}

func (s *submitterMock) Submit(req Request) bool {
	return s.Called(req).Bool(0)
}

// fakeHost is an in-memory frequency domain, actuator and idle time source.
type fakeHost struct {
	mu         sync.Mutex
	units      map[uint]UnitInfo
	idle       map[uint]uint64
	wall       map[uint]uint64
	sampleErr  error
	actuateErr error
	actuations []Request
	// lowerGate blocks lower transitions until closed, when set
	lowerGate chan struct{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		units: make(map[uint]UnitInfo),
		idle:  make(map[uint]uint64),
		wall:  make(map[uint]uint64),
	}
}

func (h *fakeHost) addUnit(info UnitInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.units[info.CPUID] = info
}

func (h *fakeHost) setCounters(cpuID uint, idle, wall uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idle[cpuID] = idle
	h.wall[cpuID] = wall
}

func (h *fakeHost) GetUnitInfo(cpuID uint) (UnitInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, found := h.units[cpuID]
	if !found {
		return UnitInfo{CPUID: cpuID}, metrics.ErrMetricMissing
	}
	return info, nil
}

func (h *fakeHost) Sample(cpuID uint) (uint64, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sampleErr != nil {
		return 0, 0, h.sampleErr
	}
	return h.idle[cpuID], h.wall[cpuID], nil
}

func (h *fakeHost) SetTarget(cpuID uint, target uint, relation Relation) error {
	if relation == RelationAtMost && h.lowerGate != nil {
		<-h.lowerGate
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.actuations = append(h.actuations, Request{CPUID: cpuID, Target: target, Relation: relation})
	if info, found := h.units[cpuID]; found && h.actuateErr == nil {
		info.CurFreq = target
		h.units[cpuID] = info
	}
	return h.actuateErr
}

func (h *fakeHost) getActuations() []Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Request(nil), h.actuations...)
}

// countingObserver records governor events for assertions.
type countingObserver struct {
	mu         sync.Mutex
	samples    int
	degenerate int
	decisions  []Request
	actuations []Request
	failures   int
	dropped    []Request
}

func (o *countingObserver) ObserveSample(uint, uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples++
}

func (o *countingObserver) ObserveDegenerateSample(uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.degenerate++
}

func (o *countingObserver) ObserveDecision(req Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, req)
}

func (o *countingObserver) ObserveActuation(req Request, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actuations = append(o.actuations, req)
	if err != nil {
		o.failures++
	}
}

func (o *countingObserver) ObserveDroppedRequest(req Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped = append(o.dropped, req)
}

func (o *countingObserver) droppedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.dropped)
}
