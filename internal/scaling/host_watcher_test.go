package scaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
	ctrl "sigs.k8s.io/controller-runtime"
)

type managerMock struct {
	mock.Mock
}

func (m *managerMock) Start(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *managerMock) StartUnit(cpuID uint) error {
	return m.Called(cpuID).Error(0)
}

func (m *managerMock) StopUnit(cpuID uint) {
	m.Called(cpuID)
}

func (m *managerMock) LimitsChanged(cpuID uint, minFreq, maxFreq uint) {
	m.Called(cpuID, minFreq, maxFreq)
}

func (m *managerMock) SyncUnits(cpuIDs []uint) {
	m.Called(cpuIDs)
}

func (m *managerMock) GetManagedCPUIDs() []uint {
	return m.Called().Get(0).([]uint)
}

func (m *managerMock) GetUnitStats(cpuID uint) (UnitStats, bool) {
	args := m.Called(cpuID)
	return args.Get(0).(UnitStats), args.Bool(1)
}

func (m *managerMock) ActiveUnits() int {
	return m.Called().Int(0)
}

type enumeratorMock struct {
	mock.Mock
}

func (e *enumeratorMock) OnlineCPUs() ([]uint, error) {
	args := e.Called()
	return args.Get(0).([]uint), args.Error(1)
}

func TestHostWatcher_Reconcile(t *testing.T) {
	setupTestLogger()
	host := newFakeHost()
	addTestUnits(host, 0, 1)

	enumerator := &enumeratorMock{}
	enumerator.On("OnlineCPUs").Return([]uint{0, 1}, nil)
	mgr := &managerMock{}
	mgr.On("SyncUnits", []uint{0, 1}).Return()
	mgr.On("GetManagedCPUIDs").Return([]uint{0, 1})
	mgr.On("LimitsChanged", mock.Anything, mock.Anything, mock.Anything).Return()

	watcher := NewHostWatcher(mgr, enumerator, host, time.Second, nil, ctrl.Log.WithName("test-log"))

	// first observation only records the bounds
	watcher.Reconcile()
	mgr.AssertNotCalled(t, "LimitsChanged", mock.Anything, mock.Anything, mock.Anything)

	info := testUnitInfo()
	info.CPUID = 1
	info.MaxFreq = 800
	host.addUnit(info)

	watcher.Reconcile()
	mgr.AssertCalled(t, "LimitsChanged", uint(1), uint(200), uint(800))
	mgr.AssertNumberOfCalls(t, "LimitsChanged", 1)

	// unchanged bounds are not reported again
	watcher.Reconcile()
	mgr.AssertNumberOfCalls(t, "LimitsChanged", 1)
	mgr.AssertNumberOfCalls(t, "SyncUnits", 3)
}

func TestHostWatcher_ReconcilePrunesStoppedUnits(t *testing.T) {
	setupTestLogger()
	host := newFakeHost()
	addTestUnits(host, 0, 1)

	enumerator := &enumeratorMock{}
	enumerator.On("OnlineCPUs").Return([]uint{0, 1}, nil)
	mgr := &managerMock{}
	mgr.On("SyncUnits", mock.Anything).Return()
	mgr.On("GetManagedCPUIDs").Return([]uint{0, 1}).Once()
	mgr.On("GetManagedCPUIDs").Return([]uint{0})

	watcher := NewHostWatcher(mgr, enumerator, host, time.Second, nil, ctrl.Log.WithName("test-log"))
	watcher.Reconcile()
	assert.Len(t, watcher.bounds, 2)

	watcher.Reconcile()
	assert.Len(t, watcher.bounds, 1)
	assert.Contains(t, watcher.bounds, uint(0))
}

func TestHostWatcher_ReconcileEnumerationError(t *testing.T) {
	setupTestLogger()
	enumerator := &enumeratorMock{}
	enumerator.On("OnlineCPUs").Return([]uint(nil), errors.New("sysfs unavailable"))
	mgr := &managerMock{}

	watcher := NewHostWatcher(mgr, enumerator, newFakeHost(), time.Second, nil, ctrl.Log.WithName("test-log"))
	watcher.Reconcile()

	mgr.AssertNotCalled(t, "SyncUnits", mock.Anything)
}

func TestHostWatcher_Start(t *testing.T) {
	setupTestLogger()
	clk := testingclock.NewFakeClock(time.Now())
	enumerator := &enumeratorMock{}
	enumerator.On("OnlineCPUs").Return([]uint{}, nil)
	mgr := &managerMock{}
	synced := make(chan struct{}, 4)
	mgr.On("SyncUnits", mock.Anything).Run(func(mock.Arguments) { synced <- struct{}{} }).Return()
	mgr.On("GetManagedCPUIDs").Return([]uint{})

	watcher := NewHostWatcher(mgr, enumerator, newFakeHost(), 2*time.Second, clk, ctrl.Log.WithName("test-log"))
	ctx, cancel := context.WithCancel(context.TODO())
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- watcher.Start(ctx)
	}()

	// reconciles right away, then once per interval
	<-synced
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(2 * time.Second)
	select {
	case <-synced:
	case <-time.After(time.Second):
		t.Fatal("watcher did not reconcile after the poll interval")
	}

	cancel()
	select {
	case err := <-doneCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
