package scaling

import (
	"sync/atomic"
	"time"
)

// UnitStats is a read-only view of a unit's controller state.
type UnitStats struct {
	Load           uint
	OptimalLoad    uint32
	FullLoadStreak uint32
	LastChange     time.Time
}

// unitState is owned by a single unit. Only that unit's tick and lifecycle
// calls touch the plain fields; other goroutines read the published stats.
type unitState struct {
	cpuID uint

	prevIdleTime   uint64
	prevWallTime   uint64
	lastChange     time.Time
	optimalLoad    uint32
	fullLoadStreak uint32
	lastLoad       uint

	enabled atomic.Bool
	stats   atomic.Pointer[UnitStats]
}

func newUnitState(cpuID uint) *unitState {
	s := &unitState{cpuID: cpuID}
	s.stats.Store(&UnitStats{})
	return s
}

// reset re-initializes every field from a fresh counter snapshot.
func (s *unitState) reset(idle, wall uint64, optimalLoad uint32) {
	s.prevIdleTime = idle
	s.prevWallTime = wall
	s.lastChange = time.Time{}
	s.optimalLoad = optimalLoad
	s.fullLoadStreak = 0
	s.lastLoad = 0
	s.publish()
}

// advance stores the new snapshot and returns the deltas since the previous one.
// Unsigned subtraction keeps the deltas correct across counter wraparound.
func (s *unitState) advance(idle, wall uint64) (deltaIdle, deltaWall uint64) {
	deltaIdle = idle - s.prevIdleTime
	deltaWall = wall - s.prevWallTime
	s.prevIdleTime = idle
	s.prevWallTime = wall
	return deltaIdle, deltaWall
}

func (s *unitState) publish() {
	s.stats.Store(&UnitStats{
		Load:           s.lastLoad,
		OptimalLoad:    s.optimalLoad,
		FullLoadStreak: s.fullLoadStreak,
		LastChange:     s.lastChange,
	})
}

func (s *unitState) Stats() UnitStats {
	return *s.stats.Load()
}
