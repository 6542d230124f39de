package scaling

import (
	"math/bits"
	"time"
)

const fullLoad = 100

// computeLoad returns the busy percentage of a sampling window. An idle delta
// larger than the wall delta yields 0; an empty window is a degenerate sample.
func computeLoad(deltaIdle, deltaWall uint64) (uint, error) {
	if deltaWall == 0 {
		return 0, ErrDegenerateSample
	}
	if deltaIdle > deltaWall {
		return 0, nil
	}

	// 128-bit intermediate; hi < deltaWall always holds so Div64 cannot panic
	hi, lo := bits.Mul64(deltaWall-deltaIdle, 100)
	load, _ := bits.Div64(hi, lo, deltaWall)

	return uint(load), nil
}

// decide applies the decision policy to one sample and returns the actuation
// to request, if any. Accepted decisions update lastChange.
func (s *unitState) decide(load uint, info UnitInfo, now time.Time, t TunableValues) (Request, bool) {
	if load != fullLoad {
		s.fullLoadStreak = 0
	}

	var req Request
	switch {
	case load > uint(t.UpThreshold) && info.CurFreq < info.MaxFreq:
		if load == fullLoad {
			s.fullLoadStreak++
		}
		s.adaptOptimalLoad(load, t)
		req = Request{
			CPUID:    s.cpuID,
			Target:   s.raiseTarget(load, info, t),
			Relation: RelationAtLeast,
		}
	case load < uint(t.DownThreshold) && info.CurFreq > info.MinFreq && now.Sub(s.lastChange) >= t.DownDelay():
		s.adaptOptimalLoad(load, t)
		req = Request{
			CPUID:    s.cpuID,
			Target:   s.lowerTarget(load, info, t),
			Relation: RelationAtMost,
		}
	default:
		return Request{}, false
	}

	s.lastChange = now
	return req, true
}

// adaptOptimalLoad tightens the optimal load while the unit keeps running at
// full load and restores the baseline otherwise.
func (s *unitState) adaptOptimalLoad(load uint, t TunableValues) {
	floor := t.DownThreshold + optimalLoadMargin

	if load == fullLoad && s.fullLoadStreak >= t.MaxFullLoadSamples {
		if s.optimalLoad >= floor+t.OptimalLoadCorrection {
			s.optimalLoad -= t.OptimalLoadCorrection
		} else {
			s.optimalLoad = floor
		}
	} else {
		s.optimalLoad = t.OptimalLoad
	}

	// tunables may have been edited since the baseline was validated
	s.optimalLoad = max(s.optimalLoad, floor)
}

func (s *unitState) raiseTarget(load uint, info UnitInfo, t TunableValues) uint {
	if t.Policy == PolicyStep {
		step := uint64(t.UpStep) * uint64(info.MaxFreq) / 100
		return clampFrequency(uint64(info.CurFreq)+step, info)
	}
	return clampFrequency(scaleFrequency(load, info.CurFreq, s.optimalLoad), info)
}

func (s *unitState) lowerTarget(load uint, info UnitInfo, t TunableValues) uint {
	denominator := s.optimalLoad
	if t.Policy == PolicyDifferential && t.UpThreshold > t.DownDifferential {
		denominator = t.UpThreshold - t.DownDifferential
	}
	return clampFrequency(scaleFrequency(load, info.CurFreq, denominator), info)
}

func scaleFrequency(load uint, cur uint, denominator uint32) uint64 {
	return uint64(load) * uint64(cur) / uint64(denominator)
}

func clampFrequency(target uint64, info UnitInfo) uint {
	return uint(clamp(target, uint64(info.MinFreq), uint64(info.MaxFreq)))
}
