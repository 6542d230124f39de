package scaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTunableValues_Validate(t *testing.T) {
	tcases := []struct {
		testCase string
		modify   func(*TunableValues)
		valid    bool
	}{
		{testCase: "defaults", modify: func(*TunableValues) {}, valid: true},
		{testCase: "derived optimal load", modify: func(v *TunableValues) { v.OptimalLoad = 0 }, valid: true},
		{testCase: "zero sample interval", modify: func(v *TunableValues) { v.SampleInterval = 0 }},
		{testCase: "up above 100", modify: func(v *TunableValues) { v.UpThreshold = 101 }},
		{testCase: "down equals up", modify: func(v *TunableValues) { v.DownThreshold = v.UpThreshold }},
		{testCase: "optimal load below floor", modify: func(v *TunableValues) { v.OptimalLoad = 39 }},
		{testCase: "optimal load at floor", modify: func(v *TunableValues) { v.OptimalLoad = 40 }, valid: true},
		{testCase: "optimal load above 100", modify: func(v *TunableValues) { v.OptimalLoad = 101 }},
		{testCase: "up step above 100", modify: func(v *TunableValues) { v.UpStep = 101 }},
		{testCase: "unknown policy", modify: func(v *TunableValues) { v.Policy = "ondemand" }},
		{
			testCase: "differential wider than up threshold",
			modify: func(v *TunableValues) {
				v.Policy = PolicyDifferential
				v.DownDifferential = v.UpThreshold
			},
		},
		{
			testCase: "differential policy",
			modify:   func(v *TunableValues) { v.Policy = PolicyDifferential },
			valid:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.testCase, func(t *testing.T) {
			values := DefaultTunableValues()
			tc.modify(&values)

			err := values.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTunables)
			}
		})
	}
}

func TestTunables_Apply(t *testing.T) {
	tunables := NewDefaultTunables()
	assert.Equal(t, DefaultTunableValues(), tunables.Values())
	assert.Equal(t, uint32(80), tunables.OptimalLoad())

	values := DefaultTunableValues()
	values.UpThreshold = 70
	values.OptimalLoad = 0
	values.Policy = PolicyStep
	require.NoError(t, tunables.Apply(values))

	applied := tunables.Values()
	assert.Equal(t, uint32(70), applied.UpThreshold)
	assert.Equal(t, uint32(60), applied.OptimalLoad)
	assert.Equal(t, PolicyStep, applied.Policy)

	// rejected values leave the cell untouched
	values.DownThreshold = 90
	assert.ErrorIs(t, tunables.Apply(values), ErrInvalidTunables)
	assert.Equal(t, applied, tunables.Values())
}

func TestNewTunables_Invalid(t *testing.T) {
	values := DefaultTunableValues()
	values.SampleInterval = -time.Second

	tunables, err := NewTunables(values)
	assert.Nil(t, tunables)
	assert.ErrorIs(t, err, ErrInvalidTunables)
}

func TestTunables_EnforceTransitionLatency(t *testing.T) {
	tcases := []struct {
		testCase         string
		requested        time.Duration
		latency          time.Duration
		expectedInterval time.Duration
		expectedMinimum  time.Duration
		expectedFloor    time.Duration
	}{
		{
			testCase:         "fast hardware keeps requested interval",
			requested:        20 * time.Millisecond,
			latency:          10 * time.Microsecond,
			expectedInterval: 20 * time.Millisecond,
			expectedMinimum:  time.Millisecond,
			expectedFloor:    10 * time.Millisecond,
		},
		{
			testCase:         "slow hardware raises interval",
			requested:        20 * time.Millisecond,
			latency:          100 * time.Microsecond,
			expectedInterval: 100 * time.Millisecond,
			expectedMinimum:  10 * time.Millisecond,
			expectedFloor:    100 * time.Millisecond,
		},
		{
			testCase:         "unknown latency counts as one microsecond",
			requested:        10 * time.Microsecond,
			latency:          0,
			expectedInterval: time.Millisecond,
			expectedMinimum:  100 * time.Microsecond,
			expectedFloor:    time.Millisecond,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.testCase, func(t *testing.T) {
			values := DefaultTunableValues()
			values.SampleInterval = tc.requested
			tunables, err := NewTunables(values)
			require.NoError(t, err)

			interval := tunables.enforceTransitionLatency(tc.latency)
			assert.Equal(t, tc.expectedInterval, interval)
			assert.Equal(t, tc.expectedInterval, tunables.SampleInterval())
			assert.Equal(t, tc.expectedMinimum, tunables.MinSampleInterval())
			assert.Equal(t, tc.requested, tunables.RequestedSampleInterval())

			// a later request below the floor is raised to it
			values.SampleInterval = time.Microsecond
			require.NoError(t, tunables.Apply(values))
			assert.Equal(t, tc.expectedFloor, tunables.SampleInterval())

			tunables.clearSampleIntervalFloor()
			assert.Equal(t, time.Duration(0), tunables.MinSampleInterval())
			assert.Equal(t, time.Microsecond, tunables.SampleInterval())
		})
	}
}

func TestTunables_ClearRestoresRequested(t *testing.T) {
	tunables, err := NewTunables(DefaultTunableValues())
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, tunables.enforceTransitionLatency(100*time.Microsecond))
	tunables.clearSampleIntervalFloor()

	assert.Equal(t, DefaultSampleInterval, tunables.SampleInterval())
	assert.Equal(t, DefaultSampleInterval, tunables.Values().SampleInterval)
}

func TestTunables_SourceResolution(t *testing.T) {
	tunables, err := NewTunables(DefaultTunableValues())
	require.NoError(t, err)

	tunables.setSourceResolution(10 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, tunables.SampleInterval())
	assert.Equal(t, 50*time.Millisecond, tunables.MinSampleInterval())
	assert.Equal(t, DefaultSampleInterval, tunables.RequestedSampleInterval())

	// the source floor is not part of the per-unit hardware floor
	tunables.enforceTransitionLatency(10 * time.Microsecond)
	tunables.clearSampleIntervalFloor()
	assert.Equal(t, 50*time.Millisecond, tunables.MinSampleInterval())

	tunables.setSourceResolution(0)
	assert.Equal(t, DefaultSampleInterval, tunables.SampleInterval())
}

func TestTunableValues_DownDelay(t *testing.T) {
	values := DefaultTunableValues()
	values.DownDelaySamples = 3
	values.SampleInterval = 40 * time.Millisecond

	assert.Equal(t, 120*time.Millisecond, values.DownDelay())
}
