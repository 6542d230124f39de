package monitoring

import (
	"fmt"
	"slices"
	"strconv"

	"golang.org/x/exp/constraints"

	"github.com/AMDEPYC/hybrid-governor/internal/metrics"
	"github.com/AMDEPYC/hybrid-governor/internal/scaling"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "power"

	LogTopName        string = "monitoring"
	governorSubsystem string = "governor"

	logNameKey string = "name"
)

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

type number interface {
	constraints.Integer | constraints.Float
}

// UnitStatsProvider exposes the units managed by the governor.
type UnitStatsProvider interface {
	GetManagedCPUIDs() []uint
	GetUnitStats(cpuID uint) (scaling.UnitStats, bool)
	ActiveUnits() int
}

// newPerUnitCollector is generic factory of prometheus Collectors for metrics that are bound to a
// governed unit. Units come and go at runtime so listFunc is evaluated on every collection.
// readFunc returns the metric value of a single unit, ErrMetricMissing skips the unit.
// log is Logger that should have all Names, KeysValues and other... already attached.
// return prometheus Collector that is ready for registration
func newPerUnitCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	listFunc func() []uint, readFunc func(uint) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"cpu"},
		nil,
	)
	log.V(4).Info("New perUnit prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			cpuIDs := listFunc()
			slices.Sort(cpuIDs)
			for _, cpuID := range cpuIDs {
				log.V(5).Info("Collecting metrics for prometheus", "cpu", cpuID)
				val, err := readFunc(cpuID)
				if err != nil {
					log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err), "cpu", cpuID)
					continue
				}
				ch <- prom.MustNewConstMetric(
					desc,
					metricType,
					float64(val),
					strconv.FormatUint(uint64(cpuID), 10),
				)
			}
		},
	}
}

func unitStatReader[T number](provider UnitStatsProvider, field func(scaling.UnitStats) T) func(uint) (T, error) {
	return func(cpuID uint) (T, error) {
		stats, found := provider.GetUnitStats(cpuID)
		if !found {
			return 0, metrics.ErrMetricMissing
		}
		return field(stats), nil
	}
}

// RegisterUnitCollectors registers per-unit controller state collectors.
func RegisterUnitCollectors(registry prom.Registerer, provider UnitStatsProvider, logger logr.Logger) {
	logger = logger.WithName(governorSubsystem)

	registry.MustRegister(
		newPerUnitCollector(
			prom.BuildFQName(promNamespace, governorSubsystem, "unit_load_percent"),
			"Gauge of unit load measured in the last sample, in percent.",
			prom.GaugeValue,
			provider.GetManagedCPUIDs,
			unitStatReader(provider, func(s scaling.UnitStats) uint { return s.Load }),
			logger.WithValues(logNameKey, "unit_load_percent"),
		),
		newPerUnitCollector(
			prom.BuildFQName(promNamespace, governorSubsystem, "unit_optimal_load_percent"),
			"Gauge of the optimal load used as target frequency denominator, in percent.",
			prom.GaugeValue,
			provider.GetManagedCPUIDs,
			unitStatReader(provider, func(s scaling.UnitStats) uint32 { return s.OptimalLoad }),
			logger.WithValues(logNameKey, "unit_optimal_load_percent"),
		),
		newPerUnitCollector(
			prom.BuildFQName(promNamespace, governorSubsystem, "unit_full_load_streak"),
			"Gauge of consecutive samples at full load.",
			prom.GaugeValue,
			provider.GetManagedCPUIDs,
			unitStatReader(provider, func(s scaling.UnitStats) uint32 { return s.FullLoadStreak }),
			logger.WithValues(logNameKey, "unit_full_load_streak"),
		),
		prom.NewGaugeFunc(
			prom.GaugeOpts{
				Namespace: promNamespace,
				Subsystem: governorSubsystem,
				Name:      "active_units",
				Help:      "Gauge of units currently governed.",
			},
			func() float64 { return float64(provider.ActiveUnits()) },
		),
	)
}
