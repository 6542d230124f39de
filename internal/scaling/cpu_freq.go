package scaling

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/cpuset"
)

const (
	userspaceGovernor = "userspace"
	cpuBasePath       = "/sys/devices/system/cpu"
	cpuFreqBasePath   = cpuBasePath + "/cpu%d/cpufreq"
	cpuOnlineFile     = cpuBasePath + "/cpu%d/online"
)

func getCPUFreqPath(cpu uint, resource string) string {
	cpuFreqPath := fmt.Sprintf(cpuFreqBasePath, cpu)
	return filepath.Join(cpuFreqPath, resource)
}

func getCPUOnlinePath(cpu uint) string {
	return fmt.Sprintf(cpuOnlineFile, cpu)
}

var (
	getCPUFreqPathFunction   = getCPUFreqPath
	getCPUOnlinePathFunction = getCPUOnlinePath
	onlineCPUsPath           = filepath.Join(cpuBasePath, "online")
)

// get current governor
func getCurrentGovernor(cpu uint) (string, error) {
	governorPath := getCPUFreqPathFunction(cpu, "scaling_governor")

	currentGovernor, err := os.ReadFile(governorPath)
	if err != nil {
		return "", fmt.Errorf("failed to read current governor for cpu %d: %w", cpu, err)
	}
	return strings.TrimSpace(string(currentGovernor)), nil
}

func isUserspaceGovernor(cpu uint) (bool, error) {
	governor, err := getCurrentGovernor(cpu)
	if err != nil {
		return false, fmt.Errorf("failed to read current governor for cpu %d: %w", cpu, err)
	}
	return governor == userspaceGovernor, nil
}

func setGovernor(cpu uint, governor string) error {
	governorPath := getCPUFreqPathFunction(cpu, "scaling_governor")

	if err := os.WriteFile(governorPath, []byte(governor), 0644); err != nil {
		return fmt.Errorf("failed to set governor %s for CPU %d: %w", governor, cpu, err)
	}
	return nil
}

// setCPUFrequency sets the CPU frequency in kHz for the specified CPU using the userspace governor.
func setCPUFrequency(cpu uint, frequency uint) error {
	// check that the userspace governor is enabled
	isUserspace, err := isUserspaceGovernor(cpu)
	if err != nil {
		return fmt.Errorf("failed to get userspace governor for CPU %d: %w", cpu, err)
	}

	if !isUserspace {
		return fmt.Errorf("userspace governor not set for CPU %d", cpu)
	}

	scalingSetspeedPath := getCPUFreqPathFunction(cpu, "scaling_setspeed")
	// Set the desired frequency
	err = os.WriteFile(scalingSetspeedPath, []byte(fmt.Sprintf("%d", frequency)), 0644)
	if err != nil {
		return fmt.Errorf("failed to set frequency for CPU %d: %w", cpu, err)
	}

	return nil
}

// readCPUFreqValue returns a single unsigned value of a cpufreq attribute.
func readCPUFreqValue(cpu uint, resource string) (uint, error) {
	valuePath := getCPUFreqPathFunction(cpu, resource)

	data, err := os.ReadFile(valuePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s for CPU %d: %w", resource, cpu, err)
	}

	valueStr := strings.TrimSpace(string(data))
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to convert %s for CPU %d to uint: %w", resource, cpu, err)
	}

	return uint(value), nil
}

// getCPUFrequency returns the CPU frequency in kHz for the specified CPU.
func getCPUFrequency(cpu uint) (uint, error) {
	return readCPUFreqValue(cpu, "scaling_cur_freq")
}

// getTransitionLatency returns how long the hardware needs to switch frequencies.
func getTransitionLatency(cpu uint) (time.Duration, error) {
	latency, err := readCPUFreqValue(cpu, "cpuinfo_transition_latency")
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	// drivers that do not know their latency report CPUFREQ_ETERNAL (~4.3s),
	// which StartUnit rejects
	return time.Duration(latency) * time.Nanosecond, nil
}

// getAvailableFrequencies returns the sorted discrete frequencies of the CPU,
// or nil when the driver does not publish them.
func getAvailableFrequencies(cpu uint) ([]uint, error) {
	data, err := os.ReadFile(getCPUFreqPathFunction(cpu, "scaling_available_frequencies"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read available frequencies for CPU %d: %w", cpu, err)
	}

	fields := strings.Fields(string(data))
	frequencies := make([]uint, 0, len(fields))
	for _, field := range fields {
		freq, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse available frequency %q for CPU %d: %w", field, cpu, err)
		}
		frequencies = append(frequencies, uint(freq))
	}
	slices.Sort(frequencies)

	return frequencies, nil
}

// isCPUOnline reports whether the CPU is online. CPUs that cannot be taken
// offline (usually cpu0) have no online attribute.
func isCPUOnline(cpu uint) (bool, error) {
	data, err := os.ReadFile(getCPUOnlinePathFunction(cpu))
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read online state for CPU %d: %w", cpu, err)
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

// resolveFrequency picks the supported frequency within [minFreq, maxFreq]
// that honors the relation. Without a frequency table the target is used as is.
func resolveFrequency(available []uint, target, minFreq, maxFreq uint, relation Relation) uint {
	target = clamp(target, minFreq, maxFreq)

	candidates := make([]uint, 0, len(available))
	for _, freq := range available {
		if freq >= minFreq && freq <= maxFreq {
			candidates = append(candidates, freq)
		}
	}
	if len(candidates) == 0 {
		return target
	}

	if relation == RelationAtLeast {
		for _, freq := range candidates {
			if freq >= target {
				return freq
			}
		}
		return candidates[len(candidates)-1]
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i] <= target {
			return candidates[i]
		}
	}
	return candidates[0]
}

// SysfsCPUFreqHost drives CPU frequencies through the cpufreq sysfs interface
// with the userspace governor.
type SysfsCPUFreqHost struct {
	logger logr.Logger
}

func NewSysfsCPUFreqHost(logger logr.Logger) *SysfsCPUFreqHost {
	return &SysfsCPUFreqHost{logger: logger}
}

func (h *SysfsCPUFreqHost) GetUnitInfo(cpuID uint) (UnitInfo, error) {
	info := UnitInfo{CPUID: cpuID}

	online, err := isCPUOnline(cpuID)
	if err != nil {
		return info, err
	}
	info.Online = online
	if !online {
		return info, nil
	}

	if info.MinFreq, err = readCPUFreqValue(cpuID, "scaling_min_freq"); err != nil {
		return info, err
	}
	if info.MaxFreq, err = readCPUFreqValue(cpuID, "scaling_max_freq"); err != nil {
		return info, err
	}
	if info.CurFreq, err = getCPUFrequency(cpuID); err != nil {
		return info, err
	}
	if info.TransitionLatency, err = getTransitionLatency(cpuID); err != nil {
		return info, err
	}
	// scaling_setspeed only accepts writes under the userspace governor
	if info.Controllable, err = isUserspaceGovernor(cpuID); err != nil {
		return info, err
	}

	return info, nil
}

// SetTarget writes the supported frequency closest to target in the direction
// given by relation. It blocks for as long as the write takes.
func (h *SysfsCPUFreqHost) SetTarget(cpuID uint, target uint, relation Relation) error {
	available, err := getAvailableFrequencies(cpuID)
	if err != nil {
		return err
	}
	minFreq, err := readCPUFreqValue(cpuID, "scaling_min_freq")
	if err != nil {
		return err
	}
	maxFreq, err := readCPUFreqValue(cpuID, "scaling_max_freq")
	if err != nil {
		return err
	}

	frequency := resolveFrequency(available, target, minFreq, maxFreq, relation)
	h.logger.V(5).Info("setting frequency", "cpuID", cpuID, "target", target, "frequency", frequency)

	return setCPUFrequency(cpuID, frequency)
}

// OnlineCPUs lists online CPUs that expose a cpufreq policy.
func (h *SysfsCPUFreqHost) OnlineCPUs() ([]uint, error) {
	data, err := os.ReadFile(onlineCPUsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read online CPUs: %w", err)
	}
	online, err := cpuset.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse online CPUs: %w", err)
	}

	cpuIDs := make([]uint, 0, online.Size())
	for _, cpu := range online.List() {
		if _, err := os.Stat(getCPUFreqPathFunction(uint(cpu), "")); err != nil {
			h.logger.V(5).Info("cpu has no cpufreq policy", "cpuID", cpu)
			continue
		}
		cpuIDs = append(cpuIDs, uint(cpu))
	}

	return cpuIDs, nil
}

// EnsureUserspaceGovernor switches the CPU to the userspace governor if needed.
func (h *SysfsCPUFreqHost) EnsureUserspaceGovernor(cpuID uint) error {
	isUserspace, err := isUserspaceGovernor(cpuID)
	if err != nil {
		return err
	}
	if isUserspace {
		return nil
	}

	h.logger.V(4).Info("switching to userspace governor", "cpuID", cpuID)
	return setGovernor(cpuID, userspaceGovernor)
}
