package cpufreq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

const (
	userspaceGovernor = "userspace"
	cpuFreqBasePath   = "/sys/devices/system/cpu/cpu%d/cpufreq"
)

// ErrNotUserspace is returned when a frequency write is attempted on a CPU
// whose kernel governor is not "userspace".
var ErrNotUserspace = errors.New("userspace governor not set")

func getCPUFreqPath(cpu uint, resource string) string {
	cpuFreqPath := fmt.Sprintf(cpuFreqBasePath, cpu)
	return filepath.Join(cpuFreqPath, resource)
}

var getCPUFreqPathFunction = getCPUFreqPath

// SysfsDriver drives cpufreq policies through the kernel userspace governor.
type SysfsDriver struct {
	// step is used to synthesize a table when the driver publishes no
	// scaling_available_frequencies (intel_pstate, amd-pstate).
	step uint
	log  logr.Logger
}

func NewSysfsDriver(step uint, log logr.Logger) *SysfsDriver {
	return &SysfsDriver{step: step, log: log}
}

func readCPUFreqFile(cpu uint, resource string) (string, error) {
	data, err := os.ReadFile(getCPUFreqPathFunction(cpu, resource))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readCPUFreqUint(cpu uint, resource string) (uint, error) {
	value, err := readCPUFreqFile(cpu, resource)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s for CPU %d: %w", resource, cpu, err)
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to convert %s for CPU %d to uint: %w", resource, cpu, err)
	}
	return uint(parsed), nil
}

// get current governor
func getCurrentGovernor(cpu uint) (string, error) {
	governor, err := readCPUFreqFile(cpu, "scaling_governor")
	if err != nil {
		return "", fmt.Errorf("failed to read current governor for cpu %d: %w", cpu, err)
	}
	return governor, nil
}

func isUserspaceGovernor(cpu uint) (bool, error) {
	governor, err := getCurrentGovernor(cpu)
	if err != nil {
		return false, fmt.Errorf("failed to read current governor for cpu %d: %w", cpu, err)
	}
	return governor == userspaceGovernor, nil
}

// EnsureUserspaceGovernor switches the policy of cpu to the userspace governor
// if it is not already active.
func (d *SysfsDriver) EnsureUserspaceGovernor(cpu uint) error {
	isUserspace, err := isUserspaceGovernor(cpu)
	if err != nil {
		return err
	}
	if isUserspace {
		return nil
	}

	d.log.V(4).Info("switching kernel governor", "cpu", cpu, "governor", userspaceGovernor)
	governorPath := getCPUFreqPathFunction(cpu, "scaling_governor")
	if err := os.WriteFile(governorPath, []byte(userspaceGovernor), 0644); err != nil {
		return fmt.Errorf("failed to set userspace governor for CPU %d: %w", cpu, err)
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
		return fmt.Errorf("%w for CPU %d", ErrNotUserspace, cpu)
	}

	scalingSetspeedPath := getCPUFreqPathFunction(cpu, "scaling_setspeed")
	err = os.WriteFile(scalingSetspeedPath, []byte(strconv.FormatUint(uint64(frequency), 10)), 0644)
	if err != nil {
		return fmt.Errorf("failed to set frequency for CPU %d: %w", cpu, err)
	}

	return nil
}

func (d *SysfsDriver) FrequencyTable(cpu uint) (Table, error) {
	available, err := readCPUFreqFile(cpu, "scaling_available_frequencies")
	if err == nil && available != "" {
		fields := strings.Fields(available)
		freqs := make([]uint, 0, len(fields))
		for _, field := range fields {
			freq, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse available frequency %q for CPU %d: %w", field, cpu, err)
			}
			freqs = append(freqs, uint(freq))
		}
		return NewTable(freqs), nil
	}

	minFreq, err := readCPUFreqUint(cpu, "cpuinfo_min_freq")
	if err != nil {
		return nil, err
	}
	maxFreq, err := readCPUFreqUint(cpu, "cpuinfo_max_freq")
	if err != nil {
		return nil, err
	}
	d.log.V(4).Info("no available frequencies published, synthesizing table",
		"cpu", cpu, "min", minFreq, "max", maxFreq, "step", d.step)

	return SynthesizeTable(minFreq, maxFreq, d.step), nil
}

// SetFrequency writes the resolved frequency to the policy owner of domain.
// Writing one CPU of a policy applies to all of its related CPUs.
func (d *SysfsDriver) SetFrequency(domain Domain, freq uint, rel Relation) (uint, error) {
	if len(domain.CPUs) == 0 {
		return 0, fmt.Errorf("domain %d has no CPUs", domain.ID)
	}
	table, err := d.FrequencyTable(domain.ID)
	if err != nil {
		return 0, err
	}
	resolved, ok := table.Target(freq, rel)
	if !ok {
		return 0, fmt.Errorf("empty frequency table for CPU %d", domain.ID)
	}
	if err := setCPUFrequency(domain.ID, resolved); err != nil {
		return 0, err
	}
	return resolved, nil
}

// CurrentFrequency returns the CPU frequency in kHz for the specified CPU.
func (d *SysfsDriver) CurrentFrequency(cpu uint) (uint, error) {
	return readCPUFreqUint(cpu, "scaling_cur_freq")
}

func (d *SysfsDriver) Limits(cpu uint) (uint, uint, error) {
	minFreq, err := readCPUFreqUint(cpu, "scaling_min_freq")
	if err != nil {
		return 0, 0, err
	}
	maxFreq, err := readCPUFreqUint(cpu, "scaling_max_freq")
	if err != nil {
		return 0, 0, err
	}
	return minFreq, maxFreq, nil
}

// RelatedCPUs returns the CPUs sharing the cpufreq policy of cpu.
func (d *SysfsDriver) RelatedCPUs(cpu uint) ([]uint, error) {
	related, err := readCPUFreqFile(cpu, "related_cpus")
	if err != nil {
		return nil, fmt.Errorf("failed to read related cpus for CPU %d: %w", cpu, err)
	}
	fields := strings.Fields(related)
	cpus := make([]uint, 0, len(fields))
	for _, field := range fields {
		id, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse related cpu %q for CPU %d: %w", field, cpu, err)
		}
		cpus = append(cpus, uint(id))
	}
	if len(cpus) == 0 {
		cpus = append(cpus, cpu)
	}
	return cpus, nil
}
