package cpufreq

import "fmt"

// Domain is a set of CPUs that share one applied frequency (a cpufreq policy).
type Domain struct {
	ID   uint
	CPUs []uint
}

func (d Domain) String() string {
	return fmt.Sprintf("policy%d%v", d.ID, d.CPUs)
}

// Driver is the frequency-control subsystem the governor consumes.
type Driver interface {
	// FrequencyTable returns the supported steps of the CPU in kHz.
	FrequencyTable(cpu uint) (Table, error)
	// SetFrequency applies freq to the whole domain and returns the frequency
	// actually requested from hardware.
	SetFrequency(domain Domain, freq uint, rel Relation) (uint, error)
	CurrentFrequency(cpu uint) (uint, error)
	// Limits returns the policy min and max frequency of the CPU.
	Limits(cpu uint) (uint, uint, error)
}
