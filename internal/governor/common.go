package governor

import "time"

// Defaults of a freshly started governor. Times follow the sysfs ABI of the
// kernel governor and are exposed in microseconds.
const (
	DefaultTargetLoad         uint = 90
	DefaultGoHispeedLoad      uint = 99
	DefaultTimerRate               = 20 * time.Millisecond
	DefaultAboveHispeedDelay       = DefaultTimerRate
	DefaultMinSampleTime           = 80 * time.Millisecond
	DefaultTimerSlack              = 80 * time.Millisecond
	DefaultBoostPulseDuration      = 80 * time.Millisecond
	DefaultTickGranularity         = time.Millisecond

	DefaultSingleEnterLoad uint = 95
	DefaultSingleExitLoad  uint = 60
	DefaultMultiEnterLoad  uint = 360
	DefaultMultiExitLoad   uint = 240
	DefaultSingleEnterTime      = 200 * time.Millisecond
	DefaultSingleExitTime       = 60 * time.Millisecond
	DefaultMultiEnterTime       = 200 * time.Millisecond
	DefaultMultiExitTime        = 60 * time.Millisecond

	// MinBusyTime is how long a core must have been pinned at its maximum
	// before idle entry refreshes its floor validation time.
	MinBusyTime = 100 * time.Millisecond

	// modeWindowSlack is the tolerance around timer_rate for mode checks.
	modeWindowSlack = time.Millisecond
)

// Mode bits of the workload classifier. They index the parameter sets.
const (
	ModeNone   uint = 0
	ModeSingle uint = 1
	ModeMulti  uint = 2

	numParamSets = 4
)

// Decision outcomes reported to the Recorder.
const (
	OutcomeChanged       = "changed"
	OutcomeUnchanged     = "unchanged"
	OutcomeSkipped       = "skipped"
	OutcomeHispeedDelay  = "above_hispeed_delay"
	OutcomeMinSampleTime = "min_sample_time"
	OutcomeNoFrequency   = "no_frequency"

	BoostKindPulse      = "pulse"
	BoostKindIndefinite = "indefinite"
)

// Internal helper constants for logging
const (
	logKeyCPU         = "cpu"
	logKeyDomain      = "domain"
	logKeyFrequency   = "frequency"
	logKeyMode        = "mode"
	logKeyTunable     = "tunable"
	logKeyOutcome     = "outcome"
	logKeyLoad        = "load"
	logKeyTarget      = "target"
	logKeyLoadAdjFreq = "loadadjfreq"
)

// Recorder receives governor events, typically to export them as metrics.
type Recorder interface {
	Decision(cpu uint, outcome string)
	SpeedChange(domain uint, freq uint)
	SpeedChangeFailed(domain uint)
	Boost(kind string)
	ModeChange(mode uint)
}

type noopRecorder struct{}

func (noopRecorder) Decision(uint, string) {}
func (noopRecorder) SpeedChange(uint, uint) {}
func (noopRecorder) SpeedChangeFailed(uint) {}
func (noopRecorder) Boost(string) {}
func (noopRecorder) ModeChange(uint) {}

// AuxPowerNotifier is told when any special workload mode becomes active and
// when the last one ends.
type AuxPowerNotifier interface {
	EnterAuxPowerState() error
	ExitAuxPowerState() error
}
