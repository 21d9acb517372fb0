package monitoring

import (
	"errors"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/AMDEPYC/cpufreq-interactive/internal/governor"
)

// Recorder counts governor events as prometheus counters.
type Recorder struct {
	decisions           *prom.CounterVec
	speedChanges        *prom.CounterVec
	speedChangeFailures *prom.CounterVec
	boosts              *prom.CounterVec
	modeChanges         *prom.CounterVec
}

var _ governor.Recorder = &Recorder{}

func newCounterVec(name, help string, labels ...string) *prom.CounterVec {
	return prom.NewCounterVec(
		prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: governorSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewRecorder creates the counters and registers them with registry.
func NewRecorder(registry prom.Registerer) (*Recorder, error) {
	r := &Recorder{
		decisions: newCounterVec("decisions_total",
			"Sampling decisions per CPU by outcome.", "cpu", "outcome"),
		speedChanges: newCounterVec("speed_changes_total",
			"Frequency transitions applied per domain.", "domain"),
		speedChangeFailures: newCounterVec("speed_change_failures_total",
			"Frequency transitions rejected by the driver per domain.", "domain"),
		boosts: newCounterVec("boosts_total",
			"Boost requests by kind.", "kind"),
		modeChanges: newCounterVec("mode_changes_total",
			"Workload mode transitions by the mode entered.", "mode"),
	}

	var errs []error
	for _, c := range []prom.Collector{r.decisions, r.speedChanges, r.speedChangeFailures, r.boosts, r.modeChanges} {
		if err := registry.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Decision(cpu uint, outcome string) {
	r.decisions.WithLabelValues(strconv.Itoa(int(cpu)), outcome).Inc()
}

func (r *Recorder) SpeedChange(domain uint, _ uint) {
	r.speedChanges.WithLabelValues(strconv.Itoa(int(domain))).Inc()
}

func (r *Recorder) SpeedChangeFailed(domain uint) {
	r.speedChangeFailures.WithLabelValues(strconv.Itoa(int(domain))).Inc()
}

func (r *Recorder) Boost(kind string) {
	r.boosts.WithLabelValues(kind).Inc()
}

func (r *Recorder) ModeChange(mode uint) {
	r.modeChanges.WithLabelValues(strconv.Itoa(int(mode))).Inc()
}
