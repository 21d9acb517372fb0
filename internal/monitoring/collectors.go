package monitoring

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/exp/constraints"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
	"github.com/AMDEPYC/cpufreq-interactive/internal/governor"
	"github.com/AMDEPYC/cpufreq-interactive/internal/topology"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "cpufreq_interactive"

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

// GovernorSource is the read side of the governor that collectors sample.
type GovernorSource interface {
	TargetFrequency(cpu uint) (uint, error)
	Load(cpu uint) (uint, error)
	DomainFrequency(domainID uint) (uint, error)
	Domains() []cpufreq.Domain
	Mode() uint
}

var _ GovernorSource = &governor.Governor{}

// isUnmanaged reports errors that mean the governor will never have a value
// for this object, so collection should not be registered at all.
func isUnmanaged(err error) bool {
	return errors.Is(err, governor.ErrUnknownCPU) || errors.Is(err, governor.ErrUnknownDomain)
}

// newPerCPUCollector is generic factory of prometheus Collectors for metrics that are CPU bound.
// topo supplies the CPUs to collect and their core, die and package labels.
// readFunc reads the current value for one CPU.
// log is Logger that should have all Names, KeysValues and other... already attached.
func newPerCPUCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	topo *topology.Topology, readFunc func(cpu uint) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"cpu", "core", "die", "package"},
		nil,
	)

	collectorFuncs := make([]func(ch chan<- prom.Metric), 0)
	for _, cpu := range topo.CPUs() {
		placement := topo.Placement[cpu]
		if _, err := readFunc(cpu); isUnmanaged(err) {
			log.Info("Not registering collection, governor does not manage this CPU",
				"error", err.Error(), "cpu", cpu)
			continue
		}
		collectorFuncs = append(collectorFuncs, func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting metrics for prometheus", "cpu", cpu)
			if val, err := readFunc(cpu); err == nil {
				ch <- prom.MustNewConstMetric(
					desc,
					metricType,
					float64(val),
					strconv.Itoa(int(cpu)),
					strconv.Itoa(int(placement.Core)),
					strconv.Itoa(int(placement.Die)),
					strconv.Itoa(int(placement.Package)),
				)
			} else {
				log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err), "cpu", cpu)
			}
		})
	}
	log.V(4).Info("New perCPU prometheus Collector created", logNameKey, metricName)

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, collectFunc := range collectorFuncs {
				collectFunc(ch)
			}
		},
	}
}

// newPerDomainCollector is generic factory of prometheus Collectors for metrics
// that are bound to a frequency domain.
func newPerDomainCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	domains []cpufreq.Domain, readFunc func(domainID uint) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"domain", "cpus"},
		nil,
	)

	collectorFuncs := make([]func(ch chan<- prom.Metric), 0)
	for _, domain := range domains {
		if _, err := readFunc(domain.ID); isUnmanaged(err) {
			log.Info("Not registering collection, governor does not manage this domain",
				"error", err.Error(), "domain", domain.ID)
			continue
		}
		cpus := fmt.Sprint(domain.CPUs)
		collectorFuncs = append(collectorFuncs, func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting metrics for prometheus", "domain", domain.ID)
			if val, err := readFunc(domain.ID); err == nil {
				ch <- prom.MustNewConstMetric(
					desc,
					metricType,
					float64(val),
					strconv.Itoa(int(domain.ID)),
					cpus,
				)
			} else {
				log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err), "domain", domain.ID)
			}
		})
	}
	log.V(4).Info("New perDomain prometheus Collector created", logNameKey, metricName)

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, collectFunc := range collectorFuncs {
				collectFunc(ch)
			}
		},
	}
}

// NewGovernorCollectors returns collectors for the live governor state:
// per-CPU target frequency and load, per-domain applied frequency and the
// workload mode.
func NewGovernorCollectors(src GovernorSource, topo *topology.Topology, log logr.Logger) []prom.Collector {
	return []prom.Collector{
		newPerCPUCollector(
			prom.BuildFQName(promNamespace, governorSubsystem, "target_frequency_khz"),
			"Frequency last chosen by the governor for the CPU.",
			prom.GaugeValue,
			topo,
			src.TargetFrequency,
			log,
		),
		newPerCPUCollector(
			prom.BuildFQName(promNamespace, governorSubsystem, "load_percent"),
			"Load of the CPU in the last sampling window, relative to the current frequency.",
			prom.GaugeValue,
			topo,
			src.Load,
			log,
		),
		newPerDomainCollector(
			prom.BuildFQName(promNamespace, governorSubsystem, "domain_frequency_khz"),
			"Frequency last applied to the frequency domain.",
			prom.GaugeValue,
			src.Domains(),
			src.DomainFrequency,
			log,
		),
		prom.NewGaugeFunc(
			prom.GaugeOpts{
				Namespace: promNamespace,
				Subsystem: governorSubsystem,
				Name:      "mode",
				Help:      "Active workload mode: 0 none, 1 single, 2 multi, 3 both.",
			},
			func() float64 {
				return float64(src.Mode())
			},
		),
	}
}

// RegisterGovernorCollectors registers NewGovernorCollectors with registry.
func RegisterGovernorCollectors(registry prom.Registerer, src GovernorSource, topo *topology.Topology, log logr.Logger) error {
	var errs []error
	for _, collector := range NewGovernorCollectors(src, topo, log) {
		if err := registry.Register(collector); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
