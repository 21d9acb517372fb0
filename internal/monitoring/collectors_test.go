package monitoring

import (
	"errors"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
	"github.com/AMDEPYC/cpufreq-interactive/internal/governor"
	"github.com/AMDEPYC/cpufreq-interactive/internal/topology"
)

type testGovernorSource struct {
	mock.Mock
}

func (s *testGovernorSource) TargetFrequency(cpu uint) (uint, error) {
	args := s.Called(cpu)
	return args.Get(0).(uint), args.Error(1)
}

func (s *testGovernorSource) Load(cpu uint) (uint, error) {
	args := s.Called(cpu)
	return args.Get(0).(uint), args.Error(1)
}

func (s *testGovernorSource) DomainFrequency(domainID uint) (uint, error) {
	args := s.Called(domainID)
	return args.Get(0).(uint), args.Error(1)
}

func (s *testGovernorSource) Domains() []cpufreq.Domain {
	return s.Called().Get(0).([]cpufreq.Domain)
}

func (s *testGovernorSource) Mode() uint {
	return s.Called().Get(0).(uint)
}

func setupLogger() {
	log.SetLogger(zap.New(zap.UseDevMode(true), func(opts *zap.Options) {
		opts.TimeEncoder = zapcore.ISO8601TimeEncoder
	}))
}

// testTopology has cpus 0 and 1 on one core plus cpu 2, which the governor
// does not manage.
func testTopology() *topology.Topology {
	return &topology.Topology{
		Domains: []cpufreq.Domain{{ID: 0, CPUs: []uint{0, 1}}, {ID: 2, CPUs: []uint{2}}},
		Placement: map[uint]topology.Placement{
			0: {Core: 0, Die: 0, Package: 0},
			1: {Core: 0, Die: 0, Package: 0},
			2: {Core: 1, Die: 0, Package: 1},
		},
	}
}

func initializeGovernorSourceMock() *testGovernorSource {
	src := &testGovernorSource{}
	src.On("TargetFrequency", uint(0)).Return(uint(1200000), nil)
	src.On("TargetFrequency", uint(1)).Return(uint(600000), nil)
	src.On("TargetFrequency", uint(2)).Return(uint(0), governor.ErrUnknownCPU)
	src.On("Load", uint(0)).Return(uint(87), nil)
	src.On("Load", uint(1)).Return(uint(0), errors.New("not sampled yet"))
	src.On("Load", uint(2)).Return(uint(0), governor.ErrUnknownCPU)
	src.On("DomainFrequency", uint(0)).Return(uint(1200000), nil)
	src.On("DomainFrequency", uint(2)).Return(uint(0), governor.ErrUnknownDomain)
	src.On("Domains").Return(testTopology().Domains)
	src.On("Mode").Return(governor.ModeSingle)

	return src
}

func TestNewPerCPUCollector(t *testing.T) {
	setupLogger()
	src := initializeGovernorSourceMock()

	metricName := prom.BuildFQName(promNamespace, governorSubsystem, "test_target")
	collector := newPerCPUCollector(
		metricName,
		"test target",
		prom.GaugeValue,
		testTopology(),
		src.TargetFrequency,
		ctrl.Log.WithName("testing"),
	)
	expected := `
		# HELP cpufreq_interactive_governor_test_target test target
		# TYPE cpufreq_interactive_governor_test_target gauge
		cpufreq_interactive_governor_test_target{core="0",cpu="0",die="0",package="0"} 1.2e+06
		cpufreq_interactive_governor_test_target{core="0",cpu="1",die="0",package="0"} 600000
	`
	err := promtestutil.CollectAndCompare(collector, strings.NewReader(expected), metricName)
	assert.Nil(t, err)

	// read errors at collection time drop the sample, not the series
	metricName = prom.BuildFQName(promNamespace, governorSubsystem, "test_load")
	collector = newPerCPUCollector(
		metricName,
		"test load",
		prom.GaugeValue,
		testTopology(),
		src.Load,
		ctrl.Log.WithName("testing"),
	)
	expected = `
		# HELP cpufreq_interactive_governor_test_load test load
		# TYPE cpufreq_interactive_governor_test_load gauge
		cpufreq_interactive_governor_test_load{core="0",cpu="0",die="0",package="0"} 87
	`
	err = promtestutil.CollectAndCompare(collector, strings.NewReader(expected), metricName)
	assert.Nil(t, err)
}

func TestNewPerCPUCollector_SkipsUnmanagedCPUs(t *testing.T) {
	setupLogger()
	src := initializeGovernorSourceMock()

	newPerCPUCollector(
		"test_unmanaged",
		"test unmanaged",
		prom.GaugeValue,
		testTopology(),
		src.TargetFrequency,
		ctrl.Log.WithName("testing"),
	)
	// cpu 2 is probed once at construction and never again
	src.AssertNumberOfCalls(t, "TargetFrequency", 3)
}

func TestNewPerDomainCollector(t *testing.T) {
	setupLogger()
	src := initializeGovernorSourceMock()

	metricName := prom.BuildFQName(promNamespace, governorSubsystem, "test_domain_frequency")
	collector := newPerDomainCollector(
		metricName,
		"test domain frequency",
		prom.GaugeValue,
		src.Domains(),
		src.DomainFrequency,
		ctrl.Log.WithName("testing"),
	)
	expected := `
		# HELP cpufreq_interactive_governor_test_domain_frequency test domain frequency
		# TYPE cpufreq_interactive_governor_test_domain_frequency gauge
		cpufreq_interactive_governor_test_domain_frequency{cpus="[0 1]",domain="0"} 1.2e+06
	`
	err := promtestutil.CollectAndCompare(collector, strings.NewReader(expected), metricName)
	assert.Nil(t, err)
}

func TestRegisterGovernorCollectors(t *testing.T) {
	setupLogger()
	src := initializeGovernorSourceMock()
	registry := prom.NewPedanticRegistry()

	require.NoError(t, RegisterGovernorCollectors(registry, src, testTopology(), ctrl.Log.WithName("testing")))

	expected := `
		# HELP cpufreq_interactive_governor_mode Active workload mode: 0 none, 1 single, 2 multi, 3 both.
		# TYPE cpufreq_interactive_governor_mode gauge
		cpufreq_interactive_governor_mode 1
	`
	err := promtestutil.GatherAndCompare(registry, strings.NewReader(expected), "cpufreq_interactive_governor_mode")
	assert.Nil(t, err)

	count, err := promtestutil.GatherAndCount(registry,
		"cpufreq_interactive_governor_target_frequency_khz",
		"cpufreq_interactive_governor_domain_frequency_khz",
	)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// a second registration of the same collectors is rejected
	assert.Error(t, RegisterGovernorCollectors(registry, src, testTopology(), ctrl.Log.WithName("testing")))
}
