package governor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
)

const (
	mhz300  uint = 300000
	mhz600  uint = 600000
	mhz800  uint = 800000
	mhz900  uint = 900000
	mhz1200 uint = 1200000
)

func setupLogger() {
	log.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(opts *zap.Options) {
			opts.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
	))
}

type driverMock struct {
	mock.Mock
}

func (m *driverMock) FrequencyTable(cpu uint) (cpufreq.Table, error) {
	args := m.Called(cpu)
	return args.Get(0).(cpufreq.Table), args.Error(1)
}

func (m *driverMock) SetFrequency(domain cpufreq.Domain, freq uint, rel cpufreq.Relation) (uint, error) {
	args := m.Called(domain, freq, rel)
	return args.Get(0).(uint), args.Error(1)
}

func (m *driverMock) CurrentFrequency(cpu uint) (uint, error) {
	args := m.Called(cpu)
	return args.Get(0).(uint), args.Error(1)
}

func (m *driverMock) Limits(cpu uint) (uint, uint, error) {
	args := m.Called(cpu)
	return args.Get(0).(uint), args.Get(1).(uint), args.Error(2)
}

// newDriverMock serves the same table, limits and current frequency for every CPU.
func newDriverMock(table cpufreq.Table, cur uint) *driverMock {
	m := &driverMock{}
	m.On("FrequencyTable", mock.Anything).Return(table, nil)
	m.On("Limits", mock.Anything).Return(table.Min(), table.Max(), nil)
	m.On("CurrentFrequency", mock.Anything).Return(cur, nil)
	return m
}

type recorderMock struct {
	mock.Mock
}

func (m *recorderMock) Decision(cpu uint, outcome string) {
	m.Called(cpu, outcome)
}

func (m *recorderMock) SpeedChange(domain uint, freq uint) {
	m.Called(domain, freq)
}

func (m *recorderMock) SpeedChangeFailed(domain uint) {
	m.Called(domain)
}

func (m *recorderMock) Boost(kind string) {
	m.Called(kind)
}

func (m *recorderMock) ModeChange(mode uint) {
	m.Called(mode)
}

func newRecorderMock() *recorderMock {
	m := &recorderMock{}
	m.On("Decision", mock.Anything, mock.Anything).Return()
	m.On("SpeedChange", mock.Anything, mock.Anything).Return()
	m.On("SpeedChangeFailed", mock.Anything).Return()
	m.On("Boost", mock.Anything).Return()
	m.On("ModeChange", mock.Anything).Return()
	return m
}

type notifierMock struct {
	mock.Mock
	calls atomic.Int32
}

func (m *notifierMock) EnterAuxPowerState() error {
	defer m.calls.Add(1)
	return m.Called().Error(0)
}

func (m *notifierMock) ExitAuxPowerState() error {
	defer m.calls.Add(1)
	return m.Called().Error(0)
}

// fakeIdle accumulates idle and wall time per CPU as tests advance it.
type fakeIdle struct {
	mu   sync.Mutex
	idle map[uint]time.Duration
	wall map[uint]time.Duration
	err  error
}

func newFakeIdle() *fakeIdle {
	return &fakeIdle{
		idle: map[uint]time.Duration{},
		wall: map[uint]time.Duration{},
	}
}

func (f *fakeIdle) IdleTime(cpu uint, _ bool) (time.Duration, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.idle[cpu], f.wall[cpu], nil
}

func (f *fakeIdle) advance(cpu uint, busy, idle time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle[cpu] += idle
	f.wall[cpu] += busy + idle
}

// manualTimer never fires by itself; tests fire it explicitly.
type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) C() <-chan time.Time {
	return nil
}

func (t *manualTimer) Stop() bool {
	active := !t.stopped
	t.stopped = true
	return active
}

func (t *manualTimer) Reset(d time.Duration) bool {
	active := !t.stopped
	t.delay = d
	t.stopped = false
	return active
}

// testClock is a fake clock whose AfterFunc callbacks run only on demand.
type testClock struct {
	*testingclock.FakeClock

	mu     sync.Mutex
	timers []*manualTimer
}

func newTestClock() *testClock {
	return &testClock{FakeClock: testingclock.NewFakeClock(time.Unix(1700000000, 0))}
}

func (c *testClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *testClock) activeDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var delays []time.Duration
	for _, t := range c.timers {
		if !t.stopped {
			delays = append(delays, t.delay)
		}
	}
	return delays
}

type testGovernor struct {
	*Governor
	driver   *driverMock
	idle     *fakeIdle
	clock    *testClock
	recorder *recorderMock
}

func newTestGovernor(t *testing.T, driver *driverMock, domains []cpufreq.Domain, opts ...Option) *testGovernor {
	setupLogger()

	tg := &testGovernor{
		driver:   driver,
		idle:     newFakeIdle(),
		clock:    newTestClock(),
		recorder: newRecorderMock(),
	}
	opts = append([]Option{WithClock(tg.clock), WithRecorder(tg.recorder)}, opts...)
	g, err := New(driver, tg.idle, domains, opts...)
	require.NoError(t, err)
	tg.Governor = g

	return tg
}

func (tg *testGovernor) startAll(t *testing.T) {
	for _, ds := range tg.domains {
		require.NoError(t, tg.startDomain(ds))
	}
}

// tick fires the main timer of cpu as if it expired.
func (tg *testGovernor) tick(cpu uint) {
	pc := tg.cores[cpu]
	pc.timer.mu.Lock()
	gen := pc.timer.gen
	pc.timer.mu.Unlock()
	tg.onTimer(pc, gen, false)
}

func (tg *testGovernor) slackTick(cpu uint) {
	pc := tg.cores[cpu]
	pc.timer.mu.Lock()
	gen := pc.timer.gen
	pc.timer.mu.Unlock()
	tg.onTimer(pc, gen, true)
}

// runFor advances time by d, during which cpu was busy for busy.
func (tg *testGovernor) runFor(cpu uint, d, busy time.Duration) {
	tg.clock.Step(d)
	tg.idle.advance(cpu, busy, d-busy)
}

func singleDomain(cpus ...uint) []cpufreq.Domain {
	return []cpufreq.Domain{{ID: cpus[0], CPUs: cpus}}
}
