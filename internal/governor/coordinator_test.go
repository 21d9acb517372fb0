package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
)

func TestApplySpeedChanges_MaxAcrossDomain(t *testing.T) {
	domain := cpufreq.Domain{ID: 0, CPUs: []uint{0, 1}}
	driver := newDriverMock(fourSteps, mhz300)
	driver.On("SetFrequency", domain, mhz900, cpufreq.RelationH).Return(mhz900, nil)
	tg := newTestGovernor(t, driver, []cpufreq.Domain{domain})
	tg.startAll(t)

	for cpu, freq := range map[uint]uint{0: mhz600, 1: mhz900} {
		pc := tg.cores[cpu]
		pc.targetMu.Lock()
		pc.setTarget(freq)
		pc.targetMu.Unlock()
		tg.speedchange.mark(cpu)
	}
	tg.applySpeedChanges()

	driver.AssertNumberOfCalls(t, "SetFrequency", 1)
	freq, _ := tg.DomainFrequency(0)
	assert.Equal(t, mhz900, freq)
}

func TestApplySpeedChanges_SkipsWhenAlreadyApplied(t *testing.T) {
	driver := newDriverMock(fourSteps, mhz600)
	tg := newTestGovernor(t, driver, singleDomain(0))
	tg.startAll(t)

	tg.speedchange.mark(0)
	tg.applySpeedChanges()

	driver.AssertNotCalled(t, "SetFrequency", mock.Anything, mock.Anything, mock.Anything)
}

func TestApplySpeedChanges_FailureContinuesWithNextDomain(t *testing.T) {
	domains := []cpufreq.Domain{{ID: 0, CPUs: []uint{0}}, {ID: 1, CPUs: []uint{1}}}
	driver := newDriverMock(fourSteps, mhz300)
	driver.On("SetFrequency", domains[0], mhz900, cpufreq.RelationH).Return(uint(0), errors.New("write error"))
	driver.On("SetFrequency", domains[1], mhz900, cpufreq.RelationH).Return(mhz900, nil)
	tg := newTestGovernor(t, driver, domains)
	tg.startAll(t)

	for _, cpu := range []uint{0, 1} {
		pc := tg.cores[cpu]
		pc.targetMu.Lock()
		pc.setTarget(mhz900)
		pc.targetMu.Unlock()
		tg.speedchange.mark(cpu)
	}
	tg.applySpeedChanges()

	driver.AssertNumberOfCalls(t, "SetFrequency", 2)
	tg.recorder.AssertCalled(t, "SpeedChangeFailed", uint(0))
	tg.recorder.AssertCalled(t, "SpeedChange", uint(1), mhz900)
	freq, _ := tg.DomainFrequency(0)
	assert.Equal(t, mhz300, freq)
	freq, _ = tg.DomainFrequency(1)
	assert.Equal(t, mhz900, freq)
}

func TestApplySpeedChanges_FoldsLoadAtOldFrequency(t *testing.T) {
	driver := newDriverMock(fourSteps, mhz300)
	driver.On("SetFrequency", mock.Anything, mhz1200, cpufreq.RelationH).Return(mhz1200, nil)
	tg := newTestGovernor(t, driver, singleDomain(0))
	tg.startAll(t)
	pc := tg.cores[0]

	tg.runFor(0, 10*time.Millisecond, 10*time.Millisecond)
	pc.targetMu.Lock()
	pc.setTarget(mhz1200)
	pc.targetMu.Unlock()
	tg.speedchange.mark(0)
	tg.applySpeedChanges()

	pc.loadMu.Lock()
	defer pc.loadMu.Unlock()
	assert.Equal(t, uint64(10000)*uint64(mhz300), pc.cputimeSpeedadj)
}

func TestApplySpeedChanges_IgnoresStoppedDomain(t *testing.T) {
	driver := newDriverMock(fourSteps, mhz300)
	tg := newTestGovernor(t, driver, singleDomain(0))
	tg.startAll(t)
	tg.stopDomain(tg.domains[0])

	tg.speedchange.mark(0)
	tg.applySpeedChanges()

	driver.AssertNotCalled(t, "SetFrequency", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCoordinator(t *testing.T) {
	driver := newDriverMock(boostSteps, mhz300)
	driver.On("SetFrequency", mock.Anything, mhz800, cpufreq.RelationH).Return(mhz800, nil)
	tg := newTestGovernor(t, driver, singleDomain(0))
	require.NoError(t, tg.Set("hispeed_freq", "800000"))
	tg.startAll(t)

	ctx, cancel := context.WithCancel(context.Background())
	tg.waitGroup.Add(1)
	go tg.runCoordinator(ctx)

	tg.Boost()
	assert.Eventually(t, func() bool {
		freq, _ := tg.DomainFrequency(0)
		return freq == mhz800
	}, time.Second, time.Millisecond)

	cancel()
	tg.waitGroup.Wait()
}

func TestRunCoordinator_TestHook(t *testing.T) {
	tg := newTestGovernor(t, newDriverMock(fourSteps, mhz300), singleDomain(0))

	testHookStopCoordinator = func() bool { return true }
	defer func() { testHookStopCoordinator = nil }()

	tg.waitGroup.Add(1)
	tg.runCoordinator(context.Background())
	tg.waitGroup.Wait()
}

func TestApplySpeedChanges_DeferredWhileDomainsLocked(t *testing.T) {
	domain := cpufreq.Domain{ID: 0, CPUs: []uint{0, 1}}
	driver := newDriverMock(fourSteps, mhz1200)
	driver.On("SetFrequency", domain, mhz300, cpufreq.RelationH).Return(mhz300, nil)
	tg := newTestGovernor(t, driver, []cpufreq.Domain{domain})
	tg.startAll(t)

	for _, cpu := range domain.CPUs {
		pc := tg.cores[cpu]
		pc.targetMu.Lock()
		pc.setTarget(mhz300)
		pc.targetMu.Unlock()
	}
	tg.speedchange.mark(0)

	tg.lockDomains()
	tg.applySpeedChanges()
	tg.unlockDomains()
	driver.AssertNotCalled(t, "SetFrequency", mock.Anything, mock.Anything, mock.Anything)

	// later samples see an unchanged target and mark nothing
	tg.runFor(0, 100*time.Millisecond, 0)
	tg.tick(0)
	tg.recorder.AssertCalled(t, "Decision", uint(0), OutcomeUnchanged)

	tg.applySpeedChanges()
	driver.AssertCalled(t, "SetFrequency", domain, mhz300, cpufreq.RelationH)
	freq, _ := tg.DomainFrequency(0)
	assert.Equal(t, mhz300, freq)
}

func TestUnlockDomains_WakesCoordinator(t *testing.T) {
	domain := cpufreq.Domain{ID: 0, CPUs: []uint{0}}
	driver := newDriverMock(fourSteps, mhz1200)
	driver.On("SetFrequency", domain, mhz600, cpufreq.RelationH).Return(mhz600, nil)
	tg := newTestGovernor(t, driver, []cpufreq.Domain{domain})
	tg.startAll(t)

	ctx, cancel := context.WithCancel(context.Background())
	tg.waitGroup.Add(1)
	go tg.runCoordinator(ctx)

	tg.lockDomains()
	pc := tg.cores[0]
	pc.targetMu.Lock()
	pc.setTarget(mhz600)
	pc.targetMu.Unlock()
	tg.speedchange.mark(0)
	tg.speedchange.kick()
	tg.unlockDomains()

	assert.Eventually(t, func() bool {
		freq, _ := tg.DomainFrequency(0)
		return freq == mhz600
	}, time.Second, time.Millisecond)

	cancel()
	tg.waitGroup.Wait()
}
