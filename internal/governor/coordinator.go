package governor

import (
	"context"
	"runtime"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
)

var (
	testHookStopCoordinator func() bool
)

func (g *Governor) runCoordinator(ctx context.Context) {
	defer g.waitGroup.Done()

	if g.coordinatorNice != nil {
		// the priority applies to the thread, so keep the goroutine on it
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := setThreadPriority(*g.coordinatorNice); err != nil {
			g.log.Error(err, "failed to set coordinator priority", "nice", *g.coordinatorNice)
		}
	}

	for {
		if testHookStopCoordinator != nil {
			if testHookStopCoordinator() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-g.speedchange.wake:
			g.applySpeedChanges()
		}
	}
}

// applySpeedChanges takes the dirty cores and issues at most one frequency
// change per affected domain. Cores dirtied meanwhile wait for the next wake,
// as do domains that could not be locked.
func (g *Governor) applySpeedChanges() {
	cpus := g.speedchange.take()
	if len(cpus) == 0 {
		return
	}

	done := make(map[*domainState]struct{}, len(cpus))
	for _, cpu := range cpus {
		pc, found := g.cores[cpu]
		if !found {
			continue
		}
		ds := pc.domain
		if _, seen := done[ds]; seen {
			continue
		}
		done[ds] = struct{}{}
		g.applyDomain(ds)
	}
}

func (g *Governor) applyDomain(ds *domainState) {
	if !g.enableMu.TryRLock() {
		// retried on the kick from unlockDomains
		for _, pc := range ds.cores {
			g.speedchange.mark(pc.cpu)
		}
		g.log.V(5).Info("domains being reconfigured, speed change deferred", logKeyDomain, ds.domain.ID)
		return
	}
	defer g.enableMu.RUnlock()

	var maxFreq uint
	anyEnabled := false
	for _, pc := range ds.cores {
		if !pc.enabled.Load() {
			continue
		}
		anyEnabled = true
		maxFreq = max(maxFreq, pc.target())
	}
	if !anyEnabled || maxFreq == ds.current() {
		return
	}

	g.foldDomainLoad(ds)

	applied, err := g.driver.SetFrequency(ds.domain, maxFreq, cpufreq.RelationH)
	if err != nil {
		g.log.Error(err, "failed to set frequency", logKeyDomain, ds.domain.ID, logKeyFrequency, maxFreq)
		g.recorder.SpeedChangeFailed(ds.domain.ID)
		return
	}
	ds.curFreq.Store(uint64(applied))
	g.recorder.SpeedChange(ds.domain.ID, applied)
	g.log.V(5).Info("frequency changed", logKeyDomain, ds.domain.ID, logKeyFrequency, applied)
}
