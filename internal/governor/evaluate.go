package governor

import (
	"time"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
)

// onTimer is the callback of both per-core timers. A firing that meets a
// domain reconfiguration is retried one tick later.
func (g *Governor) onTimer(pc *coreState, gen uint64, fromSlack bool) {
	if !g.enableMu.TryRLock() {
		pc.timer.retry(g.timers, gen, fromSlack, g.tickGranularity, g.timerCallback(pc))
		return
	}
	defer g.enableMu.RUnlock()

	if !pc.enabled.Load() {
		return
	}
	if !pc.timer.claim(gen, fromSlack, pc.idle.Load()) {
		return
	}
	g.evaluate(pc)
}

// evaluate samples pc, picks a new target frequency and hands it to the
// coordinator. The timer is always rearmed unless another path already did.
// Requires the read side of enableMu.
func (g *Governor) evaluate(pc *coreState) {
	pc.sampleMu.Lock()
	defer pc.sampleMu.Unlock()
	defer g.rearm(pc)

	globals := g.globals.Load()
	outcome := g.decide(pc, globals)
	g.recorder.Decision(pc.cpu, outcome)
}

func (g *Governor) rearm(pc *coreState) {
	if pc.enabled.Load() && !pc.timer.Pending() {
		g.reschedule(pc)
	}
}

func (g *Governor) decide(pc *coreState, globals *globalTunables) string {
	ds := pc.domain
	loadadjfreq, ok, err := g.sample(pc, globals.IOIsBusy)
	if err != nil {
		g.log.V(5).Info("skipping sample", logKeyCPU, pc.cpu, "error", err.Error())
		return OutcomeSkipped
	}
	if !ok {
		return OutcomeSkipped
	}

	now := g.clock.Now()

	pc.targetMu.Lock()
	defer pc.targetMu.Unlock()

	target := pc.target()
	var cpuLoad uint
	if target != 0 {
		cpuLoad = uint(loadadjfreq / uint64(target))
	}
	pc.prevLoad.Store(uint64(cpuLoad))

	g.classify(now)
	params := g.params.Active()
	boosted := g.boosted(now)
	hispeed := hispeedFor(ds, params)

	newFreq := g.selectFreq(pc, params, globals, cpuLoad, loadadjfreq, boosted)

	g.log.V(5).Info("sampled", logKeyCPU, pc.cpu, logKeyLoad, cpuLoad,
		logKeyLoadAdjFreq, loadadjfreq, logKeyTarget, target, logKeyFrequency, newFreq)

	if target >= hispeed && newFreq > target &&
		now.Sub(pc.hispeedValidateTime) < params.aboveHispeedDelay(target) {
		return OutcomeHispeedDelay
	}
	pc.hispeedValidateTime = now

	newFreq, ok = ds.table.Target(newFreq, cpufreq.RelationL)
	if !ok {
		return OutcomeNoFrequency
	}

	minSampleTime := params.MinSampleTime
	if params.SamplingDownFactor != 0 && ds.current() == ds.maxFreq {
		minSampleTime = params.SamplingDownFactor
	}
	if pc.minfreqBoost {
		minSampleTime = 0
		pc.minfreqBoost = false
	}
	if newFreq < pc.floorFreq && now.Sub(pc.floorValidateTime) < minSampleTime {
		return OutcomeMinSampleTime
	}

	// boosted cores keep hispeed as their floor
	if !boosted || newFreq > hispeed {
		pc.floorFreq = newFreq
		pc.floorValidateTime = now
	}

	if target == newFreq && target <= ds.current() {
		return OutcomeUnchanged
	}

	pc.setTarget(newFreq)
	g.speedchange.mark(pc.cpu)
	g.speedchange.kick()

	return OutcomeChanged
}

func (g *Governor) boosted(now time.Time) bool {
	return g.boost.indefinite.Load() || now.UnixNano() < g.boost.pulseEnd.Load()
}
