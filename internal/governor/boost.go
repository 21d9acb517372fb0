package governor

import (
	"sync/atomic"
	"time"
)

type boostState struct {
	indefinite atomic.Bool
	// pulseEnd is a unix nanosecond timestamp
	pulseEnd atomic.Int64
}

// Boost raises every enabled core below its hispeed frequency to hispeed and
// resets the floor of every enabled core to hispeed.
func (g *Governor) Boost() {
	if !g.enableMu.TryRLock() {
		// an active pulse or indefinite boost still applies on the next sample
		g.log.V(4).Info("domains being reconfigured, boost left to the next sample")
		return
	}
	defer g.enableMu.RUnlock()

	params := g.params.Active()
	now := g.clock.Now()
	anyBoost := false

	for _, pc := range g.coreList {
		if !pc.enabled.Load() {
			continue
		}
		hispeed := hispeedFor(pc.domain, params)

		pc.targetMu.Lock()
		if pc.target() < hispeed {
			pc.setTarget(hispeed)
			pc.hispeedValidateTime = now
			g.speedchange.mark(pc.cpu)
			anyBoost = true
		}
		pc.floorFreq = hispeed
		pc.floorValidateTime = now
		pc.targetMu.Unlock()
	}

	if anyBoost {
		g.speedchange.kick()
	}
}

// BoostPulse boosts all cores and keeps them boosted for d. A zero d uses
// boostpulse_duration.
func (g *Governor) BoostPulse(d time.Duration) {
	if d <= 0 {
		d = g.globals.Load().BoostPulseDuration
	}
	g.boost.pulseEnd.Store(g.clock.Now().Add(d).UnixNano())
	g.recorder.Boost(BoostKindPulse)
	g.log.V(5).Info("boost pulse", "duration", d)
	g.Boost()
}

// SetIndefiniteBoost keeps all cores boosted until it is called with false.
func (g *Governor) SetIndefiniteBoost(on bool) {
	if !on {
		g.boost.indefinite.Store(false)
		g.boost.pulseEnd.Store(g.clock.Now().UnixNano())
		g.log.V(4).Info("indefinite boost ended")
		return
	}
	g.boost.indefinite.Store(true)
	g.recorder.Boost(BoostKindIndefinite)
	g.log.V(4).Info("indefinite boost started")
	g.Boost()
}

// Boosted reports whether a pulse or indefinite boost is in effect.
func (g *Governor) Boosted() bool {
	return g.boosted(g.clock.Now())
}
