package governor

import (
	"context"
	"time"
)

// modeState is guarded by Governor.modeMu.
type modeState struct {
	mode      uint
	enforced  uint
	lastCheck time.Time

	singleEnter time.Duration
	singleExit  time.Duration
	multiEnter  time.Duration
	multiExit   time.Duration
}

func (m *modeState) resetAccumulators() {
	m.singleEnter = 0
	m.singleExit = 0
	m.multiEnter = 0
	m.multiExit = 0
}

// classify re-evaluates the workload mode from the last sampled load of every
// enabled core and switches the active parameter set when the mode changes.
func (g *Governor) classify(now time.Time) {
	if !g.modeClassifier {
		return
	}

	g.modeMu.Lock()
	defer g.modeMu.Unlock()

	newMode := g.mode.enforced
	if newMode == 0 {
		newMode = g.checkMode(now)
	}
	g.applyModeLocked(newMode)
}

// checkMode runs the enter/exit accumulators at most once per timer_rate
// window and returns the resulting mode. Requires modeMu.
func (g *Governor) checkMode(now time.Time) uint {
	m := &g.mode
	rate := g.params.Active().TimerRate
	result := m.mode

	elapsed := now.Sub(m.lastCheck)
	if elapsed < rate-modeWindowSlack {
		return result
	}
	if elapsed > rate+modeWindowSlack {
		m.lastCheck = now.Add(-rate)
	}
	elapsed = now.Sub(m.lastCheck)

	var maxLoad, totalLoad uint
	for _, pc := range g.coreList {
		if !pc.enabled.Load() {
			continue
		}
		load := pc.load()
		totalLoad += load
		maxLoad = max(maxLoad, load)
	}

	t := g.globals.Load()
	if m.mode&ModeSingle == 0 {
		if maxLoad >= t.SingleEnterLoad {
			m.singleEnter += elapsed
		} else {
			m.singleEnter = 0
		}
		if m.singleEnter >= t.SingleEnterTime {
			result |= ModeSingle
		}
	} else {
		if maxLoad < t.SingleExitLoad {
			m.singleExit += elapsed
		} else {
			m.singleExit = 0
		}
		if m.singleExit >= t.SingleExitTime {
			result &^= ModeSingle
		}
	}

	if m.mode&ModeMulti == 0 {
		if totalLoad >= t.MultiEnterLoad {
			m.multiEnter += elapsed
		} else {
			m.multiEnter = 0
		}
		if m.multiEnter >= t.MultiEnterTime {
			result |= ModeMulti
		}
	} else {
		if totalLoad < t.MultiExitLoad {
			m.multiExit += elapsed
		} else {
			m.multiExit = 0
		}
		if m.multiExit >= t.MultiExitTime {
			result &^= ModeMulti
		}
	}

	// crossing a threshold consumes the accumulator before the mode is applied
	if m.singleEnter >= t.SingleEnterTime {
		m.singleEnter = 0
	}
	if m.singleExit >= t.SingleExitTime {
		m.singleExit = 0
	}
	if m.multiEnter >= t.MultiEnterTime {
		m.multiEnter = 0
	}
	if m.multiExit >= t.MultiExitTime {
		m.multiExit = 0
	}
	m.lastCheck = now

	return result
}

// applyModeLocked switches to newMode. Requires modeMu.
func (g *Governor) applyModeLocked(newMode uint) {
	oldMode := g.mode.mode
	if newMode == oldMode {
		return
	}
	g.mode.mode = newMode
	g.params.Activate(newMode)
	g.recorder.ModeChange(newMode)
	g.log.V(4).Info("mode changed", logKeyMode, newMode, "previous", oldMode)

	if (oldMode == 0) != (newMode == 0) {
		g.aux.post(newMode != 0)
	}
}

func (g *Governor) setEnforcedMode(mode uint) {
	g.modeMu.Lock()
	defer g.modeMu.Unlock()

	g.mode.enforced = mode
	g.mode.resetAccumulators()
	g.mode.lastCheck = g.clock.Now()
	if mode != 0 {
		g.applyModeLocked(mode)
	}
}

// Mode returns the current workload mode bits.
func (g *Governor) Mode() uint {
	g.modeMu.Lock()
	defer g.modeMu.Unlock()
	return g.mode.mode
}

func (g *Governor) enforcedMode() uint {
	g.modeMu.Lock()
	defer g.modeMu.Unlock()
	return g.mode.enforced
}

// auxMailbox carries the latest "any special mode active" state to the
// notifier goroutine. Posting never blocks; an undelivered state is replaced.
type auxMailbox struct {
	slot chan bool
}

func newAuxMailbox() *auxMailbox {
	return &auxMailbox{slot: make(chan bool, 1)}
}

func (m *auxMailbox) post(active bool) {
	for {
		select {
		case m.slot <- active:
			return
		default:
		}
		select {
		case <-m.slot:
		default:
		}
	}
}

func (g *Governor) runAuxNotifier(ctx context.Context) {
	defer g.waitGroup.Done()

	delivered := false
	for {
		select {
		case <-ctx.Done():
			return
		case active := <-g.aux.slot:
			if active == delivered {
				continue
			}
			if err := g.deliverAuxState(active); err != nil {
				g.log.Error(err, "failed to change auxiliary power state", "active", active)
				continue
			}
			delivered = active
		}
	}
}

func (g *Governor) deliverAuxState(active bool) error {
	if active {
		return g.auxNotifier.EnterAuxPowerState()
	}
	return g.auxNotifier.ExitAuxPowerState()
}
