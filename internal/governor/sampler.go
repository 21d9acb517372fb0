package governor

import (
	"fmt"
	"time"
)

// updateLoad folds the interval since the previous idle reading into the
// speed-adjusted busy time of the core, weighted by the frequency the domain
// ran at. Requires pc.loadMu.
func (g *Governor) updateLoad(pc *coreState, ioIsBusy bool) error {
	idle, wall, err := g.idle.IdleTime(pc.cpu, ioIsBusy)
	if err != nil {
		return fmt.Errorf("failed to read idle time for CPU %d: %w", pc.cpu, err)
	}

	deltaIdle := idle - pc.timeInIdle
	deltaTime := wall - pc.timeInIdleTimestamp
	var active time.Duration
	if deltaTime > deltaIdle {
		active = deltaTime - deltaIdle
	}
	pc.cputimeSpeedadj += uint64(active.Microseconds()) * pc.domain.curFreq.Load()
	pc.timeInIdle = idle
	pc.timeInIdleTimestamp = wall

	return nil
}

// sample updates the load accounting of pc and returns the speed-adjusted
// frequency demand (kHz scaled by 100) since the last reschedule. ok is false
// when no time elapsed.
func (g *Governor) sample(pc *coreState, ioIsBusy bool) (loadadjfreq uint64, ok bool, err error) {
	pc.loadMu.Lock()
	defer pc.loadMu.Unlock()

	if err := g.updateLoad(pc, ioIsBusy); err != nil {
		return 0, false, err
	}
	deltaTime := (pc.timeInIdleTimestamp - pc.speedadjTimestamp).Microseconds()
	if deltaTime <= 0 {
		return 0, false, nil
	}
	return pc.cputimeSpeedadj / uint64(deltaTime) * 100, true, nil
}

// reschedule restarts the load window of pc and arms its timer.
func (g *Governor) reschedule(pc *coreState) {
	globals := g.globals.Load()
	params := g.params.Active()

	pc.loadMu.Lock()
	idle, wall, err := g.idle.IdleTime(pc.cpu, globals.IOIsBusy)
	if err != nil {
		g.log.V(5).Info("failed to read idle time, keeping previous window", logKeyCPU, pc.cpu, "error", err.Error())
	} else {
		pc.timeInIdle = idle
		pc.timeInIdleTimestamp = wall
	}
	pc.cputimeSpeedadj = 0
	pc.speedadjTimestamp = pc.timeInIdleTimestamp
	pc.loadMu.Unlock()

	slack := time.Duration(-1)
	if globals.TimerSlack >= 0 && pc.target() > pc.domain.minFreq {
		slack = globals.TimerSlack
	}
	pc.timer.schedule(g.timers, g.clock.Now(), params.TimerRate, slack, g.timerCallback(pc))
}

func (g *Governor) timerCallback(pc *coreState) func(gen uint64, fromSlack bool) {
	return func(gen uint64, fromSlack bool) {
		g.onTimer(pc, gen, fromSlack)
	}
}

// foldDomainLoad charges the elapsed interval of every enabled member core to
// the frequency currently in effect. Called right before a frequency change.
func (g *Governor) foldDomainLoad(ds *domainState) {
	ioIsBusy := g.globals.Load().IOIsBusy
	for _, pc := range ds.cores {
		if !pc.enabled.Load() {
			continue
		}
		pc.loadMu.Lock()
		if err := g.updateLoad(pc, ioIsBusy); err != nil {
			g.log.V(5).Info("failed to fold load before speed change", logKeyCPU, pc.cpu, "error", err.Error())
		}
		pc.loadMu.Unlock()
	}
}
