package governor

// IdleStart tells the governor cpu is entering idle. A core idling above its
// minimum without a pending timer gets one armed so it cannot hold its domain
// up indefinitely.
func (g *Governor) IdleStart(cpu uint) {
	pc, found := g.cores[cpu]
	if !found {
		return
	}
	if !g.enableMu.TryRLock() {
		return
	}
	defer g.enableMu.RUnlock()

	if !pc.enabled.Load() {
		return
	}
	pc.idle.Store(true)

	if pc.target() == pc.domain.minFreq || pc.timer.Pending() {
		return
	}
	g.reschedule(pc)

	// a core pinned at max keeps its floor while it idles
	now := g.clock.Now()
	pc.targetMu.Lock()
	if pc.domain.current() == pc.domain.maxFreq && now.Sub(pc.hispeedValidateTime) > MinBusyTime {
		pc.floorValidateTime = now
	}
	pc.targetMu.Unlock()
}

// IdleEnd tells the governor cpu left idle. An overdue sample runs immediately.
func (g *Governor) IdleEnd(cpu uint) {
	pc, found := g.cores[cpu]
	if !found {
		return
	}
	if !g.enableMu.TryRLock() {
		return
	}
	defer g.enableMu.RUnlock()

	if !pc.enabled.Load() {
		return
	}
	pc.idle.Store(false)

	if !pc.timer.Pending() {
		g.reschedule(pc)
		return
	}
	if pc.timer.Expired(g.clock.Now()) {
		pc.timer.cancel()
		g.evaluate(pc)
	}
}
