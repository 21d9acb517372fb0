package governor

import (
	"math"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
)

// chooseFreq returns the lowest step of table at which the demand loadadjfreq
// stays within the target load of that step. Target loads may vary by
// frequency, so the search bisects between a step known to be too slow and
// one known to be fast enough, starting from the current frequency.
func chooseFreq(table cpufreq.Table, params *ParameterSet, cur uint, loadadjfreq uint64) uint {
	freq := cur
	freqmin := uint(0)
	freqmax := uint(math.MaxUint)

	for {
		prevfreq := freq
		tl := uint64(params.targetLoad(freq))
		if tl == 0 {
			tl = 1
		}
		freq, _ = table.Target(uint(loadadjfreq/tl), cpufreq.RelationL)

		if freq > prevfreq {
			// prevfreq is too slow
			freqmin = prevfreq
			if freq >= freqmax {
				freq, _ = table.Target(freqmax-1, cpufreq.RelationH)
				if freq == freqmin {
					// the step below freqmax is too slow, so freqmax is the answer
					freq = freqmax
					break
				}
			}
		} else if freq < prevfreq {
			// prevfreq is fast enough
			freqmax = prevfreq
			if freq <= freqmin {
				freq, _ = table.Target(freqmin+1, cpufreq.RelationL)
				if freq == freqmax {
					break
				}
			}
		}

		if freq == prevfreq {
			break
		}
	}

	return freq
}

// hispeedFor resolves the hispeed frequency of params for ds: 0 means the
// policy maximum, the policy minimum is a floor, and the result is a table step.
func hispeedFor(ds *domainState, params *ParameterSet) uint {
	hispeed := params.HispeedFreq
	if hispeed == 0 {
		hispeed = ds.maxFreq
	}
	hispeed = max(hispeed, ds.minFreq)
	if snapped, ok := ds.table.Target(hispeed, cpufreq.RelationL); ok {
		return snapped
	}
	return hispeed
}

// goHispeedLoad returns the load at which a core jumps to hispeed, honouring
// the screen-off preset.
func (g *Governor) goHispeedLoad(params *ParameterSet, globals *globalTunables) uint {
	if g.screenOff.Load() && globals.ScreenOffGoHispeedLoad != 0 {
		return globals.ScreenOffGoHispeedLoad
	}
	return params.GoHispeedLoad
}

// selectFreq maps the demand of pc onto a frequency, before hysteresis.
// Requires pc.targetMu.
func (g *Governor) selectFreq(pc *coreState, params *ParameterSet, globals *globalTunables, cpuLoad uint, loadadjfreq uint64, boosted bool) uint {
	ds := pc.domain
	hispeed := hispeedFor(ds, params)
	target := pc.target()

	var newFreq uint
	if cpuLoad >= g.goHispeedLoad(params, globals) || boosted {
		if target < hispeed {
			newFreq = hispeed
		} else {
			newFreq = max(chooseFreq(ds.table, params, ds.current(), loadadjfreq), hispeed)
		}
	} else {
		newFreq = chooseFreq(ds.table, params, ds.current(), loadadjfreq)
		if newFreq > hispeed && target < hispeed {
			newFreq = hispeed
		}
	}

	if globals.SyncFreq != 0 && newFreq < globals.SyncFreq && g.siblingNeedsSync(pc, globals) {
		newFreq = globals.SyncFreq
	}

	return newFreq
}

// siblingNeedsSync reports whether another enabled core is both loaded and
// running fast enough to pull pc up to sync_freq.
func (g *Governor) siblingNeedsSync(pc *coreState, globals *globalTunables) bool {
	for _, other := range g.coreList {
		if other == pc || !other.enabled.Load() {
			continue
		}
		if other.load() >= globals.UpThresholdAnyCPULoad && other.target() >= globals.UpThresholdAnyCPUFreq {
			return true
		}
	}
	return false
}
