package governor

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownTunable = errors.New("unknown tunable")
	ErrReadOnly       = errors.New("tunable is read-only")
	ErrWriteOnly      = errors.New("tunable is write-only")
)

// TunableError reports a rejected read or write of one tunable.
type TunableError struct {
	Name string
	Err  error
}

func (e *TunableError) Error() string {
	return fmt.Sprintf("tunable %s: %v", e.Name, e.Err)
}

func (e *TunableError) Unwrap() error {
	return e.Err
}

// tunable describes one entry of the configuration surface. Exactly one of
// the write funcs is set for writable entries.
type tunable struct {
	name string
	// perSet entries read and write the set selected by param_index
	perSet bool

	readSet     func(p *ParameterSet) string
	writeSet    func(p *ParameterSet, value string) error
	readGlobal  func(t *globalTunables) string
	writeGlobal func(t *globalTunables, value string) error
	read        func(g *Governor) string
	write       func(g *Governor, value string) error
}

var tunables = []tunable{
	{
		name:    "target_loads",
		perSet:  true,
		readSet: func(p *ParameterSet) string { return p.TargetLoads.String() },
		writeSet: func(p *ParameterSet, value string) error {
			bps, err := ParseBreakpoints(value)
			if err != nil {
				return err
			}
			for _, bp := range bps {
				if bp.Value == 0 {
					return fmt.Errorf("%w: target load must be positive", ErrOutOfRange)
				}
			}
			p.TargetLoads = bps
			return nil
		},
	},
	{
		name:    "above_hispeed_delay",
		perSet:  true,
		readSet: func(p *ParameterSet) string { return p.AboveHispeedDelay.String() },
		writeSet: func(p *ParameterSet, value string) error {
			bps, err := ParseBreakpoints(value)
			if err != nil {
				return err
			}
			p.AboveHispeedDelay = bps
			return nil
		},
	},
	{
		name:     "hispeed_freq",
		perSet:   true,
		readSet:  func(p *ParameterSet) string { return formatUint(p.HispeedFreq) },
		writeSet: setUint(func(p *ParameterSet) *uint { return &p.HispeedFreq }, 0, math.MaxUint32),
	},
	{
		name:     "go_hispeed_load",
		perSet:   true,
		readSet:  func(p *ParameterSet) string { return formatUint(p.GoHispeedLoad) },
		writeSet: setUint(func(p *ParameterSet) *uint { return &p.GoHispeedLoad }, 0, math.MaxUint32),
	},
	{
		name:     "min_sample_time",
		perSet:   true,
		readSet:  func(p *ParameterSet) string { return formatMicros(p.MinSampleTime) },
		writeSet: setMicros(func(p *ParameterSet) *time.Duration { return &p.MinSampleTime }),
	},
	{
		name:    "timer_rate",
		perSet:  true,
		readSet: func(p *ParameterSet) string { return formatMicros(p.TimerRate) },
		// rounding to the tick needs the governor, see Set
		writeSet: setMicros(func(p *ParameterSet) *time.Duration { return &p.TimerRate }),
	},
	{
		name:     "sampling_down_factor",
		perSet:   true,
		readSet:  func(p *ParameterSet) string { return formatMicros(p.SamplingDownFactor) },
		writeSet: setMicros(func(p *ParameterSet) *time.Duration { return &p.SamplingDownFactor }),
	},
	{
		name: "timer_slack",
		readGlobal: func(t *globalTunables) string {
			if t.TimerSlack < 0 {
				return "-1"
			}
			return formatMicros(t.TimerSlack)
		},
		writeGlobal: func(t *globalTunables, value string) error {
			v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrInvalidNumber, value)
			}
			if v < -1 {
				return fmt.Errorf("%w: %d", ErrOutOfRange, v)
			}
			t.TimerSlack = time.Duration(v) * time.Microsecond
			return nil
		},
	},
	{
		name: "boost",
		read: func(g *Governor) string { return formatBool(g.boost.indefinite.Load()) },
		write: func(g *Governor, value string) error {
			on, err := parseBool(value)
			if err != nil {
				return err
			}
			g.SetIndefiniteBoost(on)
			return nil
		},
	},
	{
		name: "boostpulse",
		write: func(g *Governor, value string) error {
			if _, err := parseUint(value, 0, math.MaxUint32); err != nil {
				return err
			}
			g.BoostPulse(0)
			return nil
		},
	},
	{
		name:        "boostpulse_duration",
		readGlobal:  func(t *globalTunables) string { return formatMicros(t.BoostPulseDuration) },
		writeGlobal: setGlobalMicros(func(t *globalTunables) *time.Duration { return &t.BoostPulseDuration }),
	},
	{
		name:       "io_is_busy",
		readGlobal: func(t *globalTunables) string { return formatBool(t.IOIsBusy) },
		writeGlobal: func(t *globalTunables, value string) error {
			on, err := parseBool(value)
			if err != nil {
				return err
			}
			t.IOIsBusy = on
			return nil
		},
	},
	globalUint("sync_freq", func(t *globalTunables) *uint { return &t.SyncFreq }),
	globalUint("up_threshold_any_cpu_load", func(t *globalTunables) *uint { return &t.UpThresholdAnyCPULoad }),
	globalUint("up_threshold_any_cpu_freq", func(t *globalTunables) *uint { return &t.UpThresholdAnyCPUFreq }),
	globalUint("screen_off_go_hispeed_load", func(t *globalTunables) *uint { return &t.ScreenOffGoHispeedLoad }),
	{
		name: "mode",
		read: func(g *Governor) string { return formatUint(g.Mode()) },
	},
	{
		name: "enforced_mode",
		read: func(g *Governor) string { return formatUint(g.enforcedMode()) },
		write: func(g *Governor, value string) error {
			mode, err := parseUint(value, 0, numParamSets-1)
			if err != nil {
				return err
			}
			g.setEnforcedMode(mode)
			return nil
		},
	},
	{
		name: "param_index",
		read: func(g *Governor) string { return formatUint(uint(g.paramIndex.Load())) },
		write: func(g *Governor, value string) error {
			index, err := parseUint(value, 0, numParamSets-1)
			if err != nil {
				return err
			}
			g.paramIndex.Store(uint32(index))
			return nil
		},
	},
	globalUint("single_enter_load", func(t *globalTunables) *uint { return &t.SingleEnterLoad }),
	globalUint("single_exit_load", func(t *globalTunables) *uint { return &t.SingleExitLoad }),
	globalUint("multi_enter_load", func(t *globalTunables) *uint { return &t.MultiEnterLoad }),
	globalUint("multi_exit_load", func(t *globalTunables) *uint { return &t.MultiExitLoad }),
	globalMicros("single_enter_time", func(t *globalTunables) *time.Duration { return &t.SingleEnterTime }),
	globalMicros("single_exit_time", func(t *globalTunables) *time.Duration { return &t.SingleExitTime }),
	globalMicros("multi_enter_time", func(t *globalTunables) *time.Duration { return &t.MultiEnterTime }),
	globalMicros("multi_exit_time", func(t *globalTunables) *time.Duration { return &t.MultiExitTime }),
}

func findTunable(name string) (*tunable, bool) {
	for i := range tunables {
		if tunables[i].name == name {
			return &tunables[i], true
		}
	}
	return nil, false
}

func (t *tunable) readable() bool {
	return t.readSet != nil || t.readGlobal != nil || t.read != nil
}

// Tunables returns the names of all tunables in ascending order.
func (g *Governor) Tunables() []string {
	names := make([]string, 0, len(tunables))
	for _, t := range tunables {
		names = append(names, t.name)
	}
	slices.Sort(names)
	return names
}

// Get returns the current value of a tunable. Per-set tunables are read from
// the set selected by param_index.
func (g *Governor) Get(name string) (string, error) {
	t, found := findTunable(name)
	if !found {
		return "", &TunableError{Name: name, Err: ErrUnknownTunable}
	}

	switch {
	case t.readSet != nil:
		return t.readSet(g.params.Get(uint(g.paramIndex.Load()))), nil
	case t.readGlobal != nil:
		return t.readGlobal(g.globals.Load()), nil
	case t.read != nil:
		return t.read(g), nil
	default:
		return "", &TunableError{Name: name, Err: ErrWriteOnly}
	}
}

// Set validates and applies value. A rejected write leaves every tunable
// unchanged.
func (g *Governor) Set(name, value string) error {
	t, found := findTunable(name)
	if !found {
		return &TunableError{Name: name, Err: ErrUnknownTunable}
	}

	var err error
	switch {
	case t.writeSet != nil:
		err = g.params.Update(uint(g.paramIndex.Load()), func(p *ParameterSet) error {
			if err := t.writeSet(p, value); err != nil {
				return err
			}
			if name == "timer_rate" {
				return g.roundTimerRate(p)
			}
			return nil
		})
	case t.writeGlobal != nil:
		err = g.updateGlobals(func(gt *globalTunables) error { return t.writeGlobal(gt, value) })
	case t.write != nil:
		err = t.write(g, value)
	default:
		err = ErrReadOnly
	}
	if err != nil {
		return &TunableError{Name: name, Err: err}
	}

	g.log.V(4).Info("tunable written", logKeyTunable, name, "value", value)
	return nil
}

// Snapshot returns every readable tunable.
func (g *Governor) Snapshot() map[string]string {
	values := make(map[string]string, len(tunables))
	for _, t := range tunables {
		if !t.readable() {
			continue
		}
		if v, err := g.Get(t.name); err == nil {
			values[t.name] = v
		}
	}
	return values
}

func (g *Governor) updateGlobals(fn func(t *globalTunables) error) error {
	g.globalsMu.Lock()
	defer g.globalsMu.Unlock()

	next := *g.globals.Load()
	if err := fn(&next); err != nil {
		return err
	}
	g.globals.Store(&next)
	return nil
}

func (g *Governor) roundTimerRate(p *ParameterSet) error {
	if p.TimerRate <= 0 {
		return fmt.Errorf("%w: timer_rate must be positive", ErrOutOfRange)
	}
	rounded := (p.TimerRate + g.tickGranularity - 1) / g.tickGranularity * g.tickGranularity
	if rounded != p.TimerRate {
		g.log.Info("timer_rate not aligned to tick granularity, rounding up",
			"requested", p.TimerRate, "rounded", rounded)
		p.TimerRate = rounded
	}
	return nil
}

func globalUint(name string, field func(t *globalTunables) *uint) tunable {
	return tunable{
		name:       name,
		readGlobal: func(t *globalTunables) string { return formatUint(*field(t)) },
		writeGlobal: func(t *globalTunables, value string) error {
			v, err := parseUint(value, 0, math.MaxUint32)
			if err != nil {
				return err
			}
			*field(t) = v
			return nil
		},
	}
}

func globalMicros(name string, field func(t *globalTunables) *time.Duration) tunable {
	return tunable{
		name:        name,
		readGlobal:  func(t *globalTunables) string { return formatMicros(*field(t)) },
		writeGlobal: setGlobalMicros(field),
	}
}

func setGlobalMicros(field func(t *globalTunables) *time.Duration) func(t *globalTunables, value string) error {
	return func(t *globalTunables, value string) error {
		d, err := parseMicros(value)
		if err != nil {
			return err
		}
		*field(t) = d
		return nil
	}
}

func setUint(field func(p *ParameterSet) *uint, lo, hi uint) func(p *ParameterSet, value string) error {
	return func(p *ParameterSet, value string) error {
		v, err := parseUint(value, lo, hi)
		if err != nil {
			return err
		}
		*field(p) = v
		return nil
	}
}

func setMicros(field func(p *ParameterSet) *time.Duration) func(p *ParameterSet, value string) error {
	return func(p *ParameterSet, value string) error {
		d, err := parseMicros(value)
		if err != nil {
			return err
		}
		*field(p) = d
		return nil
	}
}

func parseUint(value string, lo, hi uint) (uint, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, value)
	}
	if uint(v) < lo || uint(v) > hi {
		return 0, fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, v, lo, hi)
	}
	return uint(v), nil
}

func parseMicros(value string) (time.Duration, error) {
	v, err := parseUint(value, 0, math.MaxUint32)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Microsecond, nil
}

func parseBool(value string) (bool, error) {
	v, err := parseUint(value, 0, 1)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func formatUint(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

func formatMicros(d time.Duration) string {
	return strconv.FormatInt(d.Microseconds(), 10)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
