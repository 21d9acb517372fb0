package governor

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidNumber is returned when a token of a written value is not a number.
	ErrInvalidNumber = errors.New("invalid number")
	// ErrOddTokenCount is returned when a breakpoint list is not made of freq/value pairs.
	ErrOddTokenCount = errors.New("odd number of tokens, expected frequency/value pairs")
	// ErrEmptyList is returned when a breakpoint list has no entries.
	ErrEmptyList = errors.New("empty list")
	// ErrUnsorted is returned when breakpoint frequencies are not strictly ascending.
	ErrUnsorted = errors.New("frequencies must be strictly ascending")
	// ErrOutOfRange is returned when a value is outside the accepted range of the tunable.
	ErrOutOfRange = errors.New("value out of range")
)

// Breakpoint applies Value to every frequency at or above Freq, up to the next breakpoint.
type Breakpoint struct {
	Freq  uint
	Value uint
}

// Breakpoints is a piecewise-constant function of frequency.
type Breakpoints []Breakpoint

// Lookup returns the value of the last breakpoint whose frequency is at or
// below freq, or the first value when freq is below every breakpoint.
func (b Breakpoints) Lookup(freq uint) uint {
	if len(b) == 0 {
		return 0
	}
	value := b[0].Value
	for _, bp := range b[1:] {
		if freq < bp.Freq {
			break
		}
		value = bp.Value
	}
	return value
}

func (b Breakpoints) String() string {
	parts := make([]string, 0, len(b))
	for _, bp := range b {
		parts = append(parts, fmt.Sprintf("%d:%d", bp.Freq, bp.Value))
	}
	return strings.Join(parts, " ")
}

func isListDelimiter(r rune) bool {
	return r == ':' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// ParseBreakpoints parses alternating frequency/value tokens separated by any
// mix of whitespace and colons, e.g. "0:85 1200000:90".
func ParseBreakpoints(s string) (Breakpoints, error) {
	tokens := strings.FieldsFunc(s, isListDelimiter)
	if len(tokens) == 0 {
		return nil, ErrEmptyList
	}
	if len(tokens)%2 != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrOddTokenCount, len(tokens))
	}

	values := make([]uint, len(tokens))
	for i, token := range tokens {
		v, err := strconv.ParseUint(token, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, token)
		}
		values[i] = uint(v)
	}

	bps := make(Breakpoints, 0, len(tokens)/2)
	for i := 0; i < len(values); i += 2 {
		if len(bps) > 0 && values[i] <= bps[len(bps)-1].Freq {
			return nil, fmt.Errorf("%w: %d after %d", ErrUnsorted, values[i], bps[len(bps)-1].Freq)
		}
		bps = append(bps, Breakpoint{Freq: values[i], Value: values[i+1]})
	}
	return bps, nil
}

// ParameterSet is one complete tuning profile. Values are immutable once
// published; writers clone, modify and store a new set.
type ParameterSet struct {
	// HispeedFreq of 0 resolves to the policy maximum of each domain.
	HispeedFreq   uint
	GoHispeedLoad uint
	TargetLoads   Breakpoints
	// AboveHispeedDelay values are microseconds.
	AboveHispeedDelay  Breakpoints
	MinSampleTime      time.Duration
	TimerRate          time.Duration
	SamplingDownFactor time.Duration
}

func DefaultParameterSet() *ParameterSet {
	return &ParameterSet{
		GoHispeedLoad:     DefaultGoHispeedLoad,
		TargetLoads:       Breakpoints{{Freq: 0, Value: DefaultTargetLoad}},
		AboveHispeedDelay: Breakpoints{{Freq: 0, Value: uint(DefaultAboveHispeedDelay.Microseconds())}},
		MinSampleTime:     DefaultMinSampleTime,
		TimerRate:         DefaultTimerRate,
	}
}

func (p *ParameterSet) clone() *ParameterSet {
	c := *p
	c.TargetLoads = slices.Clone(p.TargetLoads)
	c.AboveHispeedDelay = slices.Clone(p.AboveHispeedDelay)
	return &c
}

func (p *ParameterSet) targetLoad(freq uint) uint {
	return p.TargetLoads.Lookup(freq)
}

func (p *ParameterSet) aboveHispeedDelay(freq uint) time.Duration {
	return time.Duration(p.AboveHispeedDelay.Lookup(freq)) * time.Microsecond
}

// paramTable holds one ParameterSet per mode value and the index of the active one.
type paramTable struct {
	// outer is held exclusively while the active set is switched so a
	// concurrent single-set write never straddles a swap.
	outer  sync.RWMutex
	locks  [numParamSets]sync.Mutex
	sets   [numParamSets]atomic.Pointer[ParameterSet]
	active atomic.Uint32
}

func newParamTable() *paramTable {
	t := &paramTable{}
	for i := range t.sets {
		t.sets[i].Store(DefaultParameterSet())
	}
	return t
}

func (t *paramTable) Active() *ParameterSet {
	return t.sets[t.active.Load()].Load()
}

func (t *paramTable) ActiveIndex() uint {
	return uint(t.active.Load())
}

func (t *paramTable) Get(index uint) *ParameterSet {
	return t.sets[index].Load()
}

// Update applies fn to a copy of set index and publishes it. Nothing is
// published when fn fails.
func (t *paramTable) Update(index uint, fn func(p *ParameterSet) error) error {
	t.outer.RLock()
	defer t.outer.RUnlock()
	t.locks[index].Lock()
	defer t.locks[index].Unlock()

	next := t.sets[index].Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	t.sets[index].Store(next)
	return nil
}

func (t *paramTable) Activate(index uint) {
	t.outer.Lock()
	defer t.outer.Unlock()
	t.active.Store(uint32(index))
}

// globalTunables are the settings shared by every parameter set.
type globalTunables struct {
	// TimerSlack below zero disables the slack timer.
	TimerSlack             time.Duration
	BoostPulseDuration     time.Duration
	IOIsBusy               bool
	SyncFreq               uint
	UpThresholdAnyCPULoad  uint
	UpThresholdAnyCPUFreq  uint
	ScreenOffGoHispeedLoad uint

	SingleEnterLoad uint
	SingleExitLoad  uint
	MultiEnterLoad  uint
	MultiExitLoad   uint
	SingleEnterTime time.Duration
	SingleExitTime  time.Duration
	MultiEnterTime  time.Duration
	MultiExitTime   time.Duration
}

func defaultGlobalTunables() *globalTunables {
	return &globalTunables{
		TimerSlack:         DefaultTimerSlack,
		BoostPulseDuration: DefaultBoostPulseDuration,
		SingleEnterLoad:    DefaultSingleEnterLoad,
		SingleExitLoad:     DefaultSingleExitLoad,
		MultiEnterLoad:     DefaultMultiEnterLoad,
		MultiExitLoad:      DefaultMultiExitLoad,
		SingleEnterTime:    DefaultSingleEnterTime,
		SingleExitTime:     DefaultSingleExitTime,
		MultiEnterTime:     DefaultMultiEnterTime,
		MultiExitTime:      DefaultMultiExitTime,
	}
}
