package governor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
	"github.com/AMDEPYC/cpufreq-interactive/internal/metrics"
)

var (
	ErrNoDomains     = errors.New("no frequency domains")
	ErrUnknownCPU    = errors.New("cpu is not managed by the governor")
	ErrUnknownDomain = errors.New("unknown frequency domain")
	ErrEmptyTable    = errors.New("empty frequency table")
	ErrInvalidLimit  = errors.New("minimum frequency above maximum")
)

// Governor runs the interactive frequency policy on a set of domains.
type Governor struct {
	driver cpufreq.Driver
	idle   metrics.IdleTimeReader
	clock  clock.PassiveClock
	timers timerFactory
	log    logr.Logger

	recorder        Recorder
	auxNotifier     AuxPowerNotifier
	tickGranularity time.Duration
	modeClassifier  bool
	coordinatorNice *int

	// enableMu is held for writing while domains start, stop or change
	// limits. Every other path only tries to take it for reading.
	enableMu sync.RWMutex
	domains  []*domainState
	cores    map[uint]*coreState
	coreList []*coreState

	params     *paramTable
	paramIndex atomic.Uint32
	globalsMu  sync.Mutex
	globals    atomic.Pointer[globalTunables]

	boost     boostState
	modeMu    sync.Mutex
	mode      modeState
	screenOff atomic.Bool

	speedchange *speedChangeSet
	aux         *auxMailbox
	waitGroup   sync.WaitGroup
}

var _ manager.Runnable = &Governor{}

type Option func(g *Governor)

// WithClock replaces the wall clock and timer source.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(g *Governor) {
		g.clock = c
		g.timers = c
	}
}

func WithLogger(log logr.Logger) Option {
	return func(g *Governor) {
		g.log = log
	}
}

func WithRecorder(r Recorder) Option {
	return func(g *Governor) {
		g.recorder = r
	}
}

func WithAuxPowerNotifier(n AuxPowerNotifier) Option {
	return func(g *Governor) {
		g.auxNotifier = n
	}
}

// WithTickGranularity sets the resolution timer_rate is rounded up to.
func WithTickGranularity(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.tickGranularity = d
		}
	}
}

// WithModeClassifier enables or disables workload mode classification.
func WithModeClassifier(enabled bool) Option {
	return func(g *Governor) {
		g.modeClassifier = enabled
	}
}

// WithCoordinatorNice runs the speed-change coordinator on a dedicated thread
// with the given nice value.
func WithCoordinatorNice(nice int) Option {
	return func(g *Governor) {
		g.coordinatorNice = &nice
	}
}

// New creates a governor for domains. Every CPU may belong to one domain only.
func New(driver cpufreq.Driver, idle metrics.IdleTimeReader, domains []cpufreq.Domain, opts ...Option) (*Governor, error) {
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}

	g := &Governor{
		driver:          driver,
		idle:            idle,
		clock:           clock.RealClock{},
		timers:          clock.RealClock{},
		log:             ctrl.Log.WithName("governor"),
		recorder:        noopRecorder{},
		tickGranularity: DefaultTickGranularity,
		modeClassifier:  true,
		cores:           map[uint]*coreState{},
		params:          newParamTable(),
		speedchange:     newSpeedChangeSet(),
		aux:             newAuxMailbox(),
	}
	g.globals.Store(defaultGlobalTunables())
	for _, opt := range opts {
		opt(g)
	}

	for _, domain := range domains {
		if len(domain.CPUs) == 0 {
			return nil, fmt.Errorf("domain %d has no CPUs", domain.ID)
		}
		ds := &domainState{domain: domain}
		for _, cpu := range domain.CPUs {
			if _, dup := g.cores[cpu]; dup {
				return nil, fmt.Errorf("CPU %d appears in more than one domain", cpu)
			}
			pc := &coreState{cpu: cpu, domain: ds, timer: &coreTimer{}}
			ds.cores = append(ds.cores, pc)
			g.cores[cpu] = pc
			g.coreList = append(g.coreList, pc)
		}
		g.domains = append(g.domains, ds)
	}
	slices.SortFunc(g.coreList, func(a, b *coreState) int { return cmp.Compare(a.cpu, b.cpu) })

	return g, nil
}

// Start enables every domain and runs the governor until ctx is cancelled.
func (g *Governor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.waitGroup.Add(1)
	go g.runCoordinator(ctx)
	if g.auxNotifier != nil {
		g.waitGroup.Add(1)
		go g.runAuxNotifier(ctx)
	}

	var errs []error
	for _, ds := range g.domains {
		if err := g.startDomain(ds); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		cancel()
		g.stop()
		return errors.Join(errs...)
	}
	g.log.Info("governor started", "domains", len(g.domains), "cpus", len(g.coreList))

	<-ctx.Done()
	g.stop()
	return nil
}

// lockDomains takes the write side of enableMu.
func (g *Governor) lockDomains() {
	g.enableMu.Lock()
}

// unlockDomains releases enableMu and wakes the coordinator, which leaves
// domains it could not lock marked dirty.
func (g *Governor) unlockDomains() {
	g.enableMu.Unlock()
	g.speedchange.kick()
}

func (g *Governor) stop() {
	g.log.V(4).Info("stopping all domains")
	for _, ds := range g.domains {
		g.stopDomain(ds)
	}
	g.waitGroup.Wait()
	g.log.V(4).Info("successfully stopped all")
}

func (g *Governor) startDomain(ds *domainState) error {
	lead := ds.domain.CPUs[0]
	table, err := g.driver.FrequencyTable(lead)
	if err != nil {
		return fmt.Errorf("failed to read frequency table of %s: %w", ds.domain, err)
	}
	if len(table) == 0 {
		return fmt.Errorf("%s: %w", ds.domain, ErrEmptyTable)
	}
	minFreq, maxFreq, err := g.driver.Limits(lead)
	if err != nil {
		return fmt.Errorf("failed to read limits of %s: %w", ds.domain, err)
	}
	cur, err := g.driver.CurrentFrequency(lead)
	if err != nil {
		return fmt.Errorf("failed to read current frequency of %s: %w", ds.domain, err)
	}

	g.lockDomains()
	defer g.unlockDomains()

	ds.fullTable = table
	ds.minFreq = minFreq
	ds.maxFreq = maxFreq
	ds.table = table.Clip(minFreq, maxFreq)
	ds.curFreq.Store(uint64(cur))
	target, _ := ds.table.Target(cur, cpufreq.RelationL)

	now := g.clock.Now()
	for _, pc := range ds.cores {
		pc.targetMu.Lock()
		pc.setTarget(target)
		pc.floorFreq = target
		pc.floorValidateTime = now
		pc.hispeedValidateTime = now
		pc.minfreqBoost = false
		pc.targetMu.Unlock()
		pc.prevLoad.Store(0)
		pc.idle.Store(false)
		pc.enabled.Store(true)
		g.reschedule(pc)
	}
	g.log.V(4).Info("domain started", logKeyDomain, ds.domain.String(), logKeyFrequency, cur,
		"min", minFreq, "max", maxFreq)

	return nil
}

func (g *Governor) stopDomain(ds *domainState) {
	g.lockDomains()
	defer g.unlockDomains()

	for _, pc := range ds.cores {
		pc.enabled.Store(false)
		pc.timer.cancel()
		pc.reset()
	}
	g.log.V(4).Info("domain stopped", logKeyDomain, ds.domain.String())
}

// UpdateLimits applies new policy limits to the domain of cpu. Targets are
// clamped into the new range and the coordinator reapplies the domain.
func (g *Governor) UpdateLimits(cpu uint, minFreq, maxFreq uint) error {
	pc, found := g.cores[cpu]
	if !found {
		return fmt.Errorf("CPU %d: %w", cpu, ErrUnknownCPU)
	}
	if minFreq > maxFreq {
		return fmt.Errorf("%d > %d: %w", minFreq, maxFreq, ErrInvalidLimit)
	}
	ds := pc.domain

	g.lockDomains()
	maxRaised := maxFreq > ds.maxFreq
	minLowered := minFreq < ds.minFreq
	ds.minFreq = minFreq
	ds.maxFreq = maxFreq
	ds.table = ds.fullTable.Clip(minFreq, maxFreq)

	changed := false
	for _, member := range ds.cores {
		if !member.enabled.Load() {
			continue
		}
		member.targetMu.Lock()
		target := member.target()
		clamped := min(max(target, ds.table.Min()), ds.table.Max())
		if clamped != target {
			member.setTarget(clamped)
			changed = true
		}
		if minLowered {
			member.minfreqBoost = true
		}
		member.targetMu.Unlock()
		g.speedchange.mark(member.cpu)

		// a raised maximum needs a fresh window so the core can climb
		if maxRaised {
			member.timer.cancel()
			g.reschedule(member)
		}
	}
	g.unlockDomains()

	g.log.V(4).Info("limits updated", logKeyDomain, ds.domain.ID, "min", minFreq, "max", maxFreq, "clamped", changed)

	return nil
}

// CPUs returns the managed CPUs in ascending order.
func (g *Governor) CPUs() []uint {
	cpus := make([]uint, 0, len(g.coreList))
	for _, pc := range g.coreList {
		cpus = append(cpus, pc.cpu)
	}
	return cpus
}

func (g *Governor) Domains() []cpufreq.Domain {
	domains := make([]cpufreq.Domain, 0, len(g.domains))
	for _, ds := range g.domains {
		domains = append(domains, ds.domain)
	}
	return domains
}

// TargetFrequency returns the frequency the governor wants for cpu.
func (g *Governor) TargetFrequency(cpu uint) (uint, error) {
	pc, found := g.cores[cpu]
	if !found {
		return 0, fmt.Errorf("CPU %d: %w", cpu, ErrUnknownCPU)
	}
	return pc.target(), nil
}

// Load returns the last sampled load of cpu in percent of its target frequency.
func (g *Governor) Load(cpu uint) (uint, error) {
	pc, found := g.cores[cpu]
	if !found {
		return 0, fmt.Errorf("CPU %d: %w", cpu, ErrUnknownCPU)
	}
	return pc.load(), nil
}

// DomainFrequency returns the frequency last applied to the domain.
func (g *Governor) DomainFrequency(domainID uint) (uint, error) {
	for _, ds := range g.domains {
		if ds.domain.ID == domainID {
			return ds.current(), nil
		}
	}
	return 0, fmt.Errorf("domain %d: %w", domainID, ErrUnknownDomain)
}

// SetScreenOn switches go_hispeed_load between the screen-on and screen-off presets.
func (g *Governor) SetScreenOn(on bool) {
	g.screenOff.Store(!on)
	g.log.V(4).Info("screen state changed", "on", on)
}
