package governor

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
)

// domainState is the governor's view of one cpufreq policy. Table and limits
// only change under the write side of Governor.enableMu.
type domainState struct {
	domain  cpufreq.Domain
	cores   []*coreState
	curFreq atomic.Uint64

	fullTable cpufreq.Table
	table     cpufreq.Table
	minFreq   uint
	maxFreq   uint
}

func (ds *domainState) current() uint {
	return uint(ds.curFreq.Load())
}

// coreState is owned by the sampling path of one CPU.
type coreState struct {
	cpu    uint
	domain *domainState
	timer  *coreTimer

	enabled atomic.Bool
	idle    atomic.Bool

	// serialises samples of this core
	sampleMu sync.Mutex

	// loadMu guards the load accounting below.
	loadMu              sync.Mutex
	timeInIdle          time.Duration
	timeInIdleTimestamp time.Duration
	cputimeSpeedadj     uint64
	speedadjTimestamp   time.Duration

	// targetMu guards the frequency decision state below.
	targetMu            sync.Mutex
	floorFreq           uint
	floorValidateTime   time.Time
	hispeedValidateTime time.Time
	minfreqBoost        bool

	// mirrors readable by sibling cores without targetMu
	targetFreq atomic.Uint64
	prevLoad   atomic.Uint64
}

func (pc *coreState) target() uint {
	return uint(pc.targetFreq.Load())
}

// setTarget requires targetMu.
func (pc *coreState) setTarget(freq uint) {
	pc.targetFreq.Store(uint64(freq))
}

func (pc *coreState) load() uint {
	return uint(pc.prevLoad.Load())
}

func (pc *coreState) reset() {
	pc.loadMu.Lock()
	pc.timeInIdle = 0
	pc.timeInIdleTimestamp = 0
	pc.cputimeSpeedadj = 0
	pc.speedadjTimestamp = 0
	pc.loadMu.Unlock()

	pc.targetMu.Lock()
	pc.floorFreq = 0
	pc.floorValidateTime = time.Time{}
	pc.hispeedValidateTime = time.Time{}
	pc.minfreqBoost = false
	pc.setTarget(0)
	pc.targetMu.Unlock()

	pc.prevLoad.Store(0)
	pc.idle.Store(false)
}

// speedChangeSet collects the cores whose target moved since the coordinator
// last ran.
type speedChangeSet struct {
	mu    sync.Mutex
	dirty sets.Set[uint]
	wake  chan struct{}
}

func newSpeedChangeSet() *speedChangeSet {
	return &speedChangeSet{
		dirty: sets.New[uint](),
		wake:  make(chan struct{}, 1),
	}
}

func (s *speedChangeSet) mark(cpu uint) {
	s.mu.Lock()
	s.dirty.Insert(cpu)
	s.mu.Unlock()
}

func (s *speedChangeSet) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take returns the dirty cores in ascending order and clears the set.
func (s *speedChangeSet) take() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty.Len() == 0 {
		return nil
	}
	cpus := sets.List(s.dirty)
	s.dirty = sets.New[uint]()
	return cpus
}
