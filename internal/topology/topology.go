package topology

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	"github.com/intel/power-optimization-library/pkg/power"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
)

var (
	ErrNoCPUs            = errors.New("host reports no CPUs")
	ErrOverlappingDomain = errors.New("cpu belongs to more than one frequency domain")
)

// Placement locates a CPU in the package/die/core hierarchy.
type Placement struct {
	Core    uint
	Die     uint
	Package uint
}

// Topology is the governed view of the host: its clock domains and where
// each CPU sits.
type Topology struct {
	Domains   []cpufreq.Domain
	Placement map[uint]Placement
}

// CPUs returns all placed CPU ids in ascending order.
func (t *Topology) CPUs() []uint {
	cpus := make([]uint, 0, len(t.Placement))
	for cpu := range t.Placement {
		cpus = append(cpus, cpu)
	}
	slices.Sort(cpus)
	return cpus
}

// RelatedCPUsFunc lists the CPUs sharing a frequency policy with cpu.
type RelatedCPUsFunc func(cpu uint) ([]uint, error)

// PlacementFunc locates cpu in the package/die/core hierarchy.
type PlacementFunc func(cpu uint) (Placement, error)

// Discover groups the online CPUs of host into frequency domains. Each
// domain is named after its lowest CPU, which is also the policy owner in
// sysfs. Related CPUs unknown to host (offline) are left out.
func Discover(host power.Host, related RelatedCPUsFunc, placement PlacementFunc, log logr.Logger) (*Topology, error) {
	topo := &Topology{Placement: map[uint]Placement{}}
	if cpus := host.GetAllCpus(); cpus != nil {
		for _, cpu := range cpus.IDs() {
			p, err := placement(cpu)
			if err != nil {
				return nil, fmt.Errorf("failed to place CPU %d: %w", cpu, err)
			}
			topo.Placement[cpu] = p
		}
	}
	if len(topo.Placement) == 0 {
		return nil, ErrNoCPUs
	}

	known := sets.KeySet(topo.Placement)
	assigned := sets.New[uint]()
	for _, cpu := range topo.CPUs() {
		if assigned.Has(cpu) {
			continue
		}
		ids, err := related(cpu)
		if err != nil {
			return nil, fmt.Errorf("failed to read frequency domain of CPU %d: %w", cpu, err)
		}
		members := known.Intersection(sets.New(ids...))
		members.Insert(cpu)
		if overlap := assigned.Intersection(members); overlap.Len() > 0 {
			return nil, fmt.Errorf("%w: %v", ErrOverlappingDomain, sets.List(overlap))
		}
		assigned = assigned.Union(members)

		cpus := sets.List(members)
		topo.Domains = append(topo.Domains, cpufreq.Domain{ID: cpus[0], CPUs: cpus})
	}
	slices.SortFunc(topo.Domains, func(a, b cpufreq.Domain) int {
		return cmp.Compare(a.ID, b.ID)
	})

	log.V(4).Info("topology discovered", "cpus", len(topo.Placement), "domains", len(topo.Domains))
	for _, domain := range topo.Domains {
		log.V(5).Info("frequency domain", "domain", domain.String())
	}
	return topo, nil
}
