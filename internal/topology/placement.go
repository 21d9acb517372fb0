package topology

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

var ErrUnknownCPU = errors.New("cpu not present in sysfs")

// SysfsPlacement reads CPU placement from the topology directory of each
// CPU under <sysRoot>/devices/system/cpu.
type SysfsPlacement struct {
	cpus map[uint]sysfs.CPU
}

func NewSysfsPlacement(sysRoot string) (*SysfsPlacement, error) {
	fsys, err := sysfs.NewFS(sysRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs at %s: %w", sysRoot, err)
	}
	cpus, err := fsys.CPUs()
	if err != nil {
		return nil, fmt.Errorf("failed to list CPUs: %w", err)
	}

	p := &SysfsPlacement{cpus: make(map[uint]sysfs.CPU, len(cpus))}
	for _, cpu := range cpus {
		id, err := strconv.ParseUint(cpu.Number(), 10, 32)
		if err != nil {
			continue
		}
		p.cpus[uint(id)] = cpu
	}
	return p, nil
}

// Lookup returns the placement of cpu. Kernels without die support report
// every CPU on die 0.
func (p *SysfsPlacement) Lookup(cpu uint) (Placement, error) {
	sysCPU, found := p.cpus[cpu]
	if !found {
		return Placement{}, fmt.Errorf("%w: %d", ErrUnknownCPU, cpu)
	}
	topo, err := sysCPU.Topology()
	if err != nil {
		return Placement{}, err
	}
	core, err := parseTopologyID(topo.CoreID)
	if err != nil {
		return Placement{}, fmt.Errorf("invalid core_id: %w", err)
	}
	pkg, err := parseTopologyID(topo.PhysicalPackageID)
	if err != nil {
		return Placement{}, fmt.Errorf("invalid physical_package_id: %w", err)
	}

	var die uint
	raw, err := os.ReadFile(filepath.Join(string(sysCPU), "topology", "die_id"))
	switch {
	case err == nil:
		if die, err = parseTopologyID(string(raw)); err != nil {
			return Placement{}, fmt.Errorf("invalid die_id: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Placement{}, err
	}

	return Placement{Core: core, Die: die, Package: pkg}, nil
}

// parseTopologyID parses a sysfs topology id. Platforms that cannot tell
// report -1, which maps to 0.
func parseTopologyID(raw string) (uint, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, nil
	}
	return uint(v), nil
}
