package topology

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/intel/power-optimization-library/pkg/power"
)

// UncoreNotifier switches the host uncore frequency range when the governor
// enters or leaves a special workload mode.
type UncoreNotifier struct {
	host     power.Host
	retained power.Uncore
	relaxed  power.Uncore
	log      logr.Logger
}

// NewUncoreNotifier applies retained while any special mode is active and
// relaxed otherwise.
func NewUncoreNotifier(host power.Host, retained, relaxed power.Uncore, log logr.Logger) *UncoreNotifier {
	return &UncoreNotifier{
		host:     host,
		retained: retained,
		relaxed:  relaxed,
		log:      log,
	}
}

// NewUncoreRange builds an uncore frequency range in kHz.
func NewUncoreRange(minFreq, maxFreq uint) (power.Uncore, error) {
	uncore, err := power.NewUncore(minFreq, maxFreq)
	if err != nil {
		return nil, fmt.Errorf("failed to create uncore range %d-%d: %w", minFreq, maxFreq, err)
	}
	return uncore, nil
}

func (n *UncoreNotifier) EnterAuxPowerState() error {
	n.log.V(4).Info("retaining uncore frequency")
	return n.apply(n.retained)
}

func (n *UncoreNotifier) ExitAuxPowerState() error {
	n.log.V(4).Info("relaxing uncore frequency")
	return n.apply(n.relaxed)
}

func (n *UncoreNotifier) apply(uncore power.Uncore) error {
	if err := n.host.Topology().SetUncore(uncore); err != nil {
		return fmt.Errorf("failed to set uncore frequency: %w", err)
	}
	return nil
}
