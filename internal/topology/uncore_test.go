package topology

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/AMDEPYC/cpufreq-interactive/pkg/testutils"
)

func TestUncoreNotifier(t *testing.T) {
	host, top := testutils.NewMockHost(0)
	retained := &testutils.MockUncore{Name: "retained"}
	relaxed := &testutils.MockUncore{Name: "relaxed"}
	top.On("SetUncore", retained).Return(nil)
	top.On("SetUncore", relaxed).Return(errors.New("esmi busy"))

	notifier := NewUncoreNotifier(host, retained, relaxed, logr.Discard())

	assert.NoError(t, notifier.EnterAuxPowerState())
	err := notifier.ExitAuxPowerState()
	assert.ErrorContains(t, err, "esmi busy")
	top.AssertNumberOfCalls(t, "SetUncore", 2)
}
