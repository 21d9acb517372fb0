package cpufreq

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupFakeSysfs lays out cpufreq files for each cpu under a temp dir and
// points getCPUFreqPathFunction at it.
func setupFakeSysfs(t *testing.T, files map[uint]map[string]string) string {
	root := t.TempDir()
	for cpu, resources := range files {
		dir := filepath.Join(root, fmt.Sprintf("cpu%d", cpu))
		require.NoError(t, os.MkdirAll(dir, 0755))
		for resource, content := range resources {
			require.NoError(t, os.WriteFile(filepath.Join(dir, resource), []byte(content), 0644))
		}
	}

	originalGetCPUFreqPath := getCPUFreqPathFunction
	getCPUFreqPathFunction = func(cpu uint, resource string) string {
		return filepath.Join(root, fmt.Sprintf("cpu%d", cpu), resource)
	}
	t.Cleanup(func() { getCPUFreqPathFunction = originalGetCPUFreqPath })

	return root
}

func readFake(t *testing.T, root string, cpu uint, resource string) string {
	data, err := os.ReadFile(filepath.Join(root, fmt.Sprintf("cpu%d", cpu), resource))
	require.NoError(t, err)
	return string(data)
}

func TestGetCPUFreqPath(t *testing.T) {
	assert.Equal(t, "/sys/devices/system/cpu/cpu3/cpufreq/scaling_setspeed", getCPUFreqPath(3, "scaling_setspeed"))
}

func TestGetCurrentGovernor(t *testing.T) {
	setupFakeSysfs(t, map[uint]map[string]string{
		0: {"scaling_governor": "userspace\n"},
		1: {"scaling_governor": "powersave\n"},
	})

	governor, err := getCurrentGovernor(0)
	require.NoError(t, err)
	assert.Equal(t, "userspace", governor)

	isUserspace, err := isUserspaceGovernor(1)
	require.NoError(t, err)
	assert.False(t, isUserspace)

	_, err = getCurrentGovernor(7)
	assert.Error(t, err)
}

func TestEnsureUserspaceGovernor(t *testing.T) {
	root := setupFakeSysfs(t, map[uint]map[string]string{
		0: {"scaling_governor": "schedutil\n"},
	})
	drv := NewSysfsDriver(0, logr.Discard())

	require.NoError(t, drv.EnsureUserspaceGovernor(0))
	assert.Equal(t, "userspace", readFake(t, root, 0, "scaling_governor"))
}

func TestSetFrequency(t *testing.T) {
	root := setupFakeSysfs(t, map[uint]map[string]string{
		0: {
			"scaling_governor":              "userspace\n",
			"scaling_available_frequencies": "300000 600000 900000 1200000\n",
			"scaling_setspeed":              "",
		},
		2: {
			"scaling_governor":              "performance\n",
			"scaling_available_frequencies": "300000 600000\n",
			"scaling_setspeed":              "",
		},
	})
	drv := NewSysfsDriver(0, logr.Discard())

	applied, err := drv.SetFrequency(Domain{ID: 0, CPUs: []uint{0, 1}}, 1000000, RelationH)
	require.NoError(t, err)
	assert.Equal(t, uint(900000), applied)
	assert.Equal(t, "900000", readFake(t, root, 0, "scaling_setspeed"))

	_, err = drv.SetFrequency(Domain{ID: 2, CPUs: []uint{2}}, 300000, RelationL)
	assert.ErrorIs(t, err, ErrNotUserspace)

	_, err = drv.SetFrequency(Domain{ID: 4}, 300000, RelationL)
	assert.Error(t, err)
}

func TestCurrentFrequencyAndLimits(t *testing.T) {
	setupFakeSysfs(t, map[uint]map[string]string{
		0: {
			"scaling_cur_freq": "2000000\n",
			"scaling_min_freq": "400000\n",
			"scaling_max_freq": "3700000\n",
		},
		1: {"scaling_cur_freq": "garbage\n"},
	})
	drv := NewSysfsDriver(0, logr.Discard())

	freq, err := drv.CurrentFrequency(0)
	require.NoError(t, err)
	assert.Equal(t, uint(2000000), freq)

	minFreq, maxFreq, err := drv.Limits(0)
	require.NoError(t, err)
	assert.Equal(t, uint(400000), minFreq)
	assert.Equal(t, uint(3700000), maxFreq)

	_, err = drv.CurrentFrequency(1)
	assert.Error(t, err)
}

func TestFrequencyTable(t *testing.T) {
	setupFakeSysfs(t, map[uint]map[string]string{
		0: {"scaling_available_frequencies": "1200000 300000 600000 600000\n"},
		1: {
			"cpuinfo_min_freq": "1000000\n",
			"cpuinfo_max_freq": "1450000\n",
		},
		2: {"scaling_available_frequencies": "300000 fast\n"},
	})
	drv := NewSysfsDriver(200000, logr.Discard())

	table, err := drv.FrequencyTable(0)
	require.NoError(t, err)
	assert.Equal(t, Table{300000, 600000, 1200000}, table)

	table, err = drv.FrequencyTable(1)
	require.NoError(t, err)
	assert.Equal(t, Table{1000000, 1200000, 1400000, 1450000}, table)

	_, err = drv.FrequencyTable(2)
	assert.Error(t, err)
}

func TestRelatedCPUs(t *testing.T) {
	setupFakeSysfs(t, map[uint]map[string]string{
		0: {"related_cpus": "0 1 2 3\n"},
		4: {"related_cpus": "\n"},
	})
	drv := NewSysfsDriver(0, logr.Discard())

	cpus, err := drv.RelatedCPUs(0)
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 1, 2, 3}, cpus)

	cpus, err = drv.RelatedCPUs(4)
	require.NoError(t, err)
	assert.Equal(t, []uint{4}, cpus)
}
