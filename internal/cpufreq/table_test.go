package cpufreq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTable(t *testing.T) {
	assert.Equal(t, Table{300, 600, 900}, NewTable([]uint{900, 0, 300, 600, 300}))
	assert.Empty(t, NewTable(nil))
}

func TestTableTarget(t *testing.T) {
	table := Table{300000, 600000, 900000, 1200000}

	for _, tc := range []struct {
		freq   uint
		rel    Relation
		result uint
	}{
		{freq: 600000, rel: RelationL, result: 600000},
		{freq: 600000, rel: RelationH, result: 600000},
		{freq: 670588, rel: RelationL, result: 900000},
		{freq: 670588, rel: RelationH, result: 600000},
		{freq: 0, rel: RelationL, result: 300000},
		{freq: 100, rel: RelationH, result: 300000},
		{freq: 5000000, rel: RelationL, result: 1200000},
		{freq: 5000000, rel: RelationH, result: 1200000},
	} {
		got, ok := table.Target(tc.freq, tc.rel)
		assert.True(t, ok)
		assert.Equal(t, tc.result, got, "freq %d relation %s", tc.freq, tc.rel)
	}

	_, ok := Table{}.Target(1, RelationL)
	assert.False(t, ok)
}

func TestTableClip(t *testing.T) {
	table := Table{300000, 600000, 900000, 1200000}

	assert.Equal(t, Table{600000, 900000}, table.Clip(500000, 1000000))
	assert.Equal(t, table, table.Clip(0, 2000000))
	assert.Equal(t, Table{600000}, table.Clip(650000, 700000))
	assert.True(t, table.Contains(900000))
	assert.False(t, table.Contains(800000))
	assert.Equal(t, uint(300000), table.Min())
	assert.Equal(t, uint(1200000), table.Max())
}

func TestSynthesizeTable(t *testing.T) {
	assert.Equal(t, Table{1000, 1500, 2000, 2200}, SynthesizeTable(1000, 2200, 500))
	assert.Equal(t, Table{1000, 2200}, SynthesizeTable(1000, 2200, 0))
	assert.Empty(t, SynthesizeTable(2200, 1000, 100))
}
