package cpufreq

import (
	"slices"
)

// Relation selects how a requested frequency is resolved against a Table.
type Relation int

const (
	// RelationL resolves to the lowest step at or above the request.
	RelationL Relation = iota
	// RelationH resolves to the highest step at or below the request.
	RelationH
)

func (r Relation) String() string {
	if r == RelationH {
		return "H"
	}
	return "L"
}

// Table is an ascending list of distinct frequency steps in kHz.
type Table []uint

// NewTable sorts and de-duplicates freqs and drops zero entries.
func NewTable(freqs []uint) Table {
	t := make(Table, 0, len(freqs))
	for _, f := range freqs {
		if f != 0 {
			t = append(t, f)
		}
	}
	slices.Sort(t)
	return slices.Compact(t)
}

// SynthesizeTable builds evenly spaced steps between min and max for drivers
// that do not publish scaling_available_frequencies.
func SynthesizeTable(minFreq, maxFreq, step uint) Table {
	if maxFreq < minFreq || minFreq == 0 {
		return Table{}
	}
	if step == 0 {
		return NewTable([]uint{minFreq, maxFreq})
	}
	freqs := make([]uint, 0, (maxFreq-minFreq)/step+2)
	for f := minFreq; f < maxFreq; f += step {
		freqs = append(freqs, f)
	}
	freqs = append(freqs, maxFreq)
	return NewTable(freqs)
}

func (t Table) Min() uint {
	if len(t) == 0 {
		return 0
	}
	return t[0]
}

func (t Table) Max() uint {
	if len(t) == 0 {
		return 0
	}
	return t[len(t)-1]
}

func (t Table) Contains(freq uint) bool {
	_, found := slices.BinarySearch(t, freq)
	return found
}

// Target resolves freq to a table step using rel. When no step satisfies the
// relation the closest end of the table is returned. ok is false only for an
// empty table.
func (t Table) Target(freq uint, rel Relation) (uint, bool) {
	if len(t) == 0 {
		return 0, false
	}
	idx, found := slices.BinarySearch(t, freq)
	if found {
		return t[idx], true
	}
	switch rel {
	case RelationH:
		if idx == 0 {
			return t[0], true
		}
		return t[idx-1], true
	default:
		if idx == len(t) {
			return t[len(t)-1], true
		}
		return t[idx], true
	}
}

// Clip returns the steps within [minFreq, maxFreq]. If the range holds no step
// the step closest to maxFreq from below is kept so the result is never empty
// for a non-empty table.
func (t Table) Clip(minFreq, maxFreq uint) Table {
	clipped := make(Table, 0, len(t))
	for _, f := range t {
		if f >= minFreq && f <= maxFreq {
			clipped = append(clipped, f)
		}
	}
	if len(clipped) == 0 && len(t) > 0 {
		f, _ := t.Target(maxFreq, RelationH)
		clipped = append(clipped, f)
	}
	return clipped
}
