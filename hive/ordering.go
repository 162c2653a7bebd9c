package hive

import (
	"math"
	"sort"

	"github.com/maxpert/hive/cell"
)

// DeviationThreshold is how far a two-cell hive's load gap may drift from
// the advertised gap before the minor version moves
const DeviationThreshold = 0.01

// orderByLoad sorts cells by observed load ascending. Ties keep the id
// order of the input.
func orderByLoad(cells []*cell.Record) []*cell.Record {
	ordered := make([]*cell.Record, len(cells))
	copy(ordered, cells)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ObservedLoad() < ordered[j].ObservedLoad()
	})
	return ordered
}

func idsOf(cells []*cell.Record) []cell.ID {
	ids := make([]cell.ID, len(cells))
	for i, c := range cells {
		ids[i] = c.ID
	}
	return ids
}

func sameIDs(a, b []cell.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// pairDeviation compares the observed load gap of two ordered cells with
// their advertised gap
func pairDeviation(ordered []*cell.Record) float64 {
	observed := ordered[1].ObservedLoad() - ordered[0].ObservedLoad()
	advertised := ordered[1].AdvertisedLoad() - ordered[0].AdvertisedLoad()
	return math.Abs(observed - advertised)
}
