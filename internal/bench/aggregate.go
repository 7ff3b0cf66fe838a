package bench

import "sort"

// Aggregate summarizes repeated measurements of one quantity the way
// the original's SimpleAggregate does: sorted p50/p100 plus the mean.
type Aggregate struct {
	Avg  float64
	P50  float64
	P100 float64
}

// aggregate computes an Aggregate over vals, which must be non-empty.
func aggregate(vals []float64) Aggregate {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return Aggregate{
		Avg:  sum / float64(len(sorted)),
		P50:  sorted[len(sorted)/2],
		P100: sorted[len(sorted)-1],
	}
}
