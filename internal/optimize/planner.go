package optimize

// Interleave moduli. A modulus of 2 splits entries evenly between the two
// insertion passes and packs buckets full; 9 puts five of every nine
// entries in the first pass and packs them to about 90%.
const (
	ModulusDense  = 2
	ModulusSparse = 9
)

// Fill-rate thresholds below or above which a chain is treated as
// sequentially loaded and packed densely.
const (
	sequentialFillBelow = 0.55
	sequentialFillAbove = 0.95
)

// Plan is the rebuild decision for one container.
type Plan struct {
	Modulus     int
	AverageFill float64
	MedianFill  float64
}

// PlanRebuild picks the interleave modulus from the fill distribution.
func PlanRebuild(d Distribution, capacity int) Plan {
	p := Plan{
		AverageFill: d.AverageFill(capacity),
		MedianFill:  d.MedianFill(capacity),
	}
	if p.AverageFill < sequentialFillBelow || p.MedianFill < sequentialFillBelow || p.MedianFill > sequentialFillAbove {
		p.Modulus = ModulusDense
	} else {
		p.Modulus = ModulusSparse
	}
	return p
}
