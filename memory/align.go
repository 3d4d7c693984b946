package memory

import "golang.org/x/exp/constraints"

func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

func AlignDown[I constraints.Integer](a, b I) I {
	return a &^ (b - 1)
}

func calcOverlap(min1, max1, min2, max2 uint64) (uint64, uint64, bool) {
	if max1 <= min2 || max2 <= min1 {
		return 0, 0, false
	}
	overlapMin := max(min1, min2)
	overlapMax := min(max1, max2)
	return overlapMin, overlapMax, true
}

func Overlap(a, b MemRegion) (MemRegion, bool) {
	start, end, ok := calcOverlap(a.Addr, a.End(), b.Addr, b.End())
	if !ok {
		return MemRegion{}, false
	}
	return MemRegion{Addr: start, Size: end - start}, true
}
