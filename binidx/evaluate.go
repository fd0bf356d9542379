// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package binidx

import (
	"context"
	"math"

	"github.com/grailbio/bitbin/binspec"
	"github.com/grailbio/bitbin/bitvec"
	"github.com/grailbio/bitbin/column"
	"github.com/grailbio/bitbin/typedarray"
)

// Predicate is a continuous range predicate over column values:
// lo OP1 x OP2 hi, generalized from spec.md §4.5.3's notation into two
// optional, independently inclusive bounds. An equality predicate is
// represented with HasLo == HasHi == true, Lo == Hi, both inclusive.
type Predicate struct {
	HasLo       bool
	Lo          float64
	LoInclusive bool
	HasHi       bool
	Hi          float64
	HiInclusive bool
}

// Equal returns a predicate matching x == v exactly.
func Equal(v float64) Predicate {
	return Predicate{HasLo: true, Lo: v, LoInclusive: true, HasHi: true, Hi: v, HiInclusive: true}
}

// Range returns a predicate matching lo <= x <= hi.
func Range(lo, hi float64) Predicate {
	return Predicate{HasLo: true, Lo: lo, LoInclusive: true, HasHi: true, Hi: hi, HiInclusive: true}
}

// isNaN reports whether p can never be satisfied because one of
// its bounds is NaN (spec.md §8: "predicate x = NaN always yields zero
// hits").
func (p Predicate) isNaN() bool {
	return (p.HasLo && math.IsNaN(p.Lo)) || (p.HasHi && math.IsNaN(p.Hi))
}

// giveUpFraction is the 75% threshold of spec.md §4.5.3 step 2.
const giveUpFraction = 0.75

// Result is the outcome of Evaluate/EvaluateBounds/EvaluateIn.
type Result struct {
	// Lower is the set of rows certain to satisfy the predicate.
	Lower *bitvec.Bitvector
	// Upper is a superset of Lower: rows that might satisfy the
	// predicate once edge bins are rescanned (or, on GaveUp, the whole
	// row space).
	Upper *bitvec.Bitvector
	// GaveUp reports that the index estimated more work than scanning
	// directly, per spec.md §4.5.3 step 2; Lower is all-zero and Upper
	// is all-ones, and the caller should fall back to a full scan.
	GaveUp bool
}

// Evaluate implements spec.md §4.5.3's full evaluation strategy: locate
// the four candidate/hit indices, estimate work, give up on the index if
// the estimate is too large, otherwise OR the fully-contained bins and
// rescan the two edges.
func Evaluate[T typedarray.Numeric](ctx context.Context, idx *Index[T], pred Predicate, reader column.Reader[T]) (Result, error) {
	n := uint64(idx.NRows)
	if pred.isNaN() {
		return Result{Lower: bitvec.New(n), Upper: bitvec.New(n)}, nil
	}
	nobs := idx.NOBS()
	if nobs == 0 {
		return Result{Lower: bitvec.New(n), Upper: bitvec.New(n)}, nil
	}

	cand0, cand1, hit0, hit1 := idx.locateRange(pred)

	estimate := idx.estimateWork(cand0, cand1)
	elementSize := sizeOfT[T]()
	if float64(estimate) > giveUpFraction*float64(idx.NRows)*float64(elementSize) {
		return Result{Lower: bitvec.New(n), Upper: bitvec.AllOnes(n), GaveUp: true}, nil
	}

	lower := bitvec.New(n)
	if hit1 > hit0 {
		lower.Or(bitvec.OrOf(idx.Bits[hit0:hit1]...))
	}

	if hit0 > cand0 {
		hits, err := EdgeRescan(ctx, idx, cand0, idx.Bits[cand0], pred, reader)
		if err != nil {
			return Result{}, err
		}
		lower.Or(hits)
	}
	if hit1 < cand1 {
		hits, err := EdgeRescan(ctx, idx, hit1, idx.Bits[hit1], pred, reader)
		if err != nil {
			return Result{}, err
		}
		lower.Or(hits)
	}

	upper := lower.Clone()
	if hit0 > cand0 {
		upper.Or(idx.Bits[cand0])
	}
	if hit1 < cand1 {
		upper.Or(idx.Bits[hit1])
	}

	return Result{Lower: lower, Upper: upper}, nil
}

// EvaluateBounds implements the estimate-only variant of spec.md
// §4.5.3: Lower is the certain-hit set, Upper = Lower ∪ edge bins,
// without rescanning the edges.
func EvaluateBounds[T typedarray.Numeric](idx *Index[T], pred Predicate) Result {
	n := uint64(idx.NRows)
	if pred.isNaN() || idx.NOBS() == 0 {
		return Result{Lower: bitvec.New(n), Upper: bitvec.New(n)}
	}
	cand0, cand1, hit0, hit1 := idx.locateRange(pred)

	lower := bitvec.New(n)
	if hit1 > hit0 {
		lower.Or(bitvec.OrOf(idx.Bits[hit0:hit1]...))
	}
	upper := lower.Clone()
	if hit0 > cand0 {
		upper.Or(idx.Bits[cand0])
	}
	if hit1 < cand1 {
		upper.Or(idx.Bits[hit1])
	}
	return Result{Lower: lower, Upper: upper}
}

// EvaluateIn implements the discrete IN-list path: locate each value,
// deduplicate the resulting bins, OR them together into Upper. A located
// bin contributes to Lower only when its observed min and max both equal
// the listed value, since only then is every row in it a certain hit.
// There is no edge rescan here -- callers needing exact equality against
// a bin holding several distinct values should use Evaluate with an
// Equal predicate instead.
func EvaluateIn[T typedarray.Numeric](idx *Index[T], values []float64) Result {
	n := uint64(idx.NRows)
	nobs := idx.NOBS()
	if nobs == 0 {
		return Result{Lower: bitvec.New(n), Upper: bitvec.New(n)}
	}
	seen := make(map[int]bool)
	var bins []*bitvec.Bitvector
	lower := bitvec.New(n)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		k := binspec.Locate(idx.Bounds, v)
		if idx.MinVal[k] == v && idx.MaxVal[k] == v {
			lower.Or(idx.Bits[k])
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		bins = append(bins, idx.Bits[k])
	}
	upper := bitvec.New(n)
	if len(bins) > 0 {
		upper.Or(bitvec.OrOf(bins...))
	}
	return Result{Lower: lower, Upper: upper}
}

// locateRange computes cand0 <= hit0 <= hit1 <= cand1 per spec.md
// §4.5.3: [hit0,hit1) bins are entirely inside the predicate;
// [cand0,hit0) and [hit1,cand1) are the (at most one each) partial edge
// bins that need rescanning.
func (idx *Index[T]) locateRange(pred Predicate) (cand0, cand1, hit0, hit1 int) {
	nobs := idx.NOBS()
	bin0, bin1 := 0, nobs-1
	if pred.HasLo {
		bin0 = binspec.Locate(idx.Bounds, pred.Lo)
	}
	if pred.HasHi {
		bin1 = binspec.Locate(idx.Bounds, pred.Hi)
	}
	cand0 = bin0
	cand1 = bin1 + 1
	if cand1 > nobs {
		cand1 = nobs
	}

	hit0 = cand0
	if !idx.fullySatisfiesLower(cand0, pred) {
		hit0 = cand0 + 1
		if hit0 > cand1 {
			hit0 = cand1
		}
	}
	hit1 = cand1
	if cand1-1 >= 0 && !idx.fullySatisfiesUpper(cand1-1, pred) {
		hit1 = cand1 - 1
		if hit1 < hit0 {
			hit1 = hit0
		}
	}
	return cand0, cand1, hit0, hit1
}

func (idx *Index[T]) fullySatisfiesLower(bin int, pred Predicate) bool {
	if !pred.HasLo || bin < 0 || bin >= idx.NOBS() {
		return true
	}
	min := idx.MinVal[bin]
	if pred.LoInclusive {
		return min >= pred.Lo
	}
	return min > pred.Lo
}

func (idx *Index[T]) fullySatisfiesUpper(bin int, pred Predicate) bool {
	if !pred.HasHi || bin < 0 || bin >= idx.NOBS() {
		return true
	}
	max := idx.MaxVal[bin]
	if pred.HiInclusive {
		return max <= pred.Hi
	}
	return max < pred.Hi
}

// estimateWork implements spec.md §4.5.3 step 1: sum the serialized size
// of bins in [cand0,cand1), or its complement across all bins if that is
// cheaper, whichever is smaller.
func (idx *Index[T]) estimateWork(cand0, cand1 int) uint64 {
	var inRange, total uint64
	for i, b := range idx.Bits {
		sz := b.SerializedSizeInBytes()
		total += sz
		if i >= cand0 && i < cand1 {
			inRange += sz
		}
	}
	outRange := total - inRange
	if outRange < inRange {
		return outRange
	}
	return inRange
}
