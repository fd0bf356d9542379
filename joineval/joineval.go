// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package joineval implements the range-join sketch of spec.md §4.7:
// walking two binned indexes under a |l - r| <= delta relation and
// emitting sure/iffy bin pairs into a caller-supplied sink.
package joineval

import "github.com/grailbio/bitbin/bitvec"

// BinRange is the type-parameter-free view binidx.Index[T] exposes of
// itself, letting Join compare two indexes whose column element types
// differ (e.g. an int32 column joined against a float64 one).
type BinRange interface {
	NOBS() int
	Bound(i int) float64 // upper bound of bin i (possibly +Inf for the last bin)
	Min(i int) float64
	Max(i int) float64
	BitsAt(i int) *bitvec.Bitvector
}

// PairSink receives each compatible (lBin, rBin) pair Join discovers.
// sure reports whether every value in lBin is within delta of every
// value in rBin (spec.md §4.7's "sure pairs"); otherwise the pair is
// "iffy" and the caller must verify individual rows before treating it
// as a match (e.g. via binidx.EdgeRescan on both sides).
type PairSink interface {
	Emit(lBin, rBin int, sure bool, lBits, rBits *bitvec.Bitvector)
	// EmitWindow is called once per L bin with the union of every R
	// bitvector currently compatible with it -- the rolling
	// OR-accumulator of spec.md §4.7, exposed so a caller building an
	// outer-product bitvector doesn't have to re-OR the window itself.
	EmitWindow(lBin int, rUnion *bitvec.Bitvector)
}

// Join walks l and r under the relation |lVal - rVal| <= delta (delta ==
// 0 is an equi-join), emitting every compatible bin pair to sink. Both l
// and r must have ascending, finite-except-last-bin Min/Max per bin
// (binidx.Index guarantees this).
//
// Implementation note: rLo/rHi are two-pointers into r that only ever
// advance as lBin increases (both ranges are monotonic in lBin because
// bin intervals are ascending), giving O(nobsL + nobsR) total pointer
// movement instead of an O(nobsL * nobsR) nested scan. acc is the
// rolling OR-accumulator named in spec.md §4.7: it tracks the union of
// r's bitvectors currently in the [rLo, rHi) window so advancing the
// window costs one Or/AndNot instead of re-unioning the whole window.
func Join(l, r BinRange, delta float64, sink PairSink) {
	nl, nr := l.NOBS(), r.NOBS()
	if nl == 0 || nr == 0 {
		return
	}

	rLo, rHi := 0, 0
	acc := bitvec.New(0)

	for i := 0; i < nl; i++ {
		lMin, lMax := l.Min(i), l.Max(i)

		for rLo < nr && r.Max(rLo) < lMin-delta {
			acc.AndNot(r.BitsAt(rLo))
			rLo++
		}
		if rHi < rLo {
			rHi = rLo
		}
		for rHi < nr && r.Min(rHi) <= lMax+delta {
			acc.Or(r.BitsAt(rHi))
			rHi++
		}

		lBits := l.BitsAt(i)
		for j := rLo; j < rHi; j++ {
			rMin, rMax := r.Min(j), r.Max(j)
			sure := (lMax-rMin) <= delta && (rMax-lMin) <= delta
			sink.Emit(i, j, sure, lBits, r.BitsAt(j))
		}
		sink.EmitWindow(i, acc)
	}
}
