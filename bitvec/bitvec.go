// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bitvec adapts github.com/RoaringBitmap/roaring to the compressed
// row-bitvector interface that the binned bitmap index builds on: bitwise
// OR, cardinality, serialize/deserialize, size adjustment, and an index-set
// iterator that distinguishes singleton rows from contiguous runs.
//
// spec.md §1 lists the compressed bitvector as an external collaborator and
// specifies only the operations it must support; this package is that
// collaborator's concrete home, grounded on erigon-lib's go.mod (the one
// repo in the retrieval pack that actually depends on RoaringBitmap/roaring
// for row-indexed bitmaps).
package bitvec

import (
	"io"

	"github.com/RoaringBitmap/roaring"
)

// Bitvector is a compressed bitmap over a fixed row space of size N.
//
// N is tracked alongside the roaring bitmap because roaring itself has no
// notion of a logical length -- a bitvector that has never had a bit past
// position k set still needs to report size N after Resize(N).
type Bitvector struct {
	bm *roaring.Bitmap
	n  uint64
}

// New returns an empty bitvector of length n rows.
func New(n uint64) *Bitvector {
	return &Bitvector{bm: roaring.New(), n: n}
}

// Len returns the logical row-space size.
func (v *Bitvector) Len() uint64 { return v.n }

// Resize pads or truncates the logical length to n. Bits beyond the new
// length are cleared; this never shrinks the underlying storage eagerly.
func (v *Bitvector) Resize(n uint64) {
	if n < v.n {
		v.bm.RemoveRange(n, v.n)
	}
	v.n = n
}

// Set marks row i.
func (v *Bitvector) Set(i uint64) {
	if i >= v.n {
		v.n = i + 1
	}
	v.bm.Add(uint32(i))
}

// Test reports whether row i is set.
func (v *Bitvector) Test(i uint64) bool { return v.bm.Contains(uint32(i)) }

// Cardinality returns the number of set bits (the popcount referenced
// throughout spec.md).
func (v *Bitvector) Cardinality() uint64 { return v.bm.GetCardinality() }

// Or computes the bitwise union of v and other in place on v.
func (v *Bitvector) Or(other *Bitvector) {
	v.bm.Or(other.bm)
	if other.n > v.n {
		v.n = other.n
	}
}

// OrOf returns a freshly allocated union of a run of bitvectors, used by
// BinIndex.Evaluate to combine the "hit" bins [hit0, hit1).
func OrOf(vs ...*Bitvector) *Bitvector {
	out := roaring.New()
	var n uint64
	for _, v := range vs {
		out.Or(v.bm)
		if v.n > n {
			n = v.n
		}
	}
	return &Bitvector{bm: out, n: n}
}

// Complement returns the logical complement of v within [0, n).
func (v *Bitvector) Complement(n uint64) *Bitvector {
	out := v.bm.Clone()
	out.Flip(0, n)
	return &Bitvector{bm: out, n: n}
}

// And returns the intersection of v and other as a new bitvector.
func (v *Bitvector) And(other *Bitvector) *Bitvector {
	out := roaring.And(v.bm, other.bm)
	n := v.n
	if other.n > n {
		n = other.n
	}
	return &Bitvector{bm: out, n: n}
}

// AndNot removes other's set bits from v in place, used by join
// evaluation's rolling window accumulator to drop a bin that has fallen
// out of the compatible range.
func (v *Bitvector) AndNot(other *Bitvector) {
	v.bm.AndNot(other.bm)
}

// AllOnes returns a bitvector with every row in [0,n) set -- the
// "give up on the index" fallback upper bound from spec.md §4.5.3.
func AllOnes(n uint64) *Bitvector {
	v := New(n)
	if n > 0 {
		v.bm.AddRange(0, n)
	}
	return v
}

// SerializedSizeInBytes estimates the on-disk footprint of v, used to
// weigh the "estimated work" computation in BinIndex.Evaluate.
func (v *Bitvector) SerializedSizeInBytes() uint64 {
	return uint64(v.bm.GetSerializedSizeInBytes())
}

// WriteTo serializes v's roaring bitmap, implementing io.WriterTo so a
// BinIndex can concatenate bin bitmaps directly into an index file.
func (v *Bitvector) WriteTo(w io.Writer) (int64, error) { return v.bm.WriteTo(w) }

// ReadFrom deserializes a bitmap previously produced by WriteTo. The
// caller is responsible for calling Resize afterwards with the row count
// recorded in the index header, since the serialized form carries no
// logical length.
func (v *Bitvector) ReadFrom(r io.Reader) (int64, error) {
	if v.bm == nil {
		v.bm = roaring.New()
	}
	return v.bm.ReadFrom(r)
}

// FromBytes deserializes a bitmap from an in-memory byte slice without a
// copy, the form used when the bytes come from an mmap'd storage region.
func FromBytes(buf []byte, n uint64) (*Bitvector, error) {
	bm := roaring.New()
	if _, err := bm.FromBuffer(buf); err != nil {
		return nil, err
	}
	return &Bitvector{bm: bm, n: n}, nil
}

// Run describes one contiguous span returned by Iterate.
type Run struct {
	Start uint64
	Len   uint64 // number of rows in the run; Len==1 is a singleton.
}

// Iterate walks the set bits of v in ascending order, grouping adjacent
// rows into runs so that callers such as EdgeRescan can special-case
// singleton positions versus contiguous ranges, per spec.md §1's
// requirement that the bitvector collaborator expose "index-set
// iteration distinguishing singleton positions from contiguous ranges".
func (v *Bitvector) Iterate(fn func(Run) bool) {
	it := v.bm.Iterator()
	if !it.HasNext() {
		return
	}
	runStart := uint64(it.Next())
	runLen := uint64(1)
	for it.HasNext() {
		next := uint64(it.Next())
		if next == runStart+runLen {
			runLen++
			continue
		}
		if !fn(Run{Start: runStart, Len: runLen}) {
			return
		}
		runStart, runLen = next, 1
	}
	fn(Run{Start: runStart, Len: runLen})
}

// Clone returns a deep copy of v.
func (v *Bitvector) Clone() *Bitvector {
	return &Bitvector{bm: v.bm.Clone(), n: v.n}
}
