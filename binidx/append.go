// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package binidx

import (
	"context"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bitbin/binspec"
	"github.com/grailbio/bitbin/bitvec"
	"github.com/grailbio/bitbin/column"
	"github.com/grailbio/bitbin/typedarray"
)

// Append implements spec.md §4.5.4: extend idx in place with nnew rows
// described by newCol/newArr, reusing idx's existing bin boundaries.
// Not safe for concurrent use -- callers must ensure single-writer
// access, per the open question resolved in DESIGN.md.
func (idx *Index[T]) Append(ctx context.Context, newCol *column.Column[T], newArr *typedarray.Array[T]) error {
	if idx.NOBS() == 0 {
		return errors.E(errors.Invalid, "binidx: Append on an empty index; rebuild instead")
	}

	tmp := &Index[T]{
		ColType: idx.ColType,
		NRows:   newCol.RowCount,
		Bounds:  append([]float64(nil), idx.Bounds...),
	}
	nobs := idx.NOBS()
	tmp.MinVal = make([]float64, nobs)
	tmp.MaxVal = make([]float64, nobs)
	tmp.Bits = make([]*bitvec.Bitvector, nobs)
	for i := range tmp.MinVal {
		tmp.MinVal[i] = math.Inf(1)
		tmp.MaxVal[i] = math.Inf(-1)
		tmp.Bits[i] = bitvec.New(uint64(newCol.RowCount))
	}
	var newSidecar [][]T
	if idx.sidecar != nil {
		newSidecar = make([][]T, nobs)
	}
	newCol.Live.Iterate(func(r bitvec.Run) bool {
		for i := r.Start; i < r.Start+r.Len; i++ {
			v := newArr.At(int(i))
			k := binspec.Locate(tmp.Bounds, float64(v))
			if k >= nobs {
				continue
			}
			tmp.Bits[k].Set(i)
			if newSidecar != nil {
				newSidecar[k] = append(newSidecar[k], v)
			}
			fv := float64(v)
			if fv < tmp.MinVal[k] {
				tmp.MinVal[k] = fv
			}
			if fv > tmp.MaxVal[k] {
				tmp.MaxVal[k] = fv
			}
		}
		return true
	})

	// spec.md §4.5.4: refuse if either end bin's combined (old+new)
	// weight exceeds 2x the mean bin weight of the merged index -- a
	// sign the new rows' range no longer fits the existing boundaries.
	meanWeight := float64(idx.NRows+newCol.RowCount) / float64(nobs)
	loWeight := float64(idx.Bits[0].Cardinality() + tmp.Bits[0].Cardinality())
	hiWeight := float64(idx.Bits[nobs-1].Cardinality() + tmp.Bits[nobs-1].Cardinality())
	if loWeight > 2*meanWeight || hiWeight > 2*meanWeight {
		return errors.E(errors.Invalid, "binidx: Append end-bin weight exceeds threshold, rebuild required")
	}

	for i := 0; i < nobs; i++ {
		appended := bitvec.New(uint64(idx.NRows + newCol.RowCount))
		idx.Bits[i].Iterate(func(r bitvec.Run) bool {
			for row := r.Start; row < r.Start+r.Len; row++ {
				appended.Set(row)
			}
			return true
		})
		tmp.Bits[i].Iterate(func(r bitvec.Run) bool {
			for row := r.Start; row < r.Start+r.Len; row++ {
				appended.Set(uint64(idx.NRows) + row)
			}
			return true
		})
		idx.Bits[i] = appended
		if newSidecar != nil {
			idx.sidecar[i] = append(idx.sidecar[i], newSidecar[i]...)
		}
		if tmp.MinVal[i] < idx.MinVal[i] {
			idx.MinVal[i] = tmp.MinVal[i]
		}
		if tmp.MaxVal[i] > idx.MaxVal[i] {
			idx.MaxVal[i] = tmp.MaxVal[i]
		}
	}
	idx.NRows += newCol.RowCount
	return nil
}
