// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package binidx

import (
	"context"

	"github.com/grailbio/bitbin/bitvec"
	"github.com/grailbio/bitbin/column"
	"github.com/grailbio/bitbin/typedarray"
)

// EdgeRescan implements spec.md §4.6: given bin k and a mask of rows to
// consider, return the subset of those rows whose column value satisfies
// pred. Path A (sidecar) is used when idx was built with reorder=true;
// otherwise path B asks reader for the raw values.
func EdgeRescan[T typedarray.Numeric](ctx context.Context, idx *Index[T], bin int, mask *bitvec.Bitvector, pred Predicate, reader column.Reader[T]) (*bitvec.Bitvector, error) {
	out := bitvec.New(uint64(idx.NRows))
	if bin < 0 || bin >= idx.NOBS() {
		return out, nil
	}

	if idx.sidecar != nil && idx.sidecar[bin] != nil {
		return rescanSidecar(idx, bin, mask, pred, out), nil
	}
	return rescanRaw(ctx, idx, bin, mask, pred, reader, out)
}

// rescanSidecar implements path A: the sidecar's values for bin are in
// the same row-order as bits[bin]'s index-set iteration (spec.md §6.2),
// so values and set-bit positions are walked in lockstep.
func rescanSidecar[T typedarray.Numeric](idx *Index[T], bin int, mask *bitvec.Bitvector, pred Predicate, out *bitvec.Bitvector) *bitvec.Bitvector {
	values := idx.sidecar[bin]
	j := 0
	idx.Bits[bin].Iterate(func(r bitvec.Run) bool {
		for row := r.Start; row < r.Start+r.Len; row++ {
			if j >= len(values) {
				return false
			}
			v := values[j]
			j++
			if mask.Test(row) && predicateMatches(pred, float64(v)) {
				out.Set(row)
			}
		}
		return true
	})
	return out
}

// rescanRaw implements path B: fetch the masked rows' values directly
// from the column/partition collaborator.
func rescanRaw[T typedarray.Numeric](ctx context.Context, idx *Index[T], bin int, mask *bitvec.Bitvector, pred Predicate, reader column.Reader[T], out *bitvec.Bitvector) (*bitvec.Bitvector, error) {
	if reader == nil {
		return out, nil
	}
	var rows []uint32
	mask.Iterate(func(r bitvec.Run) bool {
		for row := r.Start; row < r.Start+r.Len; row++ {
			rows = append(rows, uint32(row))
		}
		return true
	})
	if len(rows) == 0 {
		return out, nil
	}
	values, err := reader.ReadRows(ctx, rows)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if predicateMatches(pred, float64(values[i])) {
			out.Set(uint64(row))
		}
	}
	return out, nil
}

func predicateMatches(pred Predicate, v float64) bool {
	if pred.HasLo {
		if pred.LoInclusive {
			if v < pred.Lo {
				return false
			}
		} else if v <= pred.Lo {
			return false
		}
	}
	if pred.HasHi {
		if pred.HiInclusive {
			if v > pred.Hi {
				return false
			}
		} else if v >= pred.Hi {
			return false
		}
	}
	return true
}
