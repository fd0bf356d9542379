// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package binidx

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bitbin/bitvec"
	"github.com/grailbio/bitbin/column"
	"github.com/grailbio/bitbin/typedarray"
)

var magic = [6]byte{'#', 'I', 'B', 'I', 'S', 0}

// twoGiB is the offsize dispatch threshold of spec.md §4.5.2.
const twoGiB = 2 << 30

// headerFixedSize is magic(6) + kind(1) + offsize(1) + nrows(4) + nobs(4),
// before 8-byte alignment padding.
const headerFixedSize = 6 + 1 + 1 + 4 + 4

func align8(n int64) int64 { return (n + 7) &^ 7 }

// Write serializes idx to w in the bit-exact layout of spec.md §4.5.2. It
// computes the offset table by first serializing every bitmap to measure
// its size, then emitting the header, then the bitmaps themselves, so a
// plain sequential io.Writer suffices.
func (idx *Index[T]) Write(w io.Writer) error {
	nobs := idx.NOBS()

	// Pass 1: serialize bitmaps into memory to learn their sizes (and
	// avoid seeking backward on a plain io.Writer).
	serialized := make([][]byte, nobs)
	var bitsTotal int64
	for i, b := range idx.Bits {
		buf := &bytes.Buffer{}
		if _, err := b.WriteTo(buf); err != nil {
			return errors.E(errors.Integrity, err, "binidx: serialize bin", i)
		}
		serialized[i] = buf.Bytes()
		bitsTotal += int64(len(serialized[i]))
	}

	offsetsStart := align8(headerFixedSize)
	offsize := 4
	// Total file size estimate for the offsize dispatch: header +
	// offsets (assume 8 first, corrected below if it fits in 4) + bounds
	// tables + bitmaps.
	estTotal := offsetsStart + int64(8*(nobs+1)) + align8(0) + int64(24*nobs) + bitsTotal
	if estTotal >= twoGiB {
		offsize = 8
	}

	offsetsBytes := int64(offsize) * int64(nobs+1)
	boundsStart := align8(offsetsStart + offsetsBytes)
	bitmapsStart := boundsStart + int64(24*nobs) // bounds+maxval+minval, f64 each

	offsets := make([]int64, nobs+1)
	cur := bitmapsStart
	for i := 0; i < nobs; i++ {
		offsets[i] = cur
		cur += int64(len(serialized[i]))
	}
	offsets[nobs] = cur

	var hdr []byte
	hdr = append(hdr, magic[:]...)
	hdr = append(hdr, byte(KindBinning))
	hdr = append(hdr, byte(offsize))
	hdr = appendU32(hdr, uint32(idx.NRows))
	hdr = appendU32(hdr, uint32(nobs))
	hdr = padTo(hdr, offsetsStart)
	for _, off := range offsets {
		if offsize == 8 {
			hdr = appendU64(hdr, uint64(off))
		} else {
			hdr = appendU32(hdr, uint32(off))
		}
	}
	hdr = padTo(hdr, boundsStart)
	for _, v := range idx.Bounds {
		hdr = appendF64(hdr, v)
	}
	for _, v := range idx.MaxVal {
		hdr = appendF64(hdr, v)
	}
	for _, v := range idx.MinVal {
		hdr = appendF64(hdr, v)
	}

	if _, err := w.Write(hdr); err != nil {
		return errors.E(errors.Integrity, err, "binidx: write header")
	}
	for i, b := range serialized {
		if _, err := w.Write(b); err != nil {
			return errors.E(errors.Integrity, err, "binidx: write bin", i)
		}
	}
	return nil
}

func padTo(b []byte, target int64) []byte {
	for int64(len(b)) < target {
		b = append(b, 0)
	}
	return b
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendF64(b []byte, v float64) []byte {
	return appendU64(b, math.Float64bits(v))
}

// Read parses an Index from r, which must support random access
// (io.ReaderAt), enabling a zero-copy read when r is backed by an
// mmap'd storage.Storage.
func Read[T typedarray.Numeric](r io.ReaderAt, colType column.Type) (*Index[T], error) {
	hdr := make([]byte, headerFixedSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, errors.E(errors.Integrity, err, "binidx: short header read")
	}
	if string(hdr[:6]) != string(magic[:]) {
		return nil, errors.E(errors.Integrity, "binidx: bad magic")
	}
	if Kind(hdr[6]) != KindBinning {
		return nil, errors.E(errors.Integrity, "binidx: unknown index kind", int(hdr[6]))
	}
	offsize := int(hdr[7])
	if offsize != 4 && offsize != 8 {
		return nil, errors.E(errors.Integrity, "binidx: bad offsize", offsize)
	}
	nrows := int(binary.LittleEndian.Uint32(hdr[8:12]))
	nobs := int(binary.LittleEndian.Uint32(hdr[12:16]))

	offsetsStart := align8(headerFixedSize)
	offsetsBytes := int64(offsize) * int64(nobs+1)
	offsetBuf := make([]byte, offsetsBytes)
	if _, err := r.ReadAt(offsetBuf, offsetsStart); err != nil {
		return nil, errors.E(errors.Integrity, err, "binidx: short offset table read")
	}
	offsets := make([]int64, nobs+1)
	for i := range offsets {
		if offsize == 8 {
			offsets[i] = int64(binary.LittleEndian.Uint64(offsetBuf[i*8 : i*8+8]))
		} else {
			offsets[i] = int64(binary.LittleEndian.Uint32(offsetBuf[i*4 : i*4+4]))
		}
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return nil, errors.E(errors.Integrity, "binidx: offset table not ascending")
		}
	}

	boundsStart := align8(offsetsStart + offsetsBytes)
	tables := make([]byte, 24*nobs)
	if _, err := r.ReadAt(tables, boundsStart); err != nil {
		return nil, errors.E(errors.Integrity, err, "binidx: short bounds/minmax read")
	}
	bounds := make([]float64, nobs)
	maxval := make([]float64, nobs)
	minval := make([]float64, nobs)
	for i := 0; i < nobs; i++ {
		bounds[i] = math.Float64frombits(binary.LittleEndian.Uint64(tables[i*8 : i*8+8]))
	}
	base := nobs * 8
	for i := 0; i < nobs; i++ {
		maxval[i] = math.Float64frombits(binary.LittleEndian.Uint64(tables[base+i*8 : base+i*8+8]))
	}
	base += nobs * 8
	for i := 0; i < nobs; i++ {
		minval[i] = math.Float64frombits(binary.LittleEndian.Uint64(tables[base+i*8 : base+i*8+8]))
	}

	bits := make([]*bitvec.Bitvector, nobs)
	for i := 0; i < nobs; i++ {
		size := offsets[i+1] - offsets[i]
		buf := make([]byte, size)
		if _, err := r.ReadAt(buf, offsets[i]); err != nil {
			return nil, errors.E(errors.Integrity, err, "binidx: short bin read", i)
		}
		v, err := bitvec.FromBytes(buf, uint64(nrows))
		if err != nil {
			return nil, errors.E(errors.Integrity, err, "binidx: corrupt bin", i)
		}
		bits[i] = v
	}

	return &Index[T]{
		ColType: colType,
		NRows:   nrows,
		Bounds:  bounds,
		MaxVal:  maxval,
		MinVal:  minval,
		Bits:    bits,
	}, nil
}
