// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package typedarray implements Array[T], a length-counted view over a
// storage.Storage (or a private slice) with value-semantics constructors,
// matching ibis::array_t<T> in array_t.h.
//
// Grounded directly on array_t.h: push_back's growth policy, the
// owned-vs-shared distinction, and the IO/sort/dedup/find method set are
// all reproduced from that header, generalized from a C++ template to a
// Go type parameter per spec.md §9's REDESIGN FLAGS ("shallow arrays that
// may alias mmap'd memory" -> Owned(Vec<T>) | Shared(Arc<Storage>, Range)).
package typedarray

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bitbin/storage"
)

// Numeric is the set of element types Array supports. BinIndex only ever
// instantiates this over primitive numeric column types, per spec.md
// §4.3/§9's "sum-type of primitive-type tags + generic functions".
type Numeric interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

// Array is either a shared view into a *storage.Storage, or an owning
// slice. See spec.md §4.3.
type Array[T Numeric] struct {
	st   *storage.Storage // non-nil => shared view; read-only if st.IsFileMapped().
	data []T              // owning slice when st == nil.
	// begin/end index into st's bytes when st != nil; unused otherwise.
	begin, end int
}

// sizeOfT returns sizeof(T) the way array_t's IO functions need it.
func sizeOfT[T Numeric]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

// New returns an empty owning array.
func New[T Numeric]() *Array[T] { return &Array[T]{} }

// FromSlice wraps an existing owning slice without copying.
func FromSlice[T Numeric](s []T) *Array[T] { return &Array[T]{data: s} }

// FromStorage returns a shared view over [begin,end) bytes of st,
// reinterpreted as T. (end-begin) must be a multiple of sizeof(T), per
// spec.md §4.3's invariant.
func FromStorage[T Numeric](st *storage.Storage, begin, end int) (*Array[T], error) {
	if (end-begin)%sizeOfT[T]() != 0 {
		return nil, errors.E(errors.Invalid, "typedarray: byte range not a multiple of element size")
	}
	st.BeginUse()
	return &Array[T]{st: st, begin: begin, end: end}, nil
}

// Len returns the number of elements.
func (a *Array[T]) Len() int {
	if a.st != nil {
		return (a.end - a.begin) / sizeOfT[T]()
	}
	return len(a.data)
}

// Incore reports whether the array's contents live solely in memory
// (not backed by a named file), mirroring array_t<T>::incore().
func (a *Array[T]) Incore() bool { return a.st == nil || a.st.Name() == "" }

// Shared reports whether this view shares bytes with a storage.Storage
// (and is therefore read-only if that storage is file-mapped).
func (a *Array[T]) Shared() bool { return a.st != nil }

// bytesView reinterprets the current view as a []T without copying.
func (a *Array[T]) bytesView() []T {
	if a.st == nil {
		return a.data
	}
	b := a.st.Bytes()[a.begin:a.end]
	n := len(b) / sizeOfT[T]()
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// At returns a copy of the element at i.
func (a *Array[T]) At(i int) T {
	if a.st != nil {
		return a.bytesView()[i]
	}
	return a.data[i]
}

// Set assigns v to position i. Panics if the array is shared and the
// backing storage is mmap'd (read-only); call NoSharing first.
func (a *Array[T]) Set(i int, v T) {
	if a.st != nil && a.st.IsFileMapped() {
		panic("typedarray: Set on a read-only (mmap-backed) view; call NoSharing first")
	}
	if a.st != nil {
		a.bytesView()[i] = v
		return
	}
	a.data[i] = v
}

// NoSharing ensures the array is privately owned, copying out of a
// shared/read-only storage view if necessary, matching
// array_t<T>::nosharing()'s copy-on-write contract (array_t.h line 107).
func (a *Array[T]) NoSharing() {
	if a.st == nil {
		return
	}
	src := a.bytesView()
	cp := make([]T, len(src))
	copy(cp, src)
	a.st.EndUse()
	a.st = nil
	a.data = cp
}

// Slice returns a copy of the current contents as a plain Go slice.
func (a *Array[T]) Slice() []T {
	src := a.bytesView()
	out := make([]T, len(src))
	copy(out, src)
	return out
}

// Resize changes the length to n, zero-extending or truncating.
func (a *Array[T]) Resize(n int) {
	a.NoSharing()
	if n <= len(a.data) {
		a.data = a.data[:n]
		return
	}
	a.data = append(a.data, make([]T, n-len(a.data))...)
}

// Reserve ensures capacity for at least n elements without changing Len.
func (a *Array[T]) Reserve(n int) {
	a.NoSharing()
	if cap(a.data) >= n {
		return
	}
	nd := make([]T, len(a.data), n)
	copy(nd, a.data)
	a.data = nd
}

// Truncate keeps `keep` elements starting at `start`.
func (a *Array[T]) Truncate(keep, start int) {
	a.NoSharing()
	a.data = append([]T{}, a.data[start:start+keep]...)
}

// PushBack appends elm, growing geometrically the way array_t<T>'s
// push_back does (array_t.h: nnew = (nold>=7?nold:7)+nold).
func (a *Array[T]) PushBack(elm T) {
	a.NoSharing()
	if len(a.data) == cap(a.data) {
		nold := len(a.data)
		grow := nold
		if grow < 7 {
			grow = 7
		}
		a.Reserve(nold + grow)
	}
	a.data = append(a.data, elm)
}

// Swap exchanges the contents of a and b in O(1) by exchanging storage
// pointers/slice headers, matching array_t<T>::swap.
func (a *Array[T]) Swap(b *Array[T]) {
	*a, *b = *b, *a
}

// Dedup removes consecutive duplicate values, assuming the array is
// sorted (array_t<T>::deduplicate).
func (a *Array[T]) Dedup() {
	a.NoSharing()
	if len(a.data) == 0 {
		return
	}
	out := a.data[:1]
	for _, v := range a.data[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	a.data = out
}

// Find returns the index of the first element >= v in a sorted array
// (lower bound). FindUpper returns the index of the first element > v
// (upper bound); array_t<T>::find returns the upper-bound index per
// spec.md §4.3.
func (a *Array[T]) Find(v T) int {
	lo, hi := 0, a.Len()
	for lo < hi {
		mid := (lo + hi) / 2
		if a.At(mid) < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// FindUpper returns the upper-bound index of v.
func (a *Array[T]) FindUpper(v T) int {
	lo, hi := 0, a.Len()
	for lo < hi {
		mid := (lo + hi) / 2
		if a.At(mid) <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Equal reports whether a and b hold the same sequence of values.
func (a *Array[T]) Equal(b *Array[T]) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if a.At(i) != b.At(i) {
			return false
		}
	}
	return true
}

// Read reallocates the array to hold (e-b)/sizeof(T) elements and reads
// them from [b, e) of path (array_t<T>::read(path, b, e)).
func (a *Array[T]) Read(ctx context.Context, path string, b, e int64) error {
	s, err := storage.NewFromFile(ctx, path, b, e, nil)
	if err != nil {
		return err
	}
	v, err := FromStorage[T](s, 0, s.Size())
	if err != nil {
		return err
	}
	*a = *v
	return nil
}

// Write writes the whole view to w, little-endian, the io.Writer
// counterpart of array_t<T>::write(path).
func (a *Array[T]) Write(w io.Writer) error {
	buf := make([]byte, sizeOfT[T]())
	n := a.Len()
	for i := 0; i < n; i++ {
		putLE(buf, a.At(i))
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("typedarray: write element %d: %w", i, err)
		}
	}
	return nil
}

func putLE[T Numeric](buf []byte, v T) {
	switch sizeOfT[T]() {
	case 1:
		buf[0] = *(*byte)(unsafe.Pointer(&v))
	case 2:
		binary.LittleEndian.PutUint16(buf, *(*uint16)(unsafe.Pointer(&v)))
	case 4:
		binary.LittleEndian.PutUint32(buf, *(*uint32)(unsafe.Pointer(&v)))
	case 8:
		binary.LittleEndian.PutUint64(buf, *(*uint64)(unsafe.Pointer(&v)))
	}
}
