// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package column is the minimal column/partition collaborator that
// binidx builds an index against and rescans from. spec.md §1 names the
// column/partition abstraction as an external collaborator and leaves it
// out of scope; this package gives it the smallest concrete shape binidx
// needs (type tag, live-row mask, row count, backing data file), grounded
// on the field-type tagging pattern in encoding/bam's record fields.
package column

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bitbin/bitvec"
	"github.com/grailbio/bitbin/storage"
	"github.com/grailbio/bitbin/typedarray"
)

// Type tags a column's element type, realizing spec.md §9's "sum-type of
// primitive-type tags plus generic functions instantiated for each".
type Type int

const (
	Int8 Type = iota
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
)

func (t Type) String() string {
	switch t {
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// IsFloat reports whether t is a floating-point type -- binidx uses this
// to decide whether interior boundary retightening (spec.md §4.5.1 step 4)
// applies.
func (t Type) IsFloat() bool { return t == Float32 || t == Float64 }

// Column describes a numeric column over T: its on-disk data file, row
// count, and which rows are live (non-null). The "null mask" terminology
// of spec.md §4.5.1 is inverted here for clarity -- Live has a bit set
// for every row that holds a non-null value worth indexing.
type Column[T typedarray.Numeric] struct {
	Type     Type
	DataPath string
	RowCount int
	Live     *bitvec.Bitvector
}

// Reader reads column values, either in bulk (for index construction) or
// by row list (for EdgeRescan's fallback path B when no bin-ordered
// sidecar is available).
type Reader[T typedarray.Numeric] interface {
	// ReadAll loads the full column as a typedarray.Array[T].
	ReadAll(ctx context.Context) (*typedarray.Array[T], error)
	// ReadRows returns the column values at the given row ids, in the
	// same order as rows.
	ReadRows(ctx context.Context, rows []uint32) ([]T, error)
}

// fileReader is the straightforward Reader implementation: the column
// data file is an opaque packed array of T, consumed via storage+typedarray
// per spec.md §6.3 ("the core consumes it as an opaque packed array of
// type-appropriate elements... the core never writes to it").
type fileReader[T typedarray.Numeric] struct {
	path string
	mgr  Reclaimer
}

// Reclaimer mirrors storage.Reclaimer so column doesn't need to import
// filemgr directly; callers pass their *filemgr.Manager, which already
// satisfies storage.Reclaimer.
type Reclaimer = storage.Reclaimer

// NewFileReader returns a Reader backed by the packed column data file at
// path.
func NewFileReader[T typedarray.Numeric](path string, mgr Reclaimer) Reader[T] {
	return &fileReader[T]{path: path, mgr: mgr}
}

func (r *fileReader[T]) ReadAll(ctx context.Context) (*typedarray.Array[T], error) {
	size, err := fileSize(ctx, r.path)
	if err != nil {
		return nil, err
	}
	a := typedarray.New[T]()
	if err := a.Read(ctx, r.path, 0, size); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *fileReader[T]) ReadRows(ctx context.Context, rows []uint32) ([]T, error) {
	a, err := r.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(rows))
	n := a.Len()
	for i, row := range rows {
		if int(row) >= n {
			return nil, errors.E(errors.Invalid, "column: row id beyond column length")
		}
		out[i] = a.At(int(row))
	}
	return out, nil
}

func fileSize(ctx context.Context, path string) (int64, error) {
	info, err := file.Stat(ctx, path)
	if err != nil {
		return 0, errors.E(errors.NotExist, err, path)
	}
	return info.Size(), nil
}
