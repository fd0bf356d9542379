// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package column

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/require"
)

func requireKind(t *testing.T, err error, kind errors.Kind) {
	t.Helper()
	e, ok := err.(*errors.Error)
	require.True(t, ok, "expected *errors.Error, got %T", err)
	require.Equal(t, kind, e.Kind)
}

func TestTypeStringAndIsFloat(t *testing.T) {
	require.Equal(t, "int32", Int32.String())
	require.Equal(t, "float64", Float64.String())
	require.Equal(t, "unknown", Type(99).String())

	require.False(t, Int32.IsFloat())
	require.True(t, Float32.IsFloat())
	require.True(t, Float64.IsFloat())
}

func TestFileReaderReadAllAndReadRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "col.bin")

	var raw []byte
	for _, v := range []int32{10, 20, 30, 40} {
		b := make([]byte, 4)
		b[0] = byte(v)
		raw = append(raw, b...)
	}
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	r := NewFileReader[int32](path, nil)
	arr, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, arr.Len())
	require.EqualValues(t, 30, arr.At(2))

	got, err := r.ReadRows(context.Background(), []uint32{0, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []int32{10, 30, 40}, got)
}

func TestFileReaderReadRowsRejectsOutOfRangeRow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "col.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 8), 0o644))

	r := NewFileReader[int32](path, nil)
	_, err := r.ReadRows(context.Background(), []uint32{5})
	requireKind(t, err, errors.Invalid)
}
