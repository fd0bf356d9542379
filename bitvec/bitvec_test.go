// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bitvec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetTestCardinality(t *testing.T) {
	v := New(10)
	require.EqualValues(t, 0, v.Cardinality())
	v.Set(3)
	v.Set(7)
	require.True(t, v.Test(3))
	require.True(t, v.Test(7))
	require.False(t, v.Test(4))
	require.EqualValues(t, 2, v.Cardinality())
}

func TestSetPastLenGrowsLen(t *testing.T) {
	v := New(4)
	v.Set(9)
	require.EqualValues(t, 10, v.Len())
}

func TestResizeShrinkClearsTrailingBits(t *testing.T) {
	v := New(10)
	v.Set(5)
	v.Set(8)
	v.Resize(6)
	require.EqualValues(t, 6, v.Len())
	require.True(t, v.Test(5))
	require.False(t, v.Test(8))
}

func TestOrUnionsInPlace(t *testing.T) {
	a := New(5)
	a.Set(1)
	b := New(5)
	b.Set(3)
	a.Or(b)
	require.EqualValues(t, 2, a.Cardinality())
	require.True(t, a.Test(1))
	require.True(t, a.Test(3))
}

func TestOrOfCombinesRunOfBins(t *testing.T) {
	a := New(5)
	a.Set(0)
	b := New(5)
	b.Set(1)
	c := New(5)
	c.Set(2)
	out := OrOf(a, b, c)
	require.EqualValues(t, 3, out.Cardinality())
}

func TestComplementFlipsWithinRange(t *testing.T) {
	v := New(5)
	v.Set(1)
	v.Set(3)
	comp := v.Complement(5)
	for i := uint64(0); i < 5; i++ {
		require.Equal(t, !v.Test(i), comp.Test(i))
	}
}

func TestAndIntersects(t *testing.T) {
	a := New(5)
	a.Set(1)
	a.Set(2)
	b := New(5)
	b.Set(2)
	b.Set(3)
	out := a.And(b)
	require.EqualValues(t, 1, out.Cardinality())
	require.True(t, out.Test(2))
}

func TestAndNotRemovesOthersBits(t *testing.T) {
	a := New(5)
	a.Set(1)
	a.Set(2)
	b := New(5)
	b.Set(2)
	a.AndNot(b)
	require.EqualValues(t, 1, a.Cardinality())
	require.True(t, a.Test(1))
	require.False(t, a.Test(2))
}

func TestAllOnesSetsEveryRow(t *testing.T) {
	v := AllOnes(4)
	require.EqualValues(t, 4, v.Cardinality())
	for i := uint64(0); i < 4; i++ {
		require.True(t, v.Test(i))
	}
}

func TestWriteToReadFromRoundTrip(t *testing.T) {
	v := New(100)
	v.Set(10)
	v.Set(50)
	v.Set(99)

	var buf bytes.Buffer
	_, err := v.WriteTo(&buf)
	require.NoError(t, err)

	got := &Bitvector{}
	_, err = got.ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	got.Resize(100)
	require.Equal(t, v.Cardinality(), got.Cardinality())
	require.True(t, got.Test(10))
	require.True(t, got.Test(50))
	require.True(t, got.Test(99))
}

func TestFromBytesDeserializesWithoutCopy(t *testing.T) {
	v := New(20)
	v.Set(2)
	v.Set(15)
	var buf bytes.Buffer
	_, err := v.WriteTo(&buf)
	require.NoError(t, err)

	got, err := FromBytes(buf.Bytes(), 20)
	require.NoError(t, err)
	require.True(t, got.Test(2))
	require.True(t, got.Test(15))
}

func TestIterateGroupsContiguousRuns(t *testing.T) {
	v := New(20)
	for _, i := range []uint64{1, 2, 3, 7, 9, 10} {
		v.Set(i)
	}
	var runs []Run
	v.Iterate(func(r Run) bool {
		runs = append(runs, r)
		return true
	})
	require.Equal(t, []Run{{Start: 1, Len: 3}, {Start: 7, Len: 1}, {Start: 9, Len: 2}}, runs)
}

func TestIterateStopsWhenCallbackReturnsFalse(t *testing.T) {
	v := New(10)
	v.Set(1)
	v.Set(5)
	var seen []Run
	v.Iterate(func(r Run) bool {
		seen = append(seen, r)
		return false
	})
	require.Len(t, seen, 1)
}

func TestCloneIsIndependent(t *testing.T) {
	v := New(10)
	v.Set(3)
	c := v.Clone()
	c.Set(4)
	require.False(t, v.Test(4))
	require.True(t, c.Test(4))
}
