// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package storage

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

type fakeReclaimer struct {
	called int
	err    error
}

func (f *fakeReclaimer) Unload(ctx context.Context, need int64) error {
	f.called++
	return f.err
}

func TestNewAnonymousAllocatesHeap(t *testing.T) {
	s, err := NewAnonymous(context.Background(), 128, nil)
	require.NoError(t, err)
	require.Equal(t, KindHeap, s.Kind())
	require.Equal(t, 128, s.Size())
	require.False(t, s.IsFileMapped())
}

func TestBeginEndUseTracksActiveAndPastCounts(t *testing.T) {
	s, err := NewAnonymous(context.Background(), 8, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, s.InUse())

	s.BeginUse()
	s.BeginUse()
	require.EqualValues(t, 2, s.InUse())
	require.EqualValues(t, 2, s.PastUse())

	s.EndUse()
	require.EqualValues(t, 1, s.InUse())
	s.EndUse()
	require.EqualValues(t, 0, s.InUse())
}

func TestEndUseBelowZeroClampsToZero(t *testing.T) {
	s, err := NewAnonymous(context.Background(), 8, nil)
	require.NoError(t, err)
	s.EndUse()
	require.EqualValues(t, 0, s.InUse())
}

func TestEnlargeZeroUsesGoldenRatioGrowth(t *testing.T) {
	s, err := NewAnonymous(context.Background(), 10, nil)
	require.NoError(t, err)
	require.NoError(t, s.Enlarge(context.Background(), 0))
	require.True(t, s.Size() > 10)
}

func TestEnlargeSucceedsWithoutInvokingReclaimer(t *testing.T) {
	// Enlarge never actually fails in practice (Go's allocator doesn't
	// surface OOM), so this only exercises the growth path succeeding
	// without invoking the reclaimer.
	reclaim := &fakeReclaimer{}
	s, err := NewAnonymous(context.Background(), 10, nil)
	require.NoError(t, err)
	s.reclaim = reclaim
	require.NoError(t, s.Enlarge(context.Background(), 100))
	require.Equal(t, 100, s.Size())
	require.Equal(t, 0, reclaim.called)
}

func TestReadFailsWhenMoreThanOneActiveRef(t *testing.T) {
	s, err := NewAnonymous(context.Background(), 8, nil)
	require.NoError(t, err)
	s.BeginUse()
	s.BeginUse()
	_, err = s.Read(context.Background(), "/nonexistent", 0, 8)
	requireKind(t, err, errors.Invalid)
}

func TestReleaseFailsWhenMoreThanOneActiveRef(t *testing.T) {
	s, err := NewAnonymous(context.Background(), 8, nil)
	require.NoError(t, err)
	s.BeginUse()
	s.BeginUse()
	_, err = s.Release()
	requireKind(t, err, errors.Invalid)
}

func TestReleaseTransfersOwnership(t *testing.T) {
	s, err := NewAnonymous(context.Background(), 8, nil)
	require.NoError(t, err)
	b, err := s.Release()
	require.NoError(t, err)
	require.Len(t, b, 8)
}

func TestClearFailsWhenInUse(t *testing.T) {
	s, err := NewAnonymous(context.Background(), 8, nil)
	require.NoError(t, err)
	s.BeginUse()
	requireKind(t, s.Clear(), errors.Invalid)
}

func TestClearFreesHeapBuffer(t *testing.T) {
	s, err := NewAnonymous(context.Background(), 8, nil)
	require.NoError(t, err)
	require.NoError(t, s.Clear())
	require.Equal(t, 0, s.Size())
}

func TestWrapExternalNeverFreed(t *testing.T) {
	p := []byte{1, 2, 3}
	s := WrapExternal(p)
	require.Equal(t, KindExternal, s.Kind())
	require.Equal(t, 3, s.Size())
	require.NoError(t, s.Clear())
}

func TestNewFromFileReadsExactRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	s, err := NewFromFile(context.Background(), path, 2, 6, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("2345"), s.Bytes())
}

func TestNewFromFileShortReadIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	s, err := NewFromFile(context.Background(), path, 0, 10, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), s.Bytes())
}

func TestNewMappedIsReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapped.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	s, err := NewMapped(path, 0, 11)
	require.NoError(t, err)
	defer s.Clear()
	require.True(t, s.IsFileMapped())
	require.Equal(t, []byte("hello world"), s.Bytes())
}

func TestEnlargeUnsharesMappedStorage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapped2.bin")
	require.NoError(t, os.WriteFile(path, []byte("abcd"), 0o644))

	s, err := NewMapped(path, 0, 4)
	require.NoError(t, err)
	require.NoError(t, s.Enlarge(context.Background(), 16))
	require.False(t, s.IsFileMapped())
	require.Equal(t, 16, s.Size())
	require.Equal(t, byte('a'), s.Bytes()[0])
}
