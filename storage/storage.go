// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package storage implements the reference-counted byte-range abstraction
// that backs every large in-memory array in bitbin: either a heap
// allocation or a read-only memory map of a file.
//
// Grounded on storage/warp/src/fastbit-2.0.3/src/fileManager.h's
// `ibis::fileManager::storage` / `roFile`, reworked per the REDESIGN FLAGS
// in spec.md §9: reference counting uses plain atomic counters rather than
// raw pointers, and mmap uses github.com/edsrzf/mmap-go instead of hand
// rolled syscalls.
package storage

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"
)

// Kind distinguishes the three storage backings named in spec.md §4.1.
type Kind int

const (
	// KindHeap is an anonymous or file-read-into-heap allocation.
	KindHeap Kind = iota
	// KindMapped is a read-only mmap view of a file.
	KindMapped
	// KindExternal wraps caller-owned memory the Storage never frees.
	KindExternal
)

// goldenRatio is the growth factor Enlarge uses when asked to grow "by
// some reasonable amount" (n == 0), matching FastBit's storage::enlarge.
const goldenRatio = 1.618

// Reclaimer is the minimal surface a Storage needs from the file manager
// to retry an allocation after freeing memory. filemgr.Manager implements
// it; storage does not import filemgr to avoid a dependency cycle (the
// REDESIGN FLAGS call for the manager to be an explicit value threaded
// through construction calls rather than reached via a global).
type Reclaimer interface {
	// Unload attempts to free at least `need` bytes of cache capacity.
	// Returns an error (e.g. errors.OOM or a WaitTimeout condition) if it
	// could not.
	Unload(ctx context.Context, need int64) error
}

// Storage is a contiguous byte range with active-use and past-access
// reference counts. See spec.md §3 for the full invariant list.
type Storage struct {
	name string // "" for anonymous in-memory storage.
	kind Kind

	buf []byte // owning heap buffer, nil when kind==KindMapped or KindExternal.
	mm  mmap.MMap
	ext []byte // externally-owned bytes (KindExternal).

	activeRef int32 // gates eviction; see BeginUse/EndUse.
	pastUse   uint32

	reclaim Reclaimer
}

// Name returns the backing file path, or "" for anonymous storage.
func (s *Storage) Name() string { return s.name }

// Kind reports which backing mode s uses.
func (s *Storage) Kind() Kind { return s.kind }

// Bytes returns the current byte range. The slice must not be retained
// past a call that reallocates s (Enlarge, Read); callers needing a
// stable view should BeginUse first.
func (s *Storage) Bytes() []byte {
	switch s.kind {
	case KindMapped:
		return []byte(s.mm)
	case KindExternal:
		return s.ext
	default:
		return s.buf
	}
}

// Size returns the number of bytes held.
func (s *Storage) Size() int { return len(s.Bytes()) }

// IsFileMapped reports whether s is backed by a read-only mmap, i.e.
// whether mutating it requires an unshare-copy first.
func (s *Storage) IsFileMapped() bool { return s.kind == KindMapped }

// InUse returns the number of active references (spec.md's "active
// reference" counter, which gates eviction).
func (s *Storage) InUse() int32 { return atomic.LoadInt32(&s.activeRef) }

// PastUse returns the number of times BeginUse has ever been called,
// feeding the eviction score in filemgr.Manager.Unload.
func (s *Storage) PastUse() uint32 { return atomic.LoadUint32(&s.pastUse) }

// BeginUse atomically increments the active-reference count.
// Reference-count increments are totally ordered by the atomic operation
// (spec.md §5's ordering guarantee).
func (s *Storage) BeginUse() {
	atomic.AddInt32(&s.activeRef, 1)
	atomic.AddUint32(&s.pastUse, 1)
}

// EndUse atomically decrements the active-reference count. It does not
// notify any file manager when the last reference drops; a Manager sees
// the change only when it next inspects InUse().
func (s *Storage) EndUse() {
	if atomic.AddInt32(&s.activeRef, -1) < 0 {
		vlog.Error("storage: EndUse called more times than BeginUse")
		atomic.StoreInt32(&s.activeRef, 0)
	}
}

// NewAnonymous allocates n bytes from the heap, matching spec.md §4.1
// construction mode 1. reclaim is stored for later use by Enlarge; Go's
// allocator does not return a recoverable error on allocation failure (it
// panics), so NewAnonymous itself never retries against reclaim.
func NewAnonymous(ctx context.Context, n int, reclaim Reclaimer) (*Storage, error) {
	s := &Storage{kind: KindHeap, buf: make([]byte, n), reclaim: reclaim}
	return s, nil
}

// WrapExternal wraps caller-owned memory. The returned Storage never
// frees p; Clear only drops the Storage's reference to it (spec.md §4.1
// construction mode 4).
func WrapExternal(p []byte) *Storage {
	return &Storage{kind: KindExternal, ext: p}
}

// NewFromFile reads [b, e) of the file at path into a fresh heap
// allocation (spec.md §4.1 construction mode 2).
func NewFromFile(ctx context.Context, path string, b, e int64, reclaim Reclaimer) (*Storage, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	s := &Storage{name: path, kind: KindHeap, reclaim: reclaim}
	n, err := s.readRange(f.Reader(ctx), b, e)
	if err != nil && n == 0 {
		return nil, err
	}
	return s, err // IO-short is non-fatal per spec.md §7; caller checks Size().
}

// NewFromReader behaves like NewFromFile but operates on an already-open
// reader (spec.md §4.1 construction mode 3).
func NewFromReader(ctx context.Context, name string, r io.ReaderAt, b, e int64, reclaim Reclaimer) (*Storage, error) {
	s := &Storage{name: name, kind: KindHeap, reclaim: reclaim}
	n, err := s.readRangeAt(r, b, e)
	if err != nil && n == 0 {
		return nil, err
	}
	return s, err
}

func (s *Storage) readRange(r io.Reader, b, e int64) (int, error) {
	if rs, ok := r.(io.Seeker); ok {
		if _, err := rs.Seek(b, io.SeekStart); err != nil {
			return 0, errors.E(errors.Integrity, err, "seek failed")
		}
	}
	buf := make([]byte, e-b)
	n, err := io.ReadFull(r, buf)
	s.buf = buf[:n]
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		// Read-short: not fatal, the caller checks the returned length.
		return n, nil
	}
	if err != nil {
		return n, errors.E(errors.Integrity, err, "read failed")
	}
	return n, nil
}

func (s *Storage) readRangeAt(r io.ReaderAt, b, e int64) (int, error) {
	buf := make([]byte, e-b)
	n, err := r.ReadAt(buf, b)
	s.buf = buf[:n]
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, errors.E(errors.Integrity, err, "read failed")
	}
	return n, nil
}

// NewMapped establishes a read-only mmap view of [b, e) of the local file
// at path. mmap-backed Storages are implicitly shareable and read-only;
// mutation forces an unshare via Enlarge or nosharing in typedarray.
func NewMapped(path string, b, e int64) (*Storage, error) {
	f, err := osOpen(path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, path)
	}
	defer f.Close()
	m, err := mmap.MapRegion(f, int(e-b), mmap.RDONLY, 0, b)
	if err != nil {
		return nil, errors.E(errors.Integrity, err, "mmap failed", path)
	}
	return &Storage{name: path, kind: KindMapped, mm: m}, nil
}

// PageSize returns the OS page size, used by the mmap-vs-read size
// heuristic in Manager.GetFileSegment.
func PageSize() int { return unix.Getpagesize() }

// Enlarge grows s to hold at least n bytes; n==0 requests golden-ratio
// growth. A file-mapped Storage always unshares (copies into a private
// heap buffer) first, per spec.md §4.1.
func (s *Storage) Enlarge(ctx context.Context, n int) error {
	cur := s.Size()
	if n == 0 {
		n = int(float64(cur)*goldenRatio) + 1
	}
	if n <= cur && s.kind != KindMapped {
		return nil
	}

	allocate := func() (ok bool) {
		defer func() {
			if recover() != nil {
				ok = false
			}
		}()
		nb := make([]byte, n)
		copy(nb, s.Bytes())
		if s.kind == KindMapped {
			m := s.mm
			s.kind = KindHeap
			s.mm = nil
			_ = m.Unmap()
		}
		s.buf = nb
		return true
	}

	// Two-retry pattern from spec.md §9 (DESIGN FLAGS): allocation
	// failure becomes an explicit loop against the Reclaimer rather than
	// a caught C++ exception.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if allocate() {
			return nil
		}
		if s.reclaim == nil {
			break
		}
		if err := s.reclaim.Unload(ctx, int64(n-cur)); err != nil {
			lastErr = err
			break
		}
	}
	return errors.E(errors.OOM, lastErr, "storage: insufficient memory to enlarge")
}

// Read refills the buffer from [b, e) of path. Fails if there is more
// than one active reference, since a concurrent reader would observe a
// torn view (spec.md §4.1).
func (s *Storage) Read(ctx context.Context, path string, b, e int64) (int, error) {
	if s.InUse() > 1 {
		return 0, errors.E(errors.Invalid, "storage: Read called while InUse() > 1")
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return 0, errors.E(errors.NotExist, err, path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	s.name = path
	return s.readRange(f.Reader(ctx), b, e)
}

// Write writes the full buffer to path.
func (s *Storage) Write(ctx context.Context, path string) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Integrity, err, path)
	}
	if _, err := f.Writer(ctx).Write(s.Bytes()); err != nil {
		_ = f.Close(ctx)
		return errors.E(errors.Integrity, err, "write failed", path)
	}
	return f.Close(ctx)
}

// Release transfers raw ownership of the buffer to the caller. Only
// valid when InUse() <= 1 (spec.md §4.1).
func (s *Storage) Release() ([]byte, error) {
	if s.InUse() > 1 {
		return nil, errors.E(errors.Invalid, "storage: Release called while InUse() > 1")
	}
	if s.kind != KindHeap {
		return nil, errors.E(errors.Invalid, "storage: Release only valid for heap storage")
	}
	b := s.buf
	s.buf = nil
	return b, nil
}

// Clear frees or unmaps the storage. It is a no-op (and logs a warning)
// if there is an active reference, per spec.md §4.1/§7 (StorageInUse).
func (s *Storage) Clear() error {
	if s.InUse() > 0 {
		vlog.Infof("storage: Clear skipped for %q, InUse()=%d", s.name, s.InUse())
		return errors.E(errors.Invalid, "storage: StorageInUse")
	}
	switch s.kind {
	case KindMapped:
		if s.mm != nil {
			err := s.mm.Unmap()
			s.mm = nil
			return err
		}
	case KindHeap:
		s.buf = nil
	case KindExternal:
		s.ext = nil
	}
	return nil
}

// osOpen is split out so tests can stub file access without pulling in a
// full VFS; in production this is plain os.Open.
var osOpen = defaultOSOpen
