// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package filemgr implements the process-wide reference-counted file
// cache described in spec.md §4.2: two path-keyed tables (mapped,
// incore), a byte budget, an open-file budget, and a scored eviction
// policy invoked when the budget is exceeded.
//
// Grounded on fileManager.cpp/.h's getFile/tryGetFile/unload state
// machine. Per the REDESIGN FLAGS in spec.md §9, the manager is an
// explicit struct value rather than a process-global singleton reached
// through recursive self-invocation; Default() is provided only as a
// convenience constructor for callers that want FastBit's singleton
// behavior.
package filemgr

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/biogo/store/llrb"
	"github.com/c2h5oh/datasize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bitbin/storage"
	"v.io/x/lib/vlog"
)

// AccessPreference mirrors spec.md §4.2's ACCESS_PREFERENCE hint.
type AccessPreference int

const (
	// PreferMmapLargeFiles maps files >= the mmap threshold when the
	// open-mmap budget allows it, else reads them into heap memory.
	PreferMmapLargeFiles AccessPreference = iota
	// PreferRead always reads the whole file into memory.
	PreferRead
	// PreferMmap always tries to mmap, regardless of size.
	PreferMmap
)

// DefaultMaxWaitTime is FASTBIT_MAX_WAIT_TIME: the total deadline Unload
// will wait for references to drop before giving up.
const DefaultMaxWaitTime = 600 * time.Second

type entry struct {
	st       *storage.Storage
	path     string
	size     int64
	created  time.Time
	lastUse  time.Time
	lastUseN uint32 // never assigned; score reads e.st.PastUse() directly
}

// scoreItem orders eviction candidates for the biogo/store/llrb tree used
// in unload: larger and colder entries sort first (DeleteMin pops the
// smallest key, so scores are negated on insert -- see unload). Ties on
// negScore (e.g. several equal-size entries touched within the same
// second) break on path so llrb.Tree.Insert's replace-on-Compare==0
// behavior never collapses distinct candidates into one node.
type scoreItem struct {
	negScore float64
	e        *entry
}

func (a scoreItem) Compare(b llrb.Comparable) int {
	ob := b.(scoreItem)
	switch {
	case a.negScore < ob.negScore:
		return -1
	case a.negScore > ob.negScore:
		return 1
	case a.e.path < ob.e.path:
		return -1
	case a.e.path > ob.e.path:
		return 1
	default:
		return 0
	}
}

// Cleaner lets higher layers drop caches they own when the manager is
// under memory pressure, matching the "cleaners as registered functors"
// pattern named in spec.md §9 -- modeled as a one-method interface
// stored in an identity-keyed set instead of a raw function-pointer set.
type Cleaner interface {
	Clean()
}

// Manager is the process-wide (or per-test) file cache.
type Manager struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond // broadcast on any state change readers might wait on

	mapped map[string]*entry
	incore map[string]*entry
	reading map[string]bool

	cleaners map[Cleaner]struct{}

	totalBytes int64
	waiting    bool // AnotherWaiterPresent guard: only one waiter at a time.

	maxWait time.Duration
}

// New constructs a Manager from cfg (zero fields resolved to defaults).
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:      cfg.Resolve(),
		mapped:   make(map[string]*entry),
		incore:   make(map[string]*entry),
		reading:  make(map[string]bool),
		cleaners: make(map[Cleaner]struct{}),
		maxWait:  DefaultMaxWaitTime,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns a lazily-constructed, process-wide Manager built from
// Config{}'s resolved defaults, for callers that want FastBit's
// singleton convenience instead of threading a *Manager explicitly.
func Default() *Manager {
	defaultOnce.Do(func() { defaultMgr = New(Config{}) })
	return defaultMgr
}

// AddCleaner registers c to be invoked whenever Unload needs space.
func (m *Manager) AddCleaner(c Cleaner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaners[c] = struct{}{}
}

// RemoveCleaner unregisters c.
func (m *Manager) RemoveCleaner(c Cleaner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cleaners, c)
}

// TotalBytes returns the current sum of tracked storage sizes.
func (m *Manager) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// AdjustCacheSize changes the byte budget. Only permitted when newSize is
// at least the current total, per spec.md §4.2.
func (m *Manager) AdjustCacheSize(newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newSize < m.totalBytes {
		return errors.E(errors.OOM, "filemgr: AdjustCacheSize below current totalBytes")
	}
	m.cfg.MaxBytes = datasize.ByteSize(newSize)
	return nil
}

// GetFile is the central acquisition path of spec.md §4.2. It returns a
// shared *storage.Storage for path, reading or mapping it as needed.
func (m *Manager) GetFile(ctx context.Context, path string, pref AccessPreference) (*storage.Storage, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, path)
	}
	if fi.Size() == 0 {
		return nil, errors.E(errors.Invalid, "filemgr: EmptyFile", path)
	}
	size := fi.Size()

	m.mu.Lock()
	for {
		if e, ok := m.mapped[path]; ok {
			e.st.BeginUse()
			e.lastUse = time.Now()
			m.mu.Unlock()
			return e.st, nil
		}
		if e, ok := m.incore[path]; ok {
			e.st.BeginUse()
			e.lastUse = time.Now()
			m.mu.Unlock()
			return e.st, nil
		}
		if m.reading[path] {
			m.cond.Wait()
			continue
		}
		break
	}
	m.reading[path] = true
	m.mu.Unlock()

	st, useMmap, err := m.acquire(ctx, path, size, pref)

	m.mu.Lock()
	delete(m.reading, path)
	defer m.cond.Broadcast()
	defer m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e := &entry{st: st, path: path, size: size, created: time.Now(), lastUse: time.Now()}
	if useMmap {
		m.mapped[path] = e
	} else {
		m.incore[path] = e
	}
	m.totalBytes += size
	st.BeginUse()
	return st, nil
}

// acquire performs the actual IO for GetFile, without holding m.mu beyond
// the budget check -- spec.md §4.2 accepts holding the lock across IO,
// but this implementation narrows that window to the budget/eviction
// decision, publishing the `reading` marker so concurrent callers still
// serialize on the same path (see spec.md §9's REDESIGN FLAGS).
func (m *Manager) acquire(ctx context.Context, path string, size int64, pref AccessPreference) (*storage.Storage, bool, error) {
	if err := m.ensureBudget(ctx, size); err != nil {
		return nil, false, err
	}
	useMmap := m.shouldMmap(size, pref)
	if useMmap {
		st, err := storage.NewMapped(path, 0, size)
		if err != nil {
			vlog.Infof("filemgr: mmap of %s failed, falling back to read: %v", path, err)
			useMmap = false
		} else {
			return st, true, nil
		}
	}
	st, err := storage.NewFromFile(ctx, path, 0, size, m)
	if err != nil {
		if ierr := m.Unload(ctx, 0); ierr == nil {
			st, err = storage.NewFromFile(ctx, path, 0, size, m)
		}
	}
	return st, false, err
}

func (m *Manager) ensureBudget(ctx context.Context, size int64) error {
	m.mu.Lock()
	over := m.totalBytes+size > int64(m.cfg.MaxBytes)
	m.mu.Unlock()
	if !over {
		return nil
	}
	return m.Unload(ctx, size)
}

// shouldMmap implements the mmap-vs-read decision of spec.md §4.2 step 4:
// mmap when PreferMmap, or when PreferMmapLargeFiles and the file is at
// least as big as max(MinMapSize, largest-of-first-ten-mapped-files) and
// the open-mmap budget isn't exhausted.
func (m *Manager) shouldMmap(size int64, pref AccessPreference) bool {
	if pref == PreferRead {
		return false
	}
	if pref == PreferMmap {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.mapped) >= m.cfg.MaxOpenFiles {
		return false
	}
	threshold := int64(m.cfg.MinMapSize)
	seen := 0
	for _, e := range m.mapped {
		if e.size > threshold {
			threshold = e.size
		}
		seen++
		if seen >= 10 {
			break
		}
	}
	return size >= threshold
}

// TryGetFile behaves like GetFile but never waits: it fails fast with
// BusyReading if another goroutine is reading the same path, and with
// InsufficientMemory if the budget would be exceeded (spec.md §4.2).
func (m *Manager) TryGetFile(ctx context.Context, path string, pref AccessPreference) (*storage.Storage, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, path)
	}
	size := fi.Size()

	m.mu.Lock()
	if e, ok := m.mapped[path]; ok {
		e.st.BeginUse()
		m.mu.Unlock()
		return e.st, nil
	}
	if e, ok := m.incore[path]; ok {
		e.st.BeginUse()
		m.mu.Unlock()
		return e.st, nil
	}
	if m.reading[path] {
		m.mu.Unlock()
		return nil, errors.E(errors.TooManyTries, "filemgr: BusyReading", path)
	}
	if m.totalBytes+size > int64(m.cfg.MaxBytes) {
		m.mu.Unlock()
		return nil, errors.E(errors.OOM, path)
	}
	m.reading[path] = true
	m.mu.Unlock()

	st, useMmap, err := m.acquire(ctx, path, size, pref)
	m.mu.Lock()
	delete(m.reading, path)
	m.cond.Broadcast()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e := &entry{st: st, path: path, size: size, created: time.Now(), lastUse: time.Now()}
	if useMmap {
		m.mapped[path] = e
	} else {
		m.incore[path] = e
	}
	m.totalBytes += size
	st.BeginUse()
	m.mu.Unlock()
	return st, nil
}

// GetFileSegment returns an un-shared Storage for [b, e) of path, never
// registered in mapped/incore -- its lifecycle is independent, per
// spec.md §4.2.
func (m *Manager) GetFileSegment(ctx context.Context, path string, b, e int64) (*storage.Storage, error) {
	m.mu.Lock()
	nmapped := len(m.mapped)
	maxOpen := m.cfg.MaxOpenFiles
	m.mu.Unlock()

	pageSize := int64(storage.PageSize())
	if nmapped < maxOpen/2 && (e-b) >= 4*pageSize {
		if st, err := storage.NewMapped(path, b, e); err == nil {
			return st, nil
		}
	}
	return storage.NewFromFile(ctx, path, b, e, m)
}

// FlushFile removes path's entry if it has no active reference; in-use
// entries are retained and a warning is logged (spec.md §4.2).
func (m *Manager) FlushFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushOne(m.mapped, path)
	m.flushOne(m.incore, path)
}

func (m *Manager) flushOne(tbl map[string]*entry, path string) {
	e, ok := tbl[path]
	if !ok {
		return
	}
	if e.st.InUse() > 0 {
		vlog.Infof("filemgr: FlushFile(%s) skipped, still in use", path)
		return
	}
	_ = e.st.Clear()
	m.totalBytes -= e.size
	delete(tbl, path)
}

// FlushDir removes every entry whose path starts with dir followed by
// the OS separator, so it never matches a sibling directory with a
// longer name sharing dir as a prefix (spec.md §4.2).
func (m *Manager) FlushDir(dir string) {
	prefix := strings.TrimRight(dir, string(filepath.Separator)) + string(filepath.Separator)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tbl := range []map[string]*entry{m.mapped, m.incore} {
		for path := range tbl {
			if strings.HasPrefix(path, prefix) {
				m.flushOne(tbl, path)
			}
		}
	}
}

// Unload implements spec.md §4.2's eviction algorithm, and also serves as
// the storage.Reclaimer a Storage calls back into from Enlarge.
func (m *Manager) Unload(ctx context.Context, need int64) error {
	m.mu.Lock()
	if need == 0 || m.totalBytes+need <= int64(m.cfg.MaxBytes) {
		m.mu.Unlock()
		return nil
	}
	if need > int64(m.cfg.MaxBytes) {
		m.mu.Unlock()
		return errors.E(errors.OOM, "filemgr: request exceeds MaxBytes entirely")
	}
	m.mu.Unlock()

	m.invokeCleaners()

	deadline := time.Now().Add(m.maxWait)
	quarter := m.maxWait / 4
	if quarter <= 0 {
		quarter = time.Second
	}

	for {
		m.mu.Lock()
		freed := m.evictCandidates(need)
		done := freed || m.totalBytes+need <= int64(m.cfg.MaxBytes)
		if done {
			m.mu.Unlock()
			return nil
		}
		if m.waiting {
			m.mu.Unlock()
			return errors.E(errors.TooManyTries, "filemgr: another goroutine is already waiting for memory")
		}
		if time.Now().After(deadline) {
			m.mu.Unlock()
			return errors.E(errors.OOM, "filemgr: WaitTimeout")
		}
		m.waiting = true
		waitDone := make(chan struct{})
		go func() {
			timer := time.NewTimer(quarter)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
			close(waitDone)
		}()
		m.cond.Wait()
		m.waiting = false
		m.mu.Unlock()
		<-waitDone
	}
}

// evictCandidates collects every Storage with InUse()==0 and at least
// one past access, orders them by eviction score using a
// github.com/biogo/store/llrb tree (score smallest-first via negation,
// so DeleteMin pops the best eviction candidate first), and evicts until
// the budget fits or candidates are exhausted. Caller holds m.mu.
func (m *Manager) evictCandidates(need int64) bool {
	tree := &llrb.Tree{}
	add := func(tbl map[string]*entry) {
		for _, e := range tbl {
			if e.st.InUse() == 0 && e.st.PastUse() > 0 {
				tree.Insert(scoreItem{negScore: -score(e), e: e})
			}
		}
	}
	add(m.mapped)
	add(m.incore)

	for tree.Len() > 0 && m.totalBytes+need > int64(m.cfg.MaxBytes) {
		item := tree.DeleteMin().(scoreItem)
		e := item.e
		_ = e.st.Clear()
		m.totalBytes -= e.size
		delete(m.mapped, e.path)
		delete(m.incore, e.path)
	}
	return m.totalBytes+need <= int64(m.cfg.MaxBytes)
}

// score implements the Open Question left by spec.md §4.2/§9: any
// monotonic combination favoring large, cold, rarely-touched entries is
// acceptable. See DESIGN.md for why this shape was chosen.
func score(e *entry) float64 {
	age := time.Since(e.lastUse).Seconds()
	if age < 1 {
		age = 1
	}
	accesses := float64(e.st.PastUse())
	if accesses < 1 {
		accesses = 1
	}
	size := float64(e.size)
	if size < 1 {
		size = 1
	}
	return math.Sqrt(size) * age / accesses
}

func (m *Manager) invokeCleaners() {
	m.mu.Lock()
	cs := make([]Cleaner, 0, len(m.cleaners))
	for c := range m.cleaners {
		cs = append(cs, c)
	}
	m.mu.Unlock()
	for _, c := range cs {
		c.Clean()
	}
}
