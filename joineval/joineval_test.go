package joineval

import (
	"math"
	"testing"

	"github.com/grailbio/bitbin/bitvec"
	"github.com/stretchr/testify/require"
)

type fakeRange struct {
	bounds, min, max []float64
	bits             []*bitvec.Bitvector
}

func (f *fakeRange) NOBS() int                        { return len(f.bounds) }
func (f *fakeRange) Bound(i int) float64              { return f.bounds[i] }
func (f *fakeRange) Min(i int) float64                { return f.min[i] }
func (f *fakeRange) Max(i int) float64                { return f.max[i] }
func (f *fakeRange) BitsAt(i int) *bitvec.Bitvector { return f.bits[i] }

func singleton(row uint64) *bitvec.Bitvector {
	v := bitvec.New(row + 1)
	v.Set(row)
	return v
}

func newFakeRange(values []float64) *fakeRange {
	f := &fakeRange{}
	for i, v := range values {
		f.bounds = append(f.bounds, v)
		f.min = append(f.min, v)
		f.max = append(f.max, v)
		f.bits = append(f.bits, singleton(uint64(i)))
	}
	if len(f.bounds) > 0 {
		f.bounds[len(f.bounds)-1] = math.Inf(1)
	}
	return f
}

type recordingSink struct {
	sure, iffy [][2]int
}

func (s *recordingSink) Emit(lBin, rBin int, sure bool, lBits, rBits *bitvec.Bitvector) {
	if sure {
		s.sure = append(s.sure, [2]int{lBin, rBin})
	} else {
		s.iffy = append(s.iffy, [2]int{lBin, rBin})
	}
}
func (s *recordingSink) EmitWindow(lBin int, rUnion *bitvec.Bitvector) {}

func TestJoinEquiJoinMatchesEqualSingletons(t *testing.T) {
	l := newFakeRange([]float64{1, 2, 3})
	r := newFakeRange([]float64{2, 3, 4})
	sink := &recordingSink{}
	Join(l, r, 0, sink)

	require.Contains(t, sink.sure, [2]int{1, 0}) // l=2 vs r=2
	require.Contains(t, sink.sure, [2]int{2, 1}) // l=3 vs r=3
	require.Len(t, sink.iffy, 0)
}

func TestJoinDeltaWidensMatches(t *testing.T) {
	l := newFakeRange([]float64{10})
	r := newFakeRange([]float64{9, 11, 20})
	sink := &recordingSink{}
	Join(l, r, 1, sink)

	require.Contains(t, sink.sure, [2]int{0, 0})
	require.Contains(t, sink.sure, [2]int{0, 1})
	require.NotContains(t, sink.sure, [2]int{0, 2})
}

func TestJoinEmptySidesProduceNoPairs(t *testing.T) {
	l := newFakeRange(nil)
	r := newFakeRange([]float64{1, 2})
	sink := &recordingSink{}
	Join(l, r, 0, sink)
	require.Empty(t, sink.sure)
	require.Empty(t, sink.iffy)
}
