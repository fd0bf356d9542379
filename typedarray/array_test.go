package typedarray

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushBackGrowsAndPreservesValues(t *testing.T) {
	a := New[int32]()
	for i := int32(0); i < 100; i++ {
		a.PushBack(i)
	}
	require.Equal(t, 100, a.Len())
	for i := 0; i < 100; i++ {
		require.Equal(t, int32(i), a.At(i))
	}
}

func TestSortAndDedup(t *testing.T) {
	a := FromSlice([]int32{5, 3, 3, 1, 4, 1, 5})
	a.Sort()
	require.Equal(t, []int32{1, 1, 3, 3, 4, 5, 5}, a.Slice())
	a.Dedup()
	require.Equal(t, []int32{1, 3, 4, 5}, a.Slice())
}

func TestFindUpperBound(t *testing.T) {
	a := FromSlice([]int32{1, 3, 3, 5, 7})
	require.Equal(t, 1, a.Find(3))
	require.Equal(t, 3, a.FindUpper(3))
	require.Equal(t, 5, a.FindUpper(100))
	require.Equal(t, 0, a.Find(-5))
}

func TestTopKBottomK(t *testing.T) {
	a := FromSlice([]int32{5, 1, 9, 3, 7})
	top := a.TopK(2)
	require.Len(t, top, 2)
	require.ElementsMatch(t, []int32{9, 7}, []int32{a.At(top[0]), a.At(top[1])})

	bottom := a.BottomK(2)
	require.Len(t, bottom, 2)
	require.ElementsMatch(t, []int32{1, 3}, []int32{a.At(bottom[0]), a.At(bottom[1])})
}

func TestSwapIsConstantTime(t *testing.T) {
	a := FromSlice([]int32{1, 2, 3})
	b := FromSlice([]int32{9, 8})
	a.Swap(b)
	require.Equal(t, []int32{9, 8}, a.Slice())
	require.Equal(t, []int32{1, 2, 3}, b.Slice())
}
