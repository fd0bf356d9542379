package binspec

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveLinearFiveBins(t *testing.T) {
	bounds, reorder, err := Derive("nbins=5 scale=linear start=1 end=11", 0, 0, true, nil)
	require.NoError(t, err)
	require.False(t, reorder)
	require.Equal(t, []float64{3, 5, 7, 9, math.Inf(1)}, bounds)
}

func TestDeriveReorderFlag(t *testing.T) {
	_, reorder, err := Derive("nbins=4 reorder", 0, 8, false, nil)
	require.NoError(t, err)
	require.True(t, reorder)
}

func TestDeriveExplicitBinsList(t *testing.T) {
	bounds, _, err := Derive("bins:[0,10,2][10,30,2]", 0, 30, false, nil)
	require.NoError(t, err)
	require.Equal(t, []float64{5, 10, 20, 30, math.Inf(1)}, bounds)
}

func TestDeriveBindingGroups(t *testing.T) {
	bounds, _, err := Derive("<binning (start=0 end=10 nbins=2) (start=10 end=20 nbins=1)/>", 0, 20, false, nil)
	require.NoError(t, err)
	require.Equal(t, []float64{5, 10, 20, math.Inf(1)}, bounds)
}

func TestDeriveIntegerTruncation(t *testing.T) {
	bounds, _, err := Derive("nbins=3", 0, 10, true, nil)
	require.NoError(t, err)
	for _, b := range bounds[:len(bounds)-1] {
		require.Equal(t, math.Trunc(b), b)
	}
}

func TestDeriveFallsBackToDefaultNBins(t *testing.T) {
	bounds, _, err := Derive("", 0, 1, false, nil)
	require.NoError(t, err)
	require.True(t, len(bounds) > 1)
	require.True(t, math.IsInf(bounds[len(bounds)-1], 1))
}

func TestDerivePrecisionGranuleBounds(t *testing.T) {
	hist := &Histogram{Values: []float64{0.1, 0.2, 0.3, 0.4}, Counts: []uint64{1, 1, 1, 1}}
	bounds, _, err := Derive("precision=1", 0.1, 0.4, false, hist)
	require.NoError(t, err)
	require.Len(t, bounds, 4)
	require.True(t, math.IsInf(bounds[3], 1))
	for i := 1; i < len(bounds); i++ {
		require.True(t, bounds[i] > bounds[i-1])
	}
	require.Equal(t, 0, Locate(bounds, 0.1))
	require.Equal(t, 1, Locate(bounds, 0.2))
	require.Equal(t, 2, Locate(bounds, 0.3))
	require.Equal(t, 3, Locate(bounds, 0.4))
}

func TestDerivePrecisionSingleValueStillGetsInfSentinel(t *testing.T) {
	hist := &Histogram{Values: []float64{5, 5, 5}, Counts: []uint64{3}}
	bounds, _, err := Derive("precision=2", 5, 5, false, hist)
	require.NoError(t, err)
	require.Equal(t, []float64{math.Inf(1)}, bounds)
}

func TestDeriveFromFileParsesLinesAndComments(t *testing.T) {
	r := strings.NewReader("1.0\n2.5 # note\n# comment\n\n4.0\n")
	bounds, err := DeriveFromFile(r, false)
	require.NoError(t, err)
	require.Equal(t, []float64{1.0, 2.5, 4.0, math.Inf(1)}, bounds)
}

func TestLocateBinarySearchMatchesLinear(t *testing.T) {
	bounds := make([]float64, 0, 20)
	for i := 1; i <= 20; i++ {
		bounds = append(bounds, float64(i))
	}
	for _, v := range []float64{0, 0.5, 1, 1.5, 19.9, 20, 100} {
		require.Equal(t, linearLocate(bounds, v), Locate(bounds, v))
	}
}

func TestLocateHandlesNaN(t *testing.T) {
	bounds := []float64{1, 2, 3, math.Inf(1)}
	require.Equal(t, 0, Locate(bounds, math.NaN()))
}

func linearLocate(bounds []float64, v float64) int {
	for i, b := range bounds {
		if b > v {
			return i
		}
	}
	return len(bounds) - 1
}
