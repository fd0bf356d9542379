// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package binspec parses the textual index specification grammar of
// spec.md §4.4/§6.5 into a sorted array of bin boundaries.
//
// Grounded on spec.md's own grammar table; the original FastBit source
// for ibis::part's spec parser was filtered out of the retrieval pack
// (only array_t.h/fileManager.{h,cpp} survived), so the parsing rules
// below are reconstructed directly from the spec text rather than copied
// from a surviving implementation -- recorded in DESIGN.md's
// per-component grounding table.
package binspec

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"v.io/x/lib/vlog"
)

// DefaultNBins is IBIS_DEFAULT_NBINS: the fallback bin count used when a
// spec string yields no boundaries at all.
const DefaultNBins = 10000

// Scale selects the bin-boundary generation strategy.
type Scale int

const (
	ScaleLinear Scale = iota
	ScaleLog
)

// Opts is the parsed, normalized form of an index spec string.
type Opts struct {
	Scale       Scale
	EqualWeight bool
	NBins       int
	Start, End  float64
	HasStart    bool
	HasEnd      bool
	Precision   int // 0 means "not granule mode"
	Reorder     bool
	Explicit    []rangeSpec // from "bins: [lo,hi,n] ..." or <binning/> groups
	BinFile     string
}

type rangeSpec struct {
	lo, hi float64
	n      int
	scale  Scale
}

var kvRe = regexp.MustCompile(`(?i)([a-z_]+)\s*=\s*([^\s]+)`)
var bindingGroupRe = regexp.MustCompile(`(?i)<binning([^/]*)/>`)
var bracketRangeRe = regexp.MustCompile(`\[\s*([-\d.eE+]+)\s*,\s*([-\d.eE+]+)\s*,\s*(\d+)\s*\]`)

// Parse parses spec into Opts. It only reads the spec text; histograms
// for equal_weight and precision= are supplied to Derive instead.
func Parse(spec string) (Opts, error) {
	var o Opts
	spec = strings.TrimSpace(spec)
	lower := strings.ToLower(spec)

	if strings.Contains(lower, "equal_ratio") {
		o.Scale = ScaleLog
	}
	if strings.Contains(lower, "equal_weight") {
		o.EqualWeight = true
	}
	if strings.Contains(lower, "scale=log") {
		o.Scale = ScaleLog
	}
	if strings.Contains(lower, "reorder") {
		o.Reorder = true
	}

	// Explicit <binning (...) (...) .../> groups, additive.
	for _, m := range bindingGroupRe.FindAllStringSubmatch(spec, -1) {
		group, err := parseGroup(m[1])
		if err != nil {
			return o, err
		}
		o.Explicit = append(o.Explicit, group...)
	}

	// "bins: [lo, hi, n] [lo, hi, n] ..." explicit per-range generation.
	if idx := strings.Index(lower, "bins:"); idx >= 0 {
		for _, m := range bracketRangeRe.FindAllStringSubmatch(spec[idx:], -1) {
			rs, err := toRange(m[1], m[2], m[3], o.Scale)
			if err != nil {
				return o, err
			}
			o.Explicit = append(o.Explicit, rs)
		}
	}

	for _, m := range kvRe.FindAllStringSubmatch(spec, -1) {
		key := strings.ToLower(m[1])
		val := m[2]
		switch key {
		case "scale":
			if strings.EqualFold(val, "log") {
				o.Scale = ScaleLog
			}
		case "nbins", "no":
			n, err := strconv.Atoi(val)
			if err != nil {
				return o, fmt.Errorf("binspec: bad %s=%s: %w", key, val, err)
			}
			o.NBins = n
		case "start":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return o, fmt.Errorf("binspec: bad start=%s: %w", val, err)
			}
			o.Start, o.HasStart = v, true
		case "end":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return o, fmt.Errorf("binspec: bad end=%s: %w", val, err)
			}
			o.End, o.HasEnd = v, true
		case "precision", "prec":
			d, err := strconv.Atoi(val)
			if err != nil {
				return o, fmt.Errorf("binspec: bad %s=%s: %w", key, val, err)
			}
			o.Precision = d
		case "binfile", "file":
			o.BinFile = val
		}
	}
	return o, nil
}

func parseGroup(body string) ([]rangeSpec, error) {
	var groups []rangeSpec
	// Each parenthesized sub-group is additive.
	for _, g := range splitParens(body) {
		sub, err := Parse(g)
		if err != nil {
			return nil, err
		}
		if !sub.HasStart || !sub.HasEnd {
			return nil, fmt.Errorf("binspec: <binning/> group missing start/end: %q", g)
		}
		n := sub.NBins
		if n <= 0 {
			n = 1
		}
		groups = append(groups, rangeSpec{lo: sub.Start, hi: sub.End, n: n, scale: sub.Scale})
	}
	return groups, nil
}

func splitParens(s string) []string {
	var out []string
	depth := 0
	start := -1
	for i, r := range s {
		switch r {
		case '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ')':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		}
	}
	return out
}

func toRange(loStr, hiStr, nStr string, scale Scale) (rangeSpec, error) {
	lo, err := strconv.ParseFloat(loStr, 64)
	if err != nil {
		return rangeSpec{}, err
	}
	hi, err := strconv.ParseFloat(hiStr, 64)
	if err != nil {
		return rangeSpec{}, err
	}
	n, err := strconv.Atoi(nStr)
	if err != nil {
		return rangeSpec{}, err
	}
	return rangeSpec{lo: lo, hi: hi, n: n, scale: scale}, nil
}

// Histogram is an optional sampled value count, used by equal_weight
// bin-boundary derivation when the caller hasn't scanned the full
// column (spec.md §4.4).
type Histogram struct {
	Values []float64 // sorted ascending
	Counts []uint64  // parallel to Values
}

// Derive computes the final, sorted, +Inf-terminated bin boundaries for
// a column with the given observed range and (optional) sample
// histogram, implementing spec.md §4.4's post-processing pipeline:
// sort, integer-truncate-then-dedup, append +Inf sentinel, and the
// IBIS_DEFAULT_NBINS fallback when nothing else yields boundaries.
func Derive(spec string, minVal, maxVal float64, isInteger bool, hist *Histogram) ([]float64, bool, error) {
	o, err := Parse(spec)
	if err != nil {
		return nil, false, err
	}

	if o.BinFile != "" {
		return nil, false, fmt.Errorf("binspec: use DeriveFromFile for binFile specs")
	}

	var bounds []float64
	engaged := false
	switch {
	case len(o.Explicit) > 0:
		for _, rs := range o.Explicit {
			bounds = append(bounds, generateRange(rs)...)
		}
		engaged = true
	case o.Precision > 0:
		bounds = granuleBounds(hist, o.Precision)
		engaged = hist != nil && len(hist.Values) > 0
	case o.EqualWeight:
		bounds = equalWeightBounds(hist, effectiveNBins(o), minVal, maxVal)
	default:
		start, end := minVal, maxVal
		if o.HasStart {
			start = o.Start
		}
		if o.HasEnd {
			end = o.End
		}
		bounds = generateRange(rangeSpec{lo: start, hi: end, n: effectiveNBins(o), scale: o.Scale})
		// generateRange's last cut lands on `end`; the index's own +Inf
		// sentinel (added by postProcess below) takes that final bin's
		// upper edge instead, so drop the literal end-of-range value.
		if len(bounds) > 0 {
			bounds = bounds[:len(bounds)-1]
		}
	}

	if len(bounds) == 0 && !engaged {
		vlog.Infof("binspec: spec %q produced no boundaries, falling back to %d equal-weight bins", spec, DefaultNBins)
		bounds = equalWeightBounds(hist, DefaultNBins, minVal, maxVal)
	}
	return postProcess(bounds, isInteger), o.Reorder, nil
}

// DeriveFromFile reads bin boundaries (one decimal per line, "#"
// starting a comment) from r, per spec.md §4.4's binFile option.
func DeriveFromFile(r io.Reader, isInteger bool) ([]float64, error) {
	var bounds []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("binspec: bad boundary line %q: %w", line, err)
		}
		bounds = append(bounds, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return postProcess(bounds, isInteger), nil
}

func effectiveNBins(o Opts) int {
	if o.NBins > 0 {
		return o.NBins
	}
	return DefaultNBins
}

// generateRange expands one [lo, hi, n] or start/end/nbins/scale group
// into n boundary values (right edges of bins spanning [lo, hi)).
func generateRange(rs rangeSpec) []float64 {
	if rs.n <= 0 {
		return nil
	}
	out := make([]float64, 0, rs.n)
	if rs.scale == ScaleLog {
		return logBounds(rs.lo, rs.hi, rs.n)
	}
	width := (rs.hi - rs.lo) / float64(rs.n)
	for i := 1; i <= rs.n; i++ {
		out = append(out, rs.lo+width*float64(i))
	}
	return out
}

// logBounds subdivides each order of magnitude spanned by [lo,hi] into
// 1..10 slots depending on how many decades must share the requested
// bin count n, per spec.md §4.4's scale=log description.
func logBounds(lo, hi float64, n int) []float64 {
	if lo <= 0 {
		lo = 1e-300
	}
	decades := math.Log10(hi) - math.Log10(lo)
	if decades < 1 {
		decades = 1
	}
	perDecade := int(math.Ceil(float64(n) / decades))
	if perDecade < 1 {
		perDecade = 1
	}
	if perDecade > 10 {
		perDecade = 10
	}
	subdivs := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}[:perDecade]

	var out []float64
	startExp := math.Floor(math.Log10(lo))
	endExp := math.Ceil(math.Log10(hi))
	for exp := startExp; exp < endExp; exp++ {
		base := math.Pow(10, exp)
		for _, s := range subdivs {
			v := base * s
			if v > lo && v <= hi {
				out = append(out, v)
			}
		}
	}
	return out
}

// granuleBounds implements precision=d "granule" mode: every distinct
// d-significant-figure rounded key observed in hist gets its own bin,
// with the cut between key i and key i+1 sitting just above key i. A
// value that rounds to key i but lies above it therefore falls into key
// i+1's bin, and no separate below/equal/above sub-bins are made per
// key. The last key needs no explicit cut -- the index's own +Inf
// sentinel closes its bin (added by postProcess).
func granuleBounds(hist *Histogram, d int) []float64 {
	if hist == nil {
		return nil
	}
	keys := make(map[float64]bool)
	for _, v := range hist.Values {
		keys[roundSigFigs(v, d)] = true
	}
	sorted := make([]float64, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Float64s(sorted)
	var out []float64
	for i := 0; i < len(sorted)-1; i++ {
		out = append(out, nextAfter(sorted[i]))
	}
	return out
}

func nextAfter(v float64) float64 { return math.Nextafter(v, math.Inf(1)) }

func roundSigFigs(v float64, d int) float64 {
	if v == 0 {
		return 0
	}
	mag := math.Ceil(math.Log10(math.Abs(v)))
	scale := math.Pow(10, float64(d)-mag)
	return math.Round(v*scale) / scale
}

// equalWeightBounds approximates equal-population bins by scanning the
// histogram (or falling back to a linear split if no histogram is
// available) and calling divideCounts to partition the running total
// into nbins roughly equal shares, per spec.md §4.4's equal_weight
// option.
func equalWeightBounds(hist *Histogram, nbins int, minVal, maxVal float64) []float64 {
	if hist == nil || len(hist.Values) == 0 {
		bounds := generateRange(rangeSpec{lo: minVal, hi: maxVal, n: nbins, scale: ScaleLinear})
		if len(bounds) > 0 {
			bounds = bounds[:len(bounds)-1]
		}
		return bounds
	}
	return divideCounts(hist.Values, hist.Counts, nbins)
}

// divideCounts partitions a sorted (value, count) histogram into at most
// nbins-1 interior boundary values such that each bin's total count is as
// close to total/nbins as achievable at histogram-bucket granularity. The
// final (nbins-th) bin's upper edge is left to the caller's +Inf sentinel.
func divideCounts(values []float64, counts []uint64, nbins int) []float64 {
	if nbins <= 0 || len(values) == 0 {
		return nil
	}
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return nil
	}
	target := float64(total) / float64(nbins)

	var bounds []float64
	var running uint64
	nextTarget := target
	for i, v := range values {
		running += counts[i]
		if float64(running) >= nextTarget && len(bounds) < nbins-1 {
			bounds = append(bounds, v)
			nextTarget += target
		}
	}
	return bounds
}

// postProcess implements spec.md §4.4's post-processing pipeline: sort
// ascending, integer-truncate before dedup for integer columns, drop
// near-duplicates, append the +Inf sentinel.
func postProcess(bounds []float64, isInteger bool) []float64 {
	if len(bounds) == 0 {
		// A single bin (e.g. precision mode over one distinct value)
		// still needs its +Inf sentinel.
		return []float64{math.Inf(1)}
	}
	out := append([]float64(nil), bounds...)
	sort.Float64s(out)
	if isInteger {
		for i := range out {
			out[i] = math.Trunc(out[i])
		}
	}
	const eps = 1e-9
	deduped := out[:1]
	for _, v := range out[1:] {
		prev := deduped[len(deduped)-1]
		if math.Abs(v-prev) > eps*math.Max(1, math.Abs(prev)) {
			deduped = append(deduped, v)
		}
	}
	return append(deduped, math.Inf(1))
}

// Locate returns the smallest i such that bounds[i] > v, the bin-locate
// function of spec.md §4.4. NaN, -Inf, and values below all bounds map
// to 0; +Inf and values above all but the +Inf sentinel map to
// len(bounds)-1. Uses binary search when len(bounds) >= 8, linear
// otherwise.
func Locate(bounds []float64, v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	n := len(bounds)
	if n == 0 {
		return 0
	}
	if len(bounds) >= 8 {
		i := sort.Search(n, func(i int) bool { return bounds[i] > v })
		if i >= n {
			return n - 1
		}
		return i
	}
	for i, b := range bounds {
		if b > v {
			return i
		}
	}
	return n - 1
}
