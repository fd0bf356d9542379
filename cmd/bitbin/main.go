// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// bitbin builds and queries binned bitmap indexes over packed numeric
// column files. It is deliberately terse, in the manner of the
// bio-bam-sort/bio-bam-gindex tools: one flag.FlagSet per subcommand, no
// heavier CLI framework.
//
// Usage:
//
//	bitbin build -col data.bin -type int32 -spec "nbins=10" -out data.idx
//	bitbin eval  -idx data.idx -type int32 -has-lo -lo 4 -has-hi -hi 7
//	bitbin hist  -idx data.idx -type int32
//	bitbin cdf   -idx data.idx -type int32
//	bitbin join  -left a.idx -left-type int32 -right b.idx -right-type float64 -delta 0.5
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"unsafe"

	"github.com/grailbio/bitbin/binidx"
	"github.com/grailbio/bitbin/bitvec"
	"github.com/grailbio/bitbin/column"
	"github.com/grailbio/bitbin/joineval"
	"github.com/grailbio/bitbin/typedarray"
	"v.io/x/lib/vlog"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "build":
		err = runBuild(args)
	case "eval":
		err = runEval(args)
	case "hist":
		err = runHist(args)
	case "cdf":
		err = runCDF(args)
	case "join":
		err = runJoin(args)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		vlog.Errorf("bitbin %s: %v", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: bitbin <build|eval|hist|cdf|join> [flags]

  build  column file + bin spec -> index file
  eval   index + predicate -> hit count
  hist   index -> per-bin boundary/popcount table
  cdf    index -> cumulative distribution
  join   two indexes -> sure/iffy range-join pair counts

Run "bitbin <command> -h" for a command's flags.`)
}

func parseType(s string) (column.Type, error) {
	switch s {
	case "int8":
		return column.Int8, nil
	case "uint8":
		return column.Uint8, nil
	case "int16":
		return column.Int16, nil
	case "uint16":
		return column.Uint16, nil
	case "int32":
		return column.Int32, nil
	case "uint32":
		return column.Uint32, nil
	case "int64":
		return column.Int64, nil
	case "uint64":
		return column.Uint64, nil
	case "float32":
		return column.Float32, nil
	case "float64":
		return column.Float64, nil
	default:
		return 0, fmt.Errorf("unrecognized -type %q", s)
	}
}

func sizeOfT[T typedarray.Numeric]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

// loadColumn reads the packed column file at path in full, with every
// row marked live (the CLI has no null-mask input format; callers
// needing null support go through the library directly).
func loadColumn[T typedarray.Numeric](ctx context.Context, path string, colType column.Type) (*column.Column[T], *typedarray.Array[T], error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	rowCount := int(fi.Size()) / sizeOfT[T]()
	arr := typedarray.New[T]()
	if err := arr.Read(ctx, path, 0, fi.Size()); err != nil {
		return nil, nil, err
	}
	col := &column.Column[T]{
		Type:     colType,
		DataPath: path,
		RowCount: rowCount,
		Live:     bitvec.AllOnes(uint64(rowCount)),
	}
	return col, arr, nil
}

func buildAndWrite[T typedarray.Numeric](ctx context.Context, colPath, spec, out string, reorder bool, colType column.Type) error {
	col, arr, err := loadColumn[T](ctx, colPath, colType)
	if err != nil {
		return err
	}
	idx, err := binidx.Build(ctx, col, arr, binidx.BuildOpts{Spec: spec, Reorder: reorder})
	if err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	return idx.Write(f)
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	colPath := fs.String("col", "", "packed column data file to index")
	typeFlag := fs.String("type", "", "column element type (int8, uint8, int16, uint16, int32, uint32, int64, uint64, float32, float64)")
	spec := fs.String("spec", "", "bin-boundary spec grammar, e.g. \"nbins=10 scale=linear\"")
	out := fs.String("out", "", "output index file path")
	reorder := fs.Bool("reorder", false, "also build the bin-major value sidecar (kept in memory only; it is not written to -out)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *colPath == "" || *typeFlag == "" || *out == "" {
		fs.Usage()
		return fmt.Errorf("-col, -type, and -out are required")
	}
	colType, err := parseType(*typeFlag)
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch colType {
	case column.Int32:
		return buildAndWrite[int32](ctx, *colPath, *spec, *out, *reorder, colType)
	case column.Int64:
		return buildAndWrite[int64](ctx, *colPath, *spec, *out, *reorder, colType)
	case column.Float32:
		return buildAndWrite[float32](ctx, *colPath, *spec, *out, *reorder, colType)
	case column.Float64:
		return buildAndWrite[float64](ctx, *colPath, *spec, *out, *reorder, colType)
	default:
		return fmt.Errorf("bitbin: -type %s not wired into the CLI dispatcher (library supports it; add a case)", *typeFlag)
	}
}

func openIndex[T typedarray.Numeric](path string, colType column.Type) (*binidx.Index[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return binidx.Read[T](f, colType)
}

func evalPredicate(idxPath string, colType column.Type, colPath string, pred binidx.Predicate, printRows bool) error {
	ctx := context.Background()
	switch colType {
	case column.Int32:
		return evalTyped[int32](ctx, idxPath, colType, colPath, pred, printRows)
	case column.Int64:
		return evalTyped[int64](ctx, idxPath, colType, colPath, pred, printRows)
	case column.Float32:
		return evalTyped[float32](ctx, idxPath, colType, colPath, pred, printRows)
	case column.Float64:
		return evalTyped[float64](ctx, idxPath, colType, colPath, pred, printRows)
	default:
		return fmt.Errorf("bitbin: -type not wired into the CLI dispatcher (library supports it; add a case)")
	}
}

func evalTyped[T typedarray.Numeric](ctx context.Context, idxPath string, colType column.Type, colPath string, pred binidx.Predicate, printRows bool) error {
	idx, err := openIndex[T](idxPath, colType)
	if err != nil {
		return err
	}
	var reader column.Reader[T]
	if colPath != "" {
		reader = column.NewFileReader[T](colPath, nil)
	}
	res, err := binidx.Evaluate(ctx, idx, pred, reader)
	if err != nil {
		return err
	}
	if res.GaveUp {
		fmt.Println("gave up on index, full scan required")
	}
	fmt.Printf("hits=%d candidates=%d\n", res.Lower.Cardinality(), res.Upper.Cardinality())
	if printRows {
		res.Lower.Iterate(func(r bitvec.Run) bool {
			for row := r.Start; row < r.Start+r.Len; row++ {
				fmt.Println(row)
			}
			return true
		})
	}
	return nil
}

func runEval(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	idxPath := fs.String("idx", "", "index file to query")
	typeFlag := fs.String("type", "", "column element type")
	colPath := fs.String("col", "", "original column file, read by EdgeRescan for edge bins (an index read from disk carries no sidecar); without it edge bins contribute no hits")
	lo := fs.Float64("lo", 0, "lower bound (use with -has-lo)")
	hasLo := fs.Bool("has-lo", false, "apply the lower bound")
	loExcl := fs.Bool("lo-exclusive", false, "lower bound is exclusive")
	hi := fs.Float64("hi", 0, "upper bound (use with -has-hi)")
	hasHi := fs.Bool("has-hi", false, "apply the upper bound")
	hiExcl := fs.Bool("hi-exclusive", false, "upper bound is exclusive")
	eq := fs.Float64("eq", 0, "exact-match value, shorthand for -has-lo -has-hi with -lo=-eq=-hi")
	hasEq := fs.Bool("has-eq", false, "apply the -eq shorthand")
	rows := fs.Bool("rows", false, "print matching row ids in addition to the count")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *idxPath == "" || *typeFlag == "" {
		fs.Usage()
		return fmt.Errorf("-idx and -type are required")
	}
	colType, err := parseType(*typeFlag)
	if err != nil {
		return err
	}
	var pred binidx.Predicate
	switch {
	case *hasEq:
		pred = binidx.Equal(*eq)
	default:
		pred = binidx.Predicate{
			HasLo: *hasLo, Lo: *lo, LoInclusive: !*loExcl,
			HasHi: *hasHi, Hi: *hi, HiInclusive: !*hiExcl,
		}
	}
	return evalPredicate(*idxPath, colType, *colPath, pred, *rows)
}

func histTyped[T typedarray.Numeric](idxPath string, colType column.Type) error {
	idx, err := openIndex[T](idxPath, colType)
	if err != nil {
		return err
	}
	fmt.Printf("%-6s %-24s %-24s %-24s %s\n", "bin", "upper bound", "min", "max", "popcount")
	for i := 0; i < idx.NOBS(); i++ {
		fmt.Printf("%-6d %-24g %-24g %-24g %d\n", i, idx.Bound(i), idx.Min(i), idx.Max(i), idx.BitsAt(i).Cardinality())
	}
	return nil
}

func runHist(args []string) error {
	fs := flag.NewFlagSet("hist", flag.ExitOnError)
	idxPath := fs.String("idx", "", "index file")
	typeFlag := fs.String("type", "", "column element type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *idxPath == "" || *typeFlag == "" {
		fs.Usage()
		return fmt.Errorf("-idx and -type are required")
	}
	colType, err := parseType(*typeFlag)
	if err != nil {
		return err
	}
	switch colType {
	case column.Int32:
		return histTyped[int32](*idxPath, colType)
	case column.Int64:
		return histTyped[int64](*idxPath, colType)
	case column.Float32:
		return histTyped[float32](*idxPath, colType)
	case column.Float64:
		return histTyped[float64](*idxPath, colType)
	default:
		return fmt.Errorf("bitbin: -type not wired into the CLI dispatcher (library supports it; add a case)")
	}
}

func cdfTyped[T typedarray.Numeric](idxPath string, colType column.Type) error {
	idx, err := openIndex[T](idxPath, colType)
	if err != nil {
		return err
	}
	var cum uint64
	fmt.Printf("%-6s %-24s %-12s %s\n", "bin", "upper bound", "cum. count", "cum. fraction")
	for i := 0; i < idx.NOBS(); i++ {
		cum += idx.BitsAt(i).Cardinality()
		frac := 0.0
		if idx.NRows > 0 {
			frac = float64(cum) / float64(idx.NRows)
		}
		fmt.Printf("%-6d %-24g %-12d %.6f\n", i, idx.Bound(i), cum, frac)
	}
	return nil
}

func runCDF(args []string) error {
	fs := flag.NewFlagSet("cdf", flag.ExitOnError)
	idxPath := fs.String("idx", "", "index file")
	typeFlag := fs.String("type", "", "column element type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *idxPath == "" || *typeFlag == "" {
		fs.Usage()
		return fmt.Errorf("-idx and -type are required")
	}
	colType, err := parseType(*typeFlag)
	if err != nil {
		return err
	}
	switch colType {
	case column.Int32:
		return cdfTyped[int32](*idxPath, colType)
	case column.Int64:
		return cdfTyped[int64](*idxPath, colType)
	case column.Float32:
		return cdfTyped[float32](*idxPath, colType)
	case column.Float64:
		return cdfTyped[float64](*idxPath, colType)
	default:
		return fmt.Errorf("bitbin: -type not wired into the CLI dispatcher (library supports it; add a case)")
	}
}

// joinSink counts sure vs iffy pairs rather than materializing them, for
// a command-line summary.
type joinSink struct {
	sure, iffy int
}

func (s *joinSink) Emit(lBin, rBin int, sure bool, lBits, rBits *bitvec.Bitvector) {
	if sure {
		s.sure++
	} else {
		s.iffy++
	}
}

func (s *joinSink) EmitWindow(lBin int, rUnion *bitvec.Bitvector) {}

func joinTyped[L, R typedarray.Numeric](leftPath string, leftType column.Type, rightPath string, rightType column.Type, delta float64) error {
	l, err := openIndex[L](leftPath, leftType)
	if err != nil {
		return err
	}
	r, err := openIndex[R](rightPath, rightType)
	if err != nil {
		return err
	}
	sink := &joinSink{}
	joineval.Join(l, r, delta, sink)
	fmt.Printf("sure=%d iffy=%d\n", sink.sure, sink.iffy)
	return nil
}

func runJoin(args []string) error {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	leftPath := fs.String("left", "", "left index file")
	leftTypeFlag := fs.String("left-type", "", "left column element type")
	rightPath := fs.String("right", "", "right index file")
	rightTypeFlag := fs.String("right-type", "", "right column element type")
	delta := fs.Float64("delta", 0, "join tolerance: |lVal - rVal| <= delta")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *leftPath == "" || *rightPath == "" || *leftTypeFlag == "" || *rightTypeFlag == "" {
		fs.Usage()
		return fmt.Errorf("-left, -left-type, -right, and -right-type are required")
	}
	leftType, err := parseType(*leftTypeFlag)
	if err != nil {
		return err
	}
	rightType, err := parseType(*rightTypeFlag)
	if err != nil {
		return err
	}
	// Only the four combinations the CLI itself exercises; the library
	// supports any Numeric pairing via joineval.BinRange.
	switch {
	case leftType == column.Int32 && rightType == column.Int32:
		return joinTyped[int32, int32](*leftPath, leftType, *rightPath, rightType, *delta)
	case leftType == column.Int64 && rightType == column.Int64:
		return joinTyped[int64, int64](*leftPath, leftType, *rightPath, rightType, *delta)
	case leftType == column.Float64 && rightType == column.Float64:
		return joinTyped[float64, float64](*leftPath, leftType, *rightPath, rightType, *delta)
	case leftType == column.Int32 && rightType == column.Float64:
		return joinTyped[int32, float64](*leftPath, leftType, *rightPath, rightType, *delta)
	default:
		return fmt.Errorf("bitbin: %s/%s type pairing not wired into the CLI dispatcher (library supports it; add a case)", *leftTypeFlag, *rightTypeFlag)
	}
}
