// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package binidx

import (
	"fmt"
	"io"
	"time"

	"github.com/grailbio/bitbin/bitvec"
)

// SpeedTest is the diagnostic named (but explicitly out of scope for
// correctness) in spec.md §4.5.5: it times Or between adjacent
// bitvectors and reports throughput. It has no bearing on evaluation
// correctness.
func (idx *Index[T]) SpeedTest(out io.Writer) {
	nobs := idx.NOBS()
	if nobs < 2 {
		fmt.Fprintf(out, "binidx: speedtest needs at least 2 bins, have %d\n", nobs)
		return
	}
	start := time.Now()
	acc := bitvec.New(uint64(idx.NRows))
	var ops int
	for i := 0; i < nobs-1; i++ {
		acc.Or(idx.Bits[i])
		acc.Or(idx.Bits[i+1])
		ops++
	}
	elapsed := time.Since(start)
	var perOp time.Duration
	if ops > 0 {
		perOp = elapsed / time.Duration(ops)
	}
	fmt.Fprintf(out, "binidx: %d adjacent-bin ORs in %s (%s/op)\n", ops, elapsed, perOp)
}
