// Command dataloss estimates how quickly a cluster must repair lost
// fragments to keep an (n,k) erasure code within a durability target.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
)

func main() {
	var (
		p    params
		mtbf float64
	)
	flag.IntVar(&p.N, "n", 8, "Erasure coding parameter n")
	flag.IntVar(&p.K, "k", 4, "Erasure coding parameter k")
	flag.IntVar(&p.Nines, "nines", 11, "Durability target as a number of nines")
	flag.Float64Var(&mtbf, "mtbf", 1_000_000, "Mean time between failures of one node in hours")
	flag.Parse()

	if mtbf <= 0 {
		fmt.Fprintln(os.Stderr, "mtbf must be positive")
		os.Exit(2)
	}
	q, err := solve(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("(n,k) = (%d,%d)\n", p.N, p.K)
	fmt.Printf("durability target = %d nines\n", p.Nines)
	fmt.Printf("p (solved) = %g\n", q)
	fmt.Printf("recovery interval <= %s h\n", humanize.CommafWithDigits(q*mtbf, 2))
}
