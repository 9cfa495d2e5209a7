package main

import (
	"errors"
	"fmt"
	"math"
)

// bisectSteps is enough to pin p to float64 resolution on [0, 1].
const bisectSteps = 200

// params describes an erasure code and the durability it has to meet.
type params struct {
	N, K  int
	Nines int
}

func (p params) validate() error {
	switch {
	case p.K < 1 || p.N < p.K:
		return fmt.Errorf("need 1 <= k <= n, got n=%d k=%d", p.N, p.K)
	case p.N > 60:
		return errors.New("n above 60 overflows the binomial table")
	case p.Nines < 1 || p.Nines > 15:
		return fmt.Errorf("nines must be between 1 and 15, got %d", p.Nines)
	}
	return nil
}

// binomials returns row n of Pascal's triangle.
func binomials(n int) []float64 {
	row := make([]uint64, n+1)
	row[0] = 1
	for i := 1; i <= n; i++ {
		for j := i; j > 0; j-- {
			row[j] += row[j-1]
		}
	}
	out := make([]float64, n+1)
	for i, c := range row {
		out[i] = float64(c)
	}
	return out
}

// lossProbability is the chance that more than N-K of N fragments fail when
// each fails independently with probability q.
func lossProbability(n, k int, comb []float64, q float64) float64 {
	sum := 0.0
	for i := n - k + 1; i <= n; i++ {
		sum += comb[i] * math.Pow(q, float64(i)) * math.Pow(1-q, float64(n-i))
	}
	return sum
}

// solve finds the largest per-interval failure probability that still
// keeps the loss probability within 10^-nines.
func solve(p params) (float64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	comb := binomials(p.N)
	budget := math.Pow(10, -float64(p.Nines))

	lo, hi := 0.0, 1.0
	for i := 0; i < bisectSteps && hi > lo; i++ {
		mid := lo + (hi-lo)/2
		if mid == lo || mid == hi {
			break
		}
		if lossProbability(p.N, p.K, comb, mid) > budget {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo, nil
}
