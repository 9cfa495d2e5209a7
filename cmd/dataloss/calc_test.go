package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBinomials(t *testing.T) {
	assert.Equal(t, []float64{1, 8, 28, 56, 70, 56, 28, 8, 1}, binomials(8))
	assert.Equal(t, []float64{1}, binomials(0))
}

func TestLossProbabilityIsMonotone(t *testing.T) {
	comb := binomials(8)
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float64Range(0, 1).Draw(t, "a")
		b := rapid.Float64Range(0, 1).Draw(t, "b")
		if a > b {
			a, b = b, a
		}
		assert.LessOrEqual(t, lossProbability(8, 4, comb, a), lossProbability(8, 4, comb, b)+1e-15)
	})
}

func TestLossProbabilityBounds(t *testing.T) {
	comb := binomials(8)
	assert.Equal(t, 0.0, lossProbability(8, 4, comb, 0))
	assert.InDelta(t, 1.0, lossProbability(8, 4, comb, 1), 1e-12)
	// n == k loses data as soon as one fragment fails
	assert.InDelta(t, 1-math.Pow(0.9, 4), lossProbability(4, 4, binomials(4), 0.1), 1e-12)
}

func TestSolveMeetsTarget(t *testing.T) {
	for _, nines := range []int{3, 6, 11} {
		p := params{N: 8, K: 4, Nines: nines}
		q, err := solve(p)
		require.NoError(t, err)
		require.Greater(t, q, 0.0)
		require.Less(t, q, 1.0)

		comb := binomials(8)
		budget := math.Pow(10, -float64(nines))
		assert.LessOrEqual(t, lossProbability(8, 4, comb, q), budget)
		assert.Greater(t, lossProbability(8, 4, comb, q*1.01), budget)
	}
}

func TestSolveTightensWithNines(t *testing.T) {
	loose, err := solve(params{N: 8, K: 4, Nines: 3})
	require.NoError(t, err)
	strict, err := solve(params{N: 8, K: 4, Nines: 11})
	require.NoError(t, err)
	assert.Less(t, strict, loose)
}

func TestSolveRejectsBadParams(t *testing.T) {
	for _, p := range []params{
		{N: 3, K: 4, Nines: 5},
		{N: 4, K: 0, Nines: 5},
		{N: 8, K: 4, Nines: 0},
		{N: 8, K: 4, Nines: 20},
		{N: 70, K: 4, Nines: 5},
	} {
		_, err := solve(p)
		assert.Error(t, err, "%+v", p)
	}
}
