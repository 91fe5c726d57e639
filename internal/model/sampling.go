package model

import (
	"math"
	"math/rand"
	"sort"
)

// softmaxTemp computes softmax(logits/temp) with the max subtracted first.
func softmaxTemp(logits []float64, temp float64) []float64 {
	maxv := math.Inf(-1)
	for _, v := range logits {
		if v/temp > maxv {
			maxv = v / temp
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(v/temp - maxv)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// choice samples an index from a probability distribution.
func choice(rng *rand.Rand, probs []float64) int {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}

// topK keeps the k most likely entries and renormalises. k <= 0 keeps all.
func topK(probs []float64, k int) []float64 {
	if k <= 0 || k >= len(probs) {
		return probs
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	out := make([]float64, len(probs))
	var s float64
	for _, i := range idx[:k] {
		out[i] = probs[i]
		s += probs[i]
	}
	if s == 0 {
		return probs
	}
	for i := range out {
		out[i] /= s
	}
	return out
}
