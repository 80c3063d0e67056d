// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package stats

import (
	"math"
	"sync/atomic"
)

const (
	// Binary logarithm of the effective window. Every new sample has the
	// weight 1/16 and the old average keeps 15/16.
	weightShift = 4
	weight      = 1.0 / (1 << weightShift)

	// Flipped in the stored word. The zero word then means there was no
	// sample yet while an average of +0 stays representable.
	signBit = 1 << 63
)

// EWMA is an exponentially weighted moving average safe for concurrent use.
// The first sample seeds the average, every following one moves it by
// 1/16 of the difference. The zero value is ready to use.
//
// Updates are strictly atomic. The average lives in a single word updated by
// a compare-and-swap loop, hence concurrent Add calls never lose a sample and
// Value never observes a half written average.
type EWMA struct {
	word atomic.Uint64
}

// Add feeds one sample into the average.
func (e *EWMA) Add(sample uint64) {
	s := float64(sample)

	for {
		old := e.word.Load()

		next := s
		if old != 0 {
			avg := math.Float64frombits(old ^ signBit)
			next = avg + (s-avg)*weight
		}

		if e.word.CompareAndSwap(old, math.Float64bits(next)^signBit) {
			return
		}
	}
}

// Value returns the current average rounded to the nearest integer or 0 when
// no sample was added yet.
func (e *EWMA) Value() uint64 {
	w := e.word.Load()
	if w == 0 {
		return 0
	}

	return uint64(math.Round(math.Float64frombits(w ^ signBit)))
}
