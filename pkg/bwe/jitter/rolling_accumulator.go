package jitter

import "github.com/gammazero/deque"

// RollingAccumulator keeps the mean of the most recent samples.
type RollingAccumulator struct {
	maxCount int
	samples  deque.Deque[int64]
	sum      int64
}

// NewRollingAccumulator returns an accumulator over the last maxCount
// samples. Panics if maxCount is not positive.
func NewRollingAccumulator(maxCount int) *RollingAccumulator {
	if maxCount <= 0 {
		panic("jitter: RollingAccumulator needs a positive window")
	}
	r := &RollingAccumulator{maxCount: maxCount}
	r.samples.SetBaseCap(maxCount + 1)
	return r
}

// AddSample appends v, evicting the oldest sample when the window is full.
func (r *RollingAccumulator) AddSample(v int64) {
	if r.samples.Len() == r.maxCount {
		r.sum -= r.samples.PopFront()
	}
	r.samples.PushBack(v)
	r.sum += v
}

// Count returns the number of samples in the window.
func (r *RollingAccumulator) Count() int {
	return r.samples.Len()
}

// ComputeMean returns the window mean, or 0 with no samples.
func (r *RollingAccumulator) ComputeMean() float64 {
	if r.samples.Len() == 0 {
		return 0
	}
	return float64(r.sum) / float64(r.samples.Len())
}

// Reset drops all samples.
func (r *RollingAccumulator) Reset() {
	r.samples.Clear()
	r.sum = 0
}
