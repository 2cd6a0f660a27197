// Package stats turns cumulative traffic counters into smoothed bitrates.
package stats

// DefaultWindow is the number of samples averaged for a smoothed bitrate.
const DefaultWindow = 5

// RollingAverage keeps the mean of the last n values.
type RollingAverage struct {
	values []float64
	next   int
	filled bool
	sum    float64
}

func NewRollingAverage(n int) *RollingAverage {
	if n <= 0 {
		n = DefaultWindow
	}
	return &RollingAverage{values: make([]float64, n)}
}

// Add records v and returns the current mean.
func (r *RollingAverage) Add(v float64) float64 {
	r.sum -= r.values[r.next]
	r.values[r.next] = v
	r.sum += v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.filled = true
	}
	return r.Mean()
}

func (r *RollingAverage) Mean() float64 {
	n := r.Len()
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}

// Len is the number of samples currently averaged.
func (r *RollingAverage) Len() int {
	if r.filled {
		return len(r.values)
	}
	return r.next
}
