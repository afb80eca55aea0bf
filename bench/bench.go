// Package bench measures the response time of repeated calls.
package bench

import (
	"fmt"
	"math"
	"time"
)

// Stats summarizes N timed calls. StdDev is the population standard deviation.
type Stats struct {
	N      int
	Failed int
	Min    time.Duration
	Max    time.Duration
	Avg    time.Duration
	StdDev time.Duration
}

// Run calls fn n times in sequence and times each call. Failed calls are
// counted but still timed, as the round trip happened.
func Run(n int, fn func() error) Stats {
	samples := make([]time.Duration, 0, n)
	failed := 0
	for i := 0; i < n; i++ {
		begin := time.Now()
		if err := fn(); err != nil {
			failed++
		}
		samples = append(samples, time.Since(begin))
	}
	s := Summarize(samples)
	s.Failed = failed
	return s
}

// Summarize computes Stats over samples.
func Summarize(samples []time.Duration) Stats {
	s := Stats{N: len(samples)}
	if s.N == 0 {
		return s
	}

	var total float64
	s.Min, s.Max = samples[0], samples[0]
	for _, d := range samples {
		total += float64(d)
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
	}
	avg := total / float64(s.N)

	var sd float64
	for _, d := range samples {
		sd += math.Pow(float64(d)-avg, 2)
	}
	s.Avg = time.Duration(avg)
	s.StdDev = time.Duration(math.Sqrt(sd / float64(s.N)))
	return s
}

func micros(d time.Duration) float64 {
	return float64(d) / float64(time.Microsecond)
}

func (s Stats) String() string {
	return fmt.Sprintf("Requests: %d (%d failed)\n"+
		"Average response time: %.3f µs\n"+
		"Standard deviation: %.3f µs\n"+
		"Min: %.3f µs, Max: %.3f µs",
		s.N, s.Failed, micros(s.Avg), micros(s.StdDev), micros(s.Min), micros(s.Max))
}
