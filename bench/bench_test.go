package bench

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	samples := []time.Duration{2 * time.Microsecond, 4 * time.Microsecond, 4 * time.Microsecond,
		4 * time.Microsecond, 5 * time.Microsecond, 5 * time.Microsecond, 7 * time.Microsecond, 9 * time.Microsecond}
	s := Summarize(samples)
	if s.N != 8 {
		t.Fatalf("expect N=8, got %d", s.N)
	}
	if s.Min != 2*time.Microsecond || s.Max != 9*time.Microsecond {
		t.Fatalf("expect min 2µs max 9µs, got %s %s", s.Min, s.Max)
	}
	if s.Avg != 5*time.Microsecond {
		t.Fatalf("expect avg 5µs, got %s", s.Avg)
	}
	// Population standard deviation of the set above is exactly 2.
	if s.StdDev != 2*time.Microsecond {
		t.Fatalf("expect stddev 2µs, got %s", s.StdDev)
	}
	if !strings.Contains(s.String(), "Average response time: 5.000 µs") {
		t.Fatalf("unexpected report:\n%s", s)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if s := Summarize(nil); s != (Stats{}) {
		t.Fatalf("expect zero stats, got %+v", s)
	}
}

func TestRun(t *testing.T) {
	calls := 0
	s := Run(5, func() error {
		calls++
		if calls == 3 {
			return errors.New("boom")
		}
		return nil
	})
	if calls != 5 || s.N != 5 {
		t.Fatalf("expect 5 calls, got %d (N=%d)", calls, s.N)
	}
	if s.Failed != 1 {
		t.Fatalf("expect 1 failure, got %d", s.Failed)
	}
	if s.Min > s.Avg || s.Avg > s.Max {
		t.Fatalf("expect min <= avg <= max, got %s %s %s", s.Min, s.Avg, s.Max)
	}
}
