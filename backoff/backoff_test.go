package backoff

import (
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	t.Parallel()

	f := NewFixed(250 * time.Millisecond)
	for _, attempt := range []int{1, 2, 10, 1000} {
		if got := f.Delay(attempt); got != 250*time.Millisecond {
			t.Fatalf("attempt %d: got %v, want 250ms", attempt, got)
		}
	}
}

func TestExponentialDoubles(t *testing.T) {
	t.Parallel()

	e := NewExponential(100 * time.Millisecond)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialCeiling(t *testing.T) {
	t.Parallel()

	e := NewExponential(time.Second)

	// Attempt counts large enough to overflow float math must still land
	// on the ceiling, never a negative or absurd delay.
	for _, attempt := range []int{20, 64, 1024} {
		if got := e.Delay(attempt); got != DefaultMax {
			t.Fatalf("attempt %d: got %v, want ceiling %v", attempt, got, DefaultMax)
		}
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	t.Parallel()

	e := NewExponentialWithJitter(100*time.Millisecond, time.Minute)

	for attempt := 1; attempt <= 30; attempt++ {
		got := e.Delay(attempt)
		if got < 0 || got > time.Minute {
			t.Fatalf("attempt %d: jitter delay %v outside [0, 1m]", attempt, got)
		}
	}
}

func TestForType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		typ  Type
		// delay for attempt 2 distinguishes fixed from exponential
		want time.Duration
	}{
		{"fixed", TypeFixed, 100 * time.Millisecond},
		{"exponential", TypeExponential, 200 * time.Millisecond},
		{"unknown falls back to fixed", Type("bogus"), 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ForType(tt.typ, 100*time.Millisecond)
			if got := s.Delay(2); got != tt.want {
				t.Fatalf("Delay(2) = %v, want %v", got, tt.want)
			}
		})
	}
}
