package backoff

import (
	"testing"
	"time"
)

func TestExponential_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		{30, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := Exponential(tt.attempt, nil); got != tt.want {
			t.Errorf("Exponential(%d, nil) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CustomConfig(t *testing.T) {
	t.Parallel()
	cfg := &Config{Initial: time.Second, Max: 10 * time.Second}

	if got := Exponential(3, cfg); got != 4*time.Second {
		t.Errorf("Expected 4s, got %v", got)
	}
	if got := Exponential(5, cfg); got != 10*time.Second {
		t.Errorf("Expected cap of 10s, got %v", got)
	}
}

func TestExponential_Jitter(t *testing.T) {
	t.Parallel()
	cfg := &Config{Initial: time.Second, Max: time.Minute, Jitter: 0.5}

	for range 100 {
		got := Exponential(2, cfg)
		if got < time.Second || got > 2*time.Second {
			t.Fatalf("jittered delay %v outside [1s, 2s]", got)
		}
	}
}
