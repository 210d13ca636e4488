package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New(cfg)
	b.now = clock.Now
	return b, clock
}

var errBoom = errors.New("boom")

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: -1})

	for range 4 {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Errorf("Expected closed after 4 failures, got %s", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("Expected open after 5 failures, got %s", b.State())
	}
}

func TestBreaker_Execute(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 2, Cooldown: time.Second})

	assert.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
	assert.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	clock.Advance(2 * time.Second)
	assert.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 1, Cooldown: time.Second})

	b.RecordFailure()
	clock.Advance(time.Second)

	if !b.Allow() {
		t.Fatal("Expected probe to be allowed after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("Expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Expected second call to be rejected while probe is in flight")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("Expected failed probe to reopen, got %s", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	var transitions []string
	b, clock := newTestBreaker(Config{
		Threshold: 1,
		Cooldown:  time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	clock.Advance(time.Second)
	b.Allow()
	b.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1})

	a := r.Get("hooks.example.com")
	if a != r.Get("hooks.example.com") {
		t.Error("Expected same breaker for same key")
	}
	a.RecordFailure()
	r.Get("other.example.com")

	stats := r.Stats()
	assert.Equal(t, Stats{Total: 2, Open: 1, Closed: 1}, stats)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "half-open", HalfOpen.String())
}
