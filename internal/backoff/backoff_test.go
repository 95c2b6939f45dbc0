package backoff

import (
	"testing"
	"time"
)

func TestDefaultDoublesEachAttempt(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second}, // would be 80s uncapped; Max clamps it
	}
	for _, c := range cases {
		if got := Default.Delay(c.attempt); got != c.want {
			t.Fatalf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	p := Policy{Base: time.Second, Max: 15 * time.Second}
	if got := p.Delay(5); got != 15*time.Second {
		t.Fatalf("Delay(5) = %v, want capped 15s", got)
	}
}

func TestNegativeAttemptTreatedAsZero(t *testing.T) {
	p := Policy{Base: 5 * time.Second}
	if got := p.Delay(-3); got != 5*time.Second {
		t.Fatalf("Delay(-3) = %v, want 5s", got)
	}
}
