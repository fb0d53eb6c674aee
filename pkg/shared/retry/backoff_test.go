package retry

import (
	"testing"
	"time"
)

func TestDelay_Attempt1NoJitter(t *testing.T) {
	d := Delay(1, 2.0, 60*time.Second, 0)
	want := 2 * time.Second
	if d != want {
		t.Errorf("Delay(1, 2.0, ..., 0) = %v, want %v", d, want)
	}
}

func TestDelay_WithJitterBounded(t *testing.T) {
	factor := 4.0
	jitter := 0.25
	lower := time.Duration(factor * (1 - jitter) * float64(time.Second))
	upper := time.Duration(factor * (1 + jitter) * float64(time.Second))

	for i := 0; i < 200; i++ {
		d := Delay(1, factor, 60*time.Second, jitter)
		if d < lower || d > upper {
			t.Fatalf("Delay() = %v, want in [%v, %v]", d, lower, upper)
		}
	}
}

func TestDelay_ClampedToMaxDelay(t *testing.T) {
	d := Delay(10, 2.0, 5*time.Second, 0)
	if d != 5*time.Second {
		t.Errorf("Delay() = %v, want clamped to 5s", d)
	}
}

func TestDelay_ClampedToMinimum(t *testing.T) {
	d := Delay(1, 0.0001, 60*time.Second, 0)
	if d < 100*time.Millisecond {
		t.Errorf("Delay() = %v, want >= 100ms floor", d)
	}
}

func TestDelay_ExponentialGrowth(t *testing.T) {
	factor := 1.0
	d1 := Delay(1, factor, 600*time.Second, 0)
	d2 := Delay(2, factor, 600*time.Second, 0)
	d3 := Delay(3, factor, 600*time.Second, 0)

	if d1 != 1*time.Second || d2 != 2*time.Second || d3 != 4*time.Second {
		t.Errorf("exponential growth mismatch: %v, %v, %v", d1, d2, d3)
	}
}

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := NewLimiter(1, 3)
	allowed := 0
	for i := 0; i < 3; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("expected 3 allowed within burst, got %d", allowed)
	}
	if l.Allow() {
		t.Error("expected 4th immediate call to be denied once burst exhausted")
	}
}
