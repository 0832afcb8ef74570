package logging

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRateLimits(t *testing.T) {
	t.Parallel()

	var last atomic.Int64
	if !Every(&last, time.Hour) {
		t.Fatal("first call should pass")
	}
	if Every(&last, time.Hour) {
		t.Fatal("second call inside period should be suppressed")
	}
	if !Every(&last, 0) {
		t.Fatal("zero period should always pass")
	}
	if !Every(nil, time.Hour) {
		t.Fatal("nil marker should always pass")
	}
}

func TestComponentDefaultsToSlogDefault(t *testing.T) {
	t.Parallel()

	if Component(nil, "x") == nil {
		t.Fatal("Component returned nil")
	}
}
