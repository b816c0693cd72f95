package budget

import (
	"errors"
	"testing"
	"time"
)

func TestMonitorToolCallBudget(t *testing.T) {
	m := NewMonitor(Config{MaxToolCalls: 2})
	if err := m.AddToolCall(); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := m.AddToolCall(); err != nil {
		t.Fatalf("second call: %v", err)
	}
	err := m.AddToolCall()
	var exceeded ErrExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ErrExceeded, got %v", err)
	}
	if exceeded.Kind != "tool_calls" {
		t.Fatalf("expected tool_calls kind, got %s", exceeded.Kind)
	}
}

func TestMonitorIterationCapIsNotAnError(t *testing.T) {
	m := NewMonitor(Config{MaxIterations: 3})
	// the cap permits three loop-backs
	for i := 1; i <= 3; i++ {
		if n, capped := m.AddIteration(); capped || n != i {
			t.Fatalf("iteration %d: n=%d capped=%v", i, n, capped)
		}
	}
	// the fourth evaluation sees the cap; the counter never exceeds it
	if n, capped := m.AddIteration(); !capped || n != 3 {
		t.Fatalf("expected cap at 3, got n=%d capped=%v", n, capped)
	}
	if n, capped := m.AddIteration(); !capped || n != 3 {
		t.Fatalf("cap must be sticky, got n=%d capped=%v", n, capped)
	}
}

func TestMonitorUnlimitedWhenZero(t *testing.T) {
	m := NewMonitor(Config{})
	for i := 0; i < 100; i++ {
		if err := m.AddToolCall(); err != nil {
			t.Fatalf("unexpected budget error: %v", err)
		}
	}
	if err := m.CheckTime(); err != nil {
		t.Fatalf("unexpected time error: %v", err)
	}
}

func TestMonitorCheckTime(t *testing.T) {
	m := NewMonitor(Config{MaxTurnTime: time.Nanosecond})
	time.Sleep(time.Millisecond)
	if err := m.CheckTime(); err == nil {
		t.Fatalf("expected time budget breach")
	}
}
