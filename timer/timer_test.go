package timer

import (
	"testing"
	"time"
)

func TestTimerElapsed(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tm := Timer{StartedAt: start, Duration: 7 * 24 * time.Hour, Active: true}

	if tm.Elapsed(start.Add(6 * 24 * time.Hour)) {
		t.Fatal("timer must not be elapsed before its deadline")
	}
	if tm.Elapsed(start.Add(7 * 24 * time.Hour)) {
		t.Fatal("deadline instant itself is not yet elapsed")
	}
	if !tm.Elapsed(start.Add(7*24*time.Hour + time.Second)) {
		t.Fatal("timer must be elapsed past its deadline")
	}
}

func TestTimerElapsed_InactiveNeverFires(t *testing.T) {
	start := time.Now().Add(-time.Hour)
	tm := Timer{StartedAt: start, Duration: time.Minute, Active: false}

	if tm.Elapsed(time.Now()) {
		t.Fatal("retired timers must not report elapsed")
	}
}
