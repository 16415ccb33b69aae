package lock

import (
	"testing"
	"time"

	"nanokern/defs"
	"nanokern/stats"
)

func TestSpinlockDoubleAcquirePanics(t *testing.T) {
	sl := MkSpinlock("test")
	sl.Lock(0)
	defer sl.Unlock(0)

	defer func() {
		if recover() == nil {
			t.Fatal("double acquire by the same hart did not panic")
		}
	}()
	sl.Lock(0)
}

func TestSpinlockReleaseByNonHolderPanics(t *testing.T) {
	sl := MkSpinlock("test")
	sl.Lock(0)
	defer sl.Unlock(0)

	defer func() {
		if recover() == nil {
			t.Fatal("release by a hart that doesn't hold the lock did not panic")
		}
	}()
	sl.Unlock(1)
}

// TestSpinlockStatsCountAcquires confirms Stats() tracks every successful
// acquire once stats.Stats is enabled, and reports nothing while disabled.
func TestSpinlockStatsCountAcquires(t *testing.T) {
	sl := MkSpinlock("test")

	sl.Lock(0)
	sl.Unlock(0)
	if acquires, _ := sl.Stats(); acquires != 0 {
		t.Fatalf("acquires = %d with stats disabled, want 0", acquires)
	}

	old := stats.Stats
	stats.Stats = true
	defer func() { stats.Stats = old }()

	sl.Lock(0)
	sl.Unlock(0)
	sl.Lock(0)
	sl.Unlock(0)
	if acquires, _ := sl.Stats(); acquires != 2 {
		t.Fatalf("acquires = %d with stats enabled, want 2", acquires)
	}
}

func TestSleeplockBlocksSecondLockerUntilUnlock(t *testing.T) {
	sl := MkSleeplock("test")
	sl.Lock(defs.Tid_t(1))

	locked := make(chan struct{})
	go func() {
		sl.Lock(defs.Tid_t(2))
		close(locked)
	}()

	select {
	case <-locked:
		t.Fatal("second Lock returned before the first Unlock")
	case <-time.After(20 * time.Millisecond):
	}

	sl.Unlock(defs.Tid_t(1))
	<-locked
	sl.Unlock(defs.Tid_t(2))
}
