package timex

import (
	"testing"
	"time"
)

func TestStoppedTimerDoesNotFire(t *testing.T) {
	tm := NewStoppedTimer()
	select {
	case <-tm.C:
		t.Fatal("stopped timer fired")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestResetDropsStaleExpiry(t *testing.T) {
	tm := time.NewTimer(time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	ResetTimer(tm, time.Hour)
	select {
	case <-tm.C:
		t.Fatal("stale expiry delivered after reset")
	case <-time.After(20 * time.Millisecond):
	}

	ResetTimer(tm, -time.Second)
	select {
	case <-tm.C:
	case <-time.After(time.Second):
		t.Fatal("negative reset never fired")
	}
}
