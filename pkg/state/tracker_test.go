package state

import (
	"testing"
)

func TestTrackerInitialGeneration(t *testing.T) {
	tracker := NewTracker()
	if tracker.Generation() != 0 {
		t.Error("unexpected initial generation:", tracker.Generation())
	}
}

func TestTrackerNotify(t *testing.T) {
	tracker := NewTracker()
	tracker.NotifyOfChange()
	tracker.NotifyOfChange()
	if tracker.Generation() != 2 {
		t.Error("unexpected generation:", tracker.Generation())
	}
}

func TestTrackerWaitForChange(t *testing.T) {
	tracker := NewTracker()
	go tracker.NotifyOfChange()
	generation, poisoned := tracker.WaitForChange(0)
	if poisoned {
		t.Error("tracker unexpectedly poisoned")
	}
	if generation != 1 {
		t.Error("unexpected generation from wait:", generation)
	}
}

func TestTrackerPoison(t *testing.T) {
	tracker := NewTracker()
	go tracker.Poison()
	if _, poisoned := tracker.WaitForChange(0); !poisoned {
		t.Error("expected poisoned wait result")
	}
}
