package traffic

import (
	"testing"
	"time"
)

func TestTracker_ErrorRate(t *testing.T) {
	var tr Tracker
	tr.RecordSuccess()
	tr.RecordSuccess()
	tr.RecordSuccess()
	tr.RecordError()

	errors, total := tr.ErrorRate(time.Minute)
	if errors != 1 {
		t.Errorf("errors = %d, want 1", errors)
	}
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
}

func TestTracker_DenialsExcludedFromErrorRate(t *testing.T) {
	var tr Tracker
	tr.RecordSuccess()
	tr.RecordDenied()
	tr.RecordDenied()

	errors, total := tr.ErrorRate(time.Minute)
	if errors != 0 || total != 1 {
		t.Errorf("ErrorRate = (%d, %d), want (0, 1)", errors, total)
	}
	if got := tr.DenialCount(time.Minute); got != 2 {
		t.Errorf("DenialCount = %d, want 2", got)
	}
	if got := tr.RequestCount(time.Minute); got != 3 {
		t.Errorf("RequestCount = %d, want 3", got)
	}
}

func TestTracker_WindowExcludesOldOutcomes(t *testing.T) {
	var tr Tracker
	tr.RecordError()
	time.Sleep(30 * time.Millisecond)
	tr.RecordSuccess()

	// Tight window only covers the success.
	errors, total := tr.ErrorRate(10 * time.Millisecond)
	if errors != 0 || total != 1 {
		t.Errorf("ErrorRate(10ms) = (%d, %d), want (0, 1)", errors, total)
	}

	// Wide window covers both.
	errors, total = tr.ErrorRate(time.Minute)
	if errors != 1 || total != 2 {
		t.Errorf("ErrorRate(1m) = (%d, %d), want (1, 2)", errors, total)
	}
}

func TestTracker_RetentionControlsPruning(t *testing.T) {
	var tr Tracker
	tr.SetRetention(50 * time.Millisecond)

	tr.RecordError()
	time.Sleep(80 * time.Millisecond)
	// Recording prunes outcomes older than the retention, so even a wide
	// window no longer sees the old error. Retention must therefore be at
	// least the largest window the health handler queries.
	tr.RecordSuccess()

	errors, total := tr.ErrorRate(time.Hour)
	if errors != 0 || total != 1 {
		t.Errorf("ErrorRate(1h) = (%d, %d), want (0, 1) after retention pruning", errors, total)
	}
}

func TestTracker_DefaultRetentionKeepsRecentOutcomes(t *testing.T) {
	var tr Tracker
	tr.RecordError()
	tr.RecordSuccess()

	errors, total := tr.ErrorRate(time.Minute)
	if errors != 1 || total != 2 {
		t.Errorf("ErrorRate = (%d, %d), want (1, 2)", errors, total)
	}
}

func TestTracker_Reset(t *testing.T) {
	var tr Tracker
	tr.RecordSuccess()
	tr.RecordError()
	tr.RecordDenied()
	tr.Reset()

	if got := tr.RequestCount(time.Minute); got != 0 {
		t.Errorf("RequestCount after Reset = %d, want 0", got)
	}
}

func TestPackageLevelFunctions(t *testing.T) {
	Reset()
	defer Reset()

	RecordSuccess()
	RecordError()
	RecordDenied()

	if got := RequestCount(time.Minute); got != 3 {
		t.Errorf("RequestCount = %d, want 3", got)
	}
	if got := DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount = %d, want 1", got)
	}
	errors, total := ErrorRate(time.Minute)
	if errors != 1 || total != 2 {
		t.Errorf("ErrorRate = (%d, %d), want (1, 2)", errors, total)
	}
}
