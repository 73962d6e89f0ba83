package occupancy

import (
	"testing"
	"time"
)

func newTestTracker(t *testing.T, maxDuration time.Duration) *Tracker {
	t.Helper()
	tr := NewTracker(Config{
		MaxCallDuration: maxDuration,
		SweepInterval:   time.Hour, // sweep stays out of the way unless wanted
	})
	t.Cleanup(tr.Close)
	return tr
}

func TestMarkAndIsOccupied(t *testing.T) {
	tr := newTestTracker(t, time.Hour)

	if tr.IsOccupied("alice") {
		t.Error("IsOccupied(alice) = true before any call")
	}

	tr.Mark("alice", "sess-1", "bob")

	if !tr.IsOccupied("alice") {
		t.Error("IsOccupied(alice) = false after Mark")
	}
	call, ok := tr.Lookup("alice")
	if !ok {
		t.Fatal("Lookup(alice) reported absent")
	}
	if call.SessionID != "sess-1" || call.Partner != "bob" {
		t.Errorf("Lookup(alice) = %+v, want session sess-1 with bob", call)
	}
}

func TestClear(t *testing.T) {
	tr := newTestTracker(t, time.Hour)
	tr.Mark("alice", "sess-1", "bob")

	if !tr.Clear("alice") {
		t.Error("Clear(alice) = false, want true")
	}
	if tr.Clear("alice") {
		t.Error("Clear(alice) = true on second call, want false")
	}
	if tr.IsOccupied("alice") {
		t.Error("IsOccupied(alice) = true after Clear")
	}
}

func TestClearSessionRemovesBothLegs(t *testing.T) {
	tr := newTestTracker(t, time.Hour)
	tr.Mark("alice", "sess-1", "bob")
	tr.Mark("bob", "sess-1", "alice")
	tr.Mark("carol", "sess-2", "dave")

	if n := tr.ClearSession("sess-1"); n != 2 {
		t.Errorf("ClearSession(sess-1) = %d, want 2", n)
	}
	if tr.IsOccupied("alice") || tr.IsOccupied("bob") {
		t.Error("session legs still occupied after ClearSession")
	}
	if !tr.IsOccupied("carol") {
		t.Error("unrelated session cleared by ClearSession")
	}

	if n := tr.ClearSession("sess-unknown"); n != 0 {
		t.Errorf("ClearSession(unknown) = %d, want 0", n)
	}
}

func TestOverageCallReclaimedOnRead(t *testing.T) {
	tr := newTestTracker(t, 10*time.Millisecond)
	tr.Mark("alice", "sess-1", "bob")

	time.Sleep(30 * time.Millisecond)

	if tr.IsOccupied("alice") {
		t.Error("IsOccupied(alice) = true past max call duration, want reclaimed")
	}
	if n := tr.Count(); n != 0 {
		t.Errorf("Count() = %d after reclamation, want 0", n)
	}
}

func TestSweepReclaimsWithoutReads(t *testing.T) {
	tr := NewTracker(Config{
		MaxCallDuration: 5 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	})
	defer tr.Close()

	tr.Mark("alice", "sess-1", "bob")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(tr.Snapshot()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sweep never reclaimed the over-age call")
}

func TestSnapshotToleratesSingleLeg(t *testing.T) {
	tr := newTestTracker(t, time.Hour)

	// Only one leg marked: partial pairing is a legal transient state.
	tr.Mark("alice", "sess-1", "bob")

	snap := tr.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() has %d entries, want 1", len(snap))
	}
	if snap["alice"].Partner != "bob" {
		t.Errorf("partner = %q, want bob", snap["alice"].Partner)
	}
	if tr.IsOccupied("bob") {
		t.Error("IsOccupied(bob) = true with only alice's leg marked")
	}
}

func TestRemarkRefreshesSession(t *testing.T) {
	tr := newTestTracker(t, time.Hour)
	tr.Mark("alice", "sess-1", "bob")
	tr.Mark("alice", "sess-2", "carol")

	call, _ := tr.Lookup("alice")
	if call.SessionID != "sess-2" {
		t.Errorf("SessionID = %q after re-mark, want sess-2", call.SessionID)
	}
	if n := tr.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}
