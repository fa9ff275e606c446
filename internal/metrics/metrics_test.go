package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCommand(t *testing.T) {
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("get", "ok"))
	RecordCommand("get", 10*time.Millisecond, "ok")
	after := testutil.ToFloat64(CommandsTotal.WithLabelValues("get", "ok"))
	if after != before+1 {
		t.Errorf("Expected %v, got %v", before+1, after)
	}
}

func TestRecordSyncSession(t *testing.T) {
	before := testutil.ToFloat64(SyncKeys.WithLabelValues("sent"))
	RecordSyncSession("outgoing", "ok", 20*time.Millisecond, 3, 1)
	if got := testutil.ToFloat64(SyncKeys.WithLabelValues("sent")); got != before+3 {
		t.Errorf("Expected %v, got %v", before+3, got)
	}
	if got := testutil.ToFloat64(SyncSessions.WithLabelValues("outgoing", "ok")); got < 1 {
		t.Errorf("Expected at least one session, got %v", got)
	}
}

func TestSetMembership(t *testing.T) {
	SetMembership(7, map[string]int{"ACTIVE": 2, "DOWN": 1})
	if got := testutil.ToFloat64(MembershipEpoch); got != 7 {
		t.Errorf("Expected 7, got %v", got)
	}
	if got := testutil.ToFloat64(Members.WithLabelValues("DOWN")); got != 1 {
		t.Errorf("Expected 1, got %v", got)
	}

	// States that disappear are removed rather than left stale.
	SetMembership(8, map[string]int{"ACTIVE": 3})
	if got := testutil.CollectAndCount(Members); got != 1 {
		t.Errorf("Expected 1 series, got %d", got)
	}
}

func TestRecordEvictions(t *testing.T) {
	before := testutil.ToFloat64(ConflictEvictions)
	RecordEvictions(2)
	if got := testutil.ToFloat64(ConflictEvictions); got != before+2 {
		t.Errorf("Expected %v, got %v", before+2, got)
	}
}
