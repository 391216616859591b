package presencestate

import "testing"

const fnA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const fnB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func socket(connID, userID, fnID string, seenAt int64) Socket {
	return Socket{
		ConnectionID: connID,
		UserID:       userID,
		DisplayName:  userID,
		Emoji:        "🔥",
		FunctionID:   fnID,
		AnchorLine:   1,
		LastSeenAt:   seenAt,
	}
}

func TestSetCollapsesMultipleConnectionsPerUserToOne(t *testing.T) {
	r := NewRoom()
	r.Set(socket("conn1", "alice", fnA, 1))
	r.Set(socket("conn2", "alice", fnA, 2))

	agg := r.Snapshot()
	if len(agg) != 1 {
		t.Fatalf("expected 1 function in snapshot, got %d", len(agg))
	}
	if len(agg[0].Users) != 1 {
		t.Fatalf("expected alice's two connections collapsed to 1 user, got %d", len(agg[0].Users))
	}
}

func TestSetMovesUserBetweenFunctionsOnNewestConnection(t *testing.T) {
	r := NewRoom()
	r.Set(socket("conn1", "alice", fnA, 1))
	r.Set(socket("conn1", "alice", fnB, 2))

	agg := r.Snapshot()
	var sawB bool
	for _, a := range agg {
		if a.FunctionID == fnB && len(a.Users) == 1 {
			sawB = true
		}
		if a.FunctionID == fnA && len(a.Users) != 0 {
			t.Fatalf("alice's old function should have no users left")
		}
	}
	if !sawB {
		t.Fatalf("expected alice present under fnB")
	}
}

func TestClearRemovesConnectionAndEmitsEmptyDiff(t *testing.T) {
	r := NewRoom()
	r.Set(socket("conn1", "alice", fnA, 1))
	diff := r.Clear("conn1")

	if len(diff) != 1 {
		t.Fatalf("expected 1 diff entry, got %d", len(diff))
	}
	if len(diff[0].Users) != 0 {
		t.Fatalf("expected empty users list signalling removal, got %v", diff[0].Users)
	}
	if !r.IsEmpty() {
		t.Fatalf("room should be empty after clearing its only connection")
	}
}

func TestRecomputeAndDiffOnlyReportsChangedFunctions(t *testing.T) {
	r := NewRoom()
	r.Set(socket("conn1", "alice", fnA, 1))
	r.Set(socket("conn2", "bob", fnB, 2))

	// Re-setting alice at the same function with a newer timestamp changes
	// fnA's aggregate (its lastSeenAt) but leaves fnB's untouched, so fnB
	// must not be re-emitted in the diff.
	diff := r.Set(socket("conn1", "alice", fnA, 3))
	for _, d := range diff {
		if d.FunctionID == fnB {
			t.Fatalf("unrelated function fnB should not appear in the diff")
		}
	}
}

func TestSweepExpiredDropsStaleSockets(t *testing.T) {
	r := NewRoom()
	r.Set(socket("conn1", "alice", fnA, 1))
	r.Set(socket("conn2", "bob", fnB, 100))

	diff := r.SweepExpired(50)
	if diff == nil {
		t.Fatalf("expected a diff after sweeping alice")
	}
	if r.IsEmpty() {
		t.Fatalf("bob's fresh socket should survive the sweep")
	}
}

func TestGroupByUserThenFunctionTruncatesToMaxUsersPerFunction(t *testing.T) {
	r := NewRoom()
	for i := 0; i < 60; i++ {
		r.Set(socket(string(rune('A'+i)), string(rune('a'+i)), fnA, int64(i)))
	}
	agg := r.Snapshot()
	if len(agg) != 1 {
		t.Fatalf("expected 1 function, got %d", len(agg))
	}
	if len(agg[0].Users) != 50 {
		t.Fatalf("expected truncation to 50 users, got %d", len(agg[0].Users))
	}
}
