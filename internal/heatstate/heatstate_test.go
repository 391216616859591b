package heatstate

import (
	"testing"

	"github.com/filipsuk/lineheat/internal/eventstore"
)

const fnA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func edit(userID string, ts int64) eventstore.Event {
	return eventstore.Event{
		ServerTS:    ts,
		RepoID:      "repo",
		FilePath:    "file",
		FunctionID:  fnA,
		AnchorLine:  10,
		UserID:      userID,
		DisplayName: userID,
		Emoji:       "🔥",
	}
}

func TestApplyCollapsesRepeatEditorToOneEntry(t *testing.T) {
	r := NewRoom()
	r.Apply(edit("alice", 1))
	r.Apply(edit("alice", 2))
	fn := r.Apply(edit("alice", 3))

	if len(fn.TopEditors) != 1 {
		t.Fatalf("expected 1 editor, got %d", len(fn.TopEditors))
	}
	if fn.TopEditors[0].LastEditAt != 3 {
		t.Fatalf("expected latest timestamp to win, got %d", fn.TopEditors[0].LastEditAt)
	}
}

func TestApplySortsEditorsByLastEditDescending(t *testing.T) {
	r := NewRoom()
	r.Apply(edit("alice", 10))
	r.Apply(edit("bob", 20))
	fn := r.Apply(edit("carol", 15))

	want := []string{"bob", "carol", "alice"}
	if len(fn.TopEditors) != len(want) {
		t.Fatalf("expected %d editors, got %d", len(want), len(fn.TopEditors))
	}
	for i, userID := range want {
		if fn.TopEditors[i].UserID != userID {
			t.Errorf("position %d: expected %s, got %s", i, userID, fn.TopEditors[i].UserID)
		}
	}
}

func TestApplyTruncatesToTopEditorsPerFunction(t *testing.T) {
	r := NewRoom()
	var fn *Function
	for i := 0; i < 15; i++ {
		fn = r.Apply(edit(string(rune('a'+i)), int64(i)))
	}
	if len(fn.TopEditors) != 10 {
		t.Fatalf("expected truncation to 10 editors, got %d", len(fn.TopEditors))
	}
	// The 5 oldest editors should have been dropped.
	if fn.TopEditors[len(fn.TopEditors)-1].LastEditAt != 5 {
		t.Fatalf("expected oldest surviving edit at ts=5, got %d", fn.TopEditors[len(fn.TopEditors)-1].LastEditAt)
	}
}

func TestApplyOverwritesAnchorLine(t *testing.T) {
	r := NewRoom()
	r.Apply(edit("alice", 1))
	e2 := edit("bob", 2)
	e2.AnchorLine = 42
	fn := r.Apply(e2)

	if fn.AnchorLine != 42 {
		t.Fatalf("expected anchorLine to be overwritten to 42, got %d", fn.AnchorLine)
	}
}

func TestPruneDropsStaleFunctionsAndEditors(t *testing.T) {
	r := NewRoom()
	r.Apply(edit("alice", 100))
	r.Apply(edit("bob", 200))

	empty := r.Prune(150)
	if empty {
		t.Fatalf("room should not be empty: bob's edit is still fresh")
	}
	fn := r.Functions[fnA]
	if len(fn.TopEditors) != 1 || fn.TopEditors[0].UserID != "bob" {
		t.Fatalf("expected only bob to survive the prune, got %+v", fn.TopEditors)
	}

	empty = r.Prune(9999)
	if !empty {
		t.Fatalf("expected room to be empty after pruning past all edits")
	}
}

func TestReplayEquivalence(t *testing.T) {
	events := []eventstore.Event{
		edit("alice", 1),
		edit("bob", 2),
		edit("alice", 3),
	}

	live := NewRoom()
	for _, e := range events {
		live.Apply(e)
	}

	replayed := NewRoom()
	for _, e := range events {
		replayed.Apply(e)
	}

	liveFn := live.Functions[fnA]
	replayedFn := replayed.Functions[fnA]
	if liveFn.AnchorLine != replayedFn.AnchorLine || liveFn.LastEditAt != replayedFn.LastEditAt {
		t.Fatalf("replay diverged from live application")
	}
	if len(liveFn.TopEditors) != len(replayedFn.TopEditors) {
		t.Fatalf("replay produced a different editor count")
	}
}
