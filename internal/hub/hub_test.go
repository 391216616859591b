package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/filipsuk/lineheat/internal/eventstore"
	"github.com/filipsuk/lineheat/internal/protocol"
)

// memStore is an in-memory eventstore.Store for tests, avoiding any sqlite
// file I/O.
type memStore struct {
	events []eventstore.Event
	nextID int64
}

func (m *memStore) Insert(e eventstore.Event) error {
	m.nextID++
	e.ID = m.nextID
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) ListSince(cutoffTS int64) ([]eventstore.Event, error) {
	var out []eventstore.Event
	for _, e := range m.events {
		if e.ServerTS >= cutoffTS {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) DeleteBefore(cutoffTS int64) (int64, error) {
	var kept []eventstore.Event
	var deleted int64
	for _, e := range m.events {
		if e.ServerTS < cutoffTS {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

func (m *memStore) Close() error { return nil }

const repoA = "111111111111111111111111111111111111111111111111111111111111111a"
const fileA = "222222222222222222222222222222222222222222222222222222222222222a"
const fileB = "333333333333333333333333333333333333333333333333333333333333333a"
const fnA = "444444444444444444444444444444444444444444444444444444444444444a"

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h, err := New("secret", 7, &memStore{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func newTestConn(id, userID string) *Connection {
	return &Connection{
		id:          id,
		userID:      userID,
		displayName: userID,
		emoji:       "🔥",
		out:         make(chan protocol.Envelope, outboxSize),
		done:        make(chan struct{}),
		joined:      make(map[roomKey]struct{}),
	}
}

func drainType(t *testing.T, c *Connection, want string) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.out:
		if env.Type != want {
			t.Fatalf("expected envelope type %q, got %q", want, env.Type)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
	return protocol.Envelope{}
}

func ref() protocol.RoomRef {
	return protocol.RoomRef{HashVersion: protocol.HashVersion, RepoID: repoA, FilePath: fileA}
}

// S1: an edit:push is broadcast to every subscriber of the room as a
// coalesced file:delta.
func TestEditPushBroadcastsToSubscribers(t *testing.T) {
	h := newTestHub(t)
	alice := newTestConn("conn-alice", "alice")
	bob := newTestConn("conn-bob", "bob")

	h.handleJoin(alice, ref())
	drainType(t, alice, "room:snapshot")
	drainType(t, alice, "room:joinAck")

	h.handleJoin(bob, ref())
	drainType(t, bob, "room:snapshot")
	drainType(t, bob, "room:joinAck")

	h.handleEditPush(alice, protocol.EditPushMsg{RoomRef: ref(), FunctionID: fnA, AnchorLine: 5})

	env := drainType(t, bob, "file:delta")
	var delta protocol.FileDelta
	if err := json.Unmarshal(env.Data, &delta); err != nil {
		t.Fatalf("unmarshal file:delta: %v", err)
	}
	if len(delta.Updates.Heat) != 1 || delta.Updates.Heat[0].FunctionID != fnA {
		t.Fatalf("expected one heat update for fnA, got %+v", delta.Updates.Heat)
	}
}

// S2: edits in one room must never leak into another (repoId, filePath)
// room's broadcast.
func TestRoomIsolation(t *testing.T) {
	h := newTestHub(t)
	alice := newTestConn("conn-alice", "alice")
	bob := newTestConn("conn-bob", "bob")

	roomA := ref()
	roomB := protocol.RoomRef{HashVersion: protocol.HashVersion, RepoID: repoA, FilePath: fileB}

	h.handleJoin(alice, roomA)
	drainType(t, alice, "room:snapshot")
	drainType(t, alice, "room:joinAck")

	h.handleJoin(bob, roomB)
	drainType(t, bob, "room:snapshot")
	drainType(t, bob, "room:joinAck")

	h.handleEditPush(alice, protocol.EditPushMsg{RoomRef: roomA, FunctionID: fnA, AnchorLine: 5})
	drainType(t, alice, "file:delta") // alice's own room does broadcast to her too

	select {
	case env := <-bob.out:
		t.Fatalf("bob should not receive a delta from a different room, got %v", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// S4: an incompatible client protocol version is rejected before a
// connection is admitted.
func TestCheckCompatibilityRejectsMajorMismatch(t *testing.T) {
	check := protocol.CheckCompatibility("1.0.0")
	if check.Compatible {
		t.Fatalf("expected major version mismatch to be rejected")
	}
}

// S5: replaying the event log on startup reproduces the same heat state as
// the live sequence of edits.
func TestStartupReplayReproducesLiveState(t *testing.T) {
	store := &memStore{}
	live := &memStore{}
	_ = live

	h1, err := New("secret", 7, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	alice := newTestConn("conn-alice", "alice")
	h1.handleJoin(alice, ref())
	drainType(t, alice, "room:snapshot")
	drainType(t, alice, "room:joinAck")
	h1.handleEditPush(alice, protocol.EditPushMsg{RoomRef: ref(), FunctionID: fnA, AnchorLine: 1})
	drainType(t, alice, "file:delta")

	h2, err := New("secret", 7, store)
	if err != nil {
		t.Fatalf("restart New: %v", err)
	}
	r, ok := h2.lookupRoom(roomKey{RepoID: repoA, FilePath: fileA})
	if !ok {
		t.Fatalf("expected room to be rebuilt from replay")
	}
	fn, ok := r.heat.Functions[fnA]
	if !ok || fn.AnchorLine != 1 {
		t.Fatalf("expected replayed heat state to match the live edit, got %+v", fn)
	}
}

// S6: repo:heat excludes functions whose only editor is the requester.
func TestRepoHeatExcludesSelfOnlyEdits(t *testing.T) {
	h := newTestHub(t)
	alice := newTestConn("conn-alice", "alice")
	bob := newTestConn("conn-bob", "bob")

	h.handleJoin(alice, ref())
	drainType(t, alice, "room:snapshot")
	drainType(t, alice, "room:joinAck")

	// Only alice has edited this function: from alice's own perspective,
	// repo:heat should exclude it.
	h.handleEditPush(alice, protocol.EditPushMsg{RoomRef: ref(), FunctionID: fnA, AnchorLine: 1})
	drainType(t, alice, "file:delta")

	files := h.repoHeat(repoA, "alice")
	if _, present := files[fileA]; present {
		t.Fatalf("expected self-only edits to be excluded from alice's repo:heat, got %v", files)
	}

	files = h.repoHeat(repoA, "bob")
	if _, present := files[fileA]; !present {
		t.Fatalf("expected bob to see alice's edit in repo:heat")
	}
}

// S7: a malformed payload is dropped rather than crashing the dispatcher.
func TestDispatchDropsMalformedPayload(t *testing.T) {
	h := newTestHub(t)
	conn := newTestConn("conn-x", "x")
	h.dispatch(conn, protocol.Envelope{Type: "edit:push", Data: json.RawMessage(`{"anchorLine": "not-a-number"}`)})
	select {
	case env := <-conn.out:
		t.Fatalf("expected no response to a malformed payload, got %v", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// Disconnecting a connection clears its presence from every room it had
// joined.
func TestDisconnectClearsPresence(t *testing.T) {
	h := newTestHub(t)
	alice := newTestConn("conn-alice", "alice")
	bob := newTestConn("conn-bob", "bob")

	h.handleJoin(alice, ref())
	drainType(t, alice, "room:snapshot")
	drainType(t, alice, "room:joinAck")
	h.handleJoin(bob, ref())
	drainType(t, bob, "room:snapshot")
	drainType(t, bob, "room:joinAck")

	h.handlePresenceSet(alice, protocol.PresenceSetMsg{RoomRef: ref(), FunctionID: fnA, AnchorLine: 1})
	drainType(t, bob, "file:delta")

	h.handleDisconnect(alice)
	env := drainType(t, bob, "file:delta")
	var delta protocol.FileDelta
	if err := json.Unmarshal(env.Data, &delta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(delta.Updates.Presence) != 1 || len(delta.Updates.Presence[0].Users) != 0 {
		t.Fatalf("expected an empty-users presence removal, got %+v", delta.Updates.Presence)
	}
}
