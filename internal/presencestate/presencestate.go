// Package presencestate maintains per-connection live cursors and projects
// them into per-user, per-function aggregates (spec.md section 4.3). Every
// mutating method returns the minimal diff to broadcast.
package presencestate

import (
	"sort"

	"github.com/filipsuk/lineheat/internal/protocol"
)

// Socket is one connection's live cursor within a room.
type Socket struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	Emoji        string
	FunctionID   string
	AnchorLine   int
	LastSeenAt   int64
}

// userEntry is the per-user record kept after collapsing a user's possibly
// many connections down to the most recent one (invariant I3).
type userEntry struct {
	UserID      string
	DisplayName string
	Emoji       string
	LastSeenAt  int64
}

// aggregate is the broadcast-shape state for one function: the position of
// its most-recently-seen user, and its (sorted, truncated) user list.
type aggregate struct {
	AnchorLine int
	Users      []userEntry
}

// Room tracks live presence for a single (repoId, filePath) room.
type Room struct {
	sockets map[string]Socket // connectionId -> socket
	arrival map[string]int64  // connectionId -> monotonic arrival sequence
	nextSeq int64
	last    map[string]aggregate // functionId -> last-broadcast aggregate
}

// NewRoom creates an empty presence room.
func NewRoom() *Room {
	return &Room{
		sockets: make(map[string]Socket),
		arrival: make(map[string]int64),
		last:    make(map[string]aggregate),
	}
}

// Set inserts or replaces a connection's record and returns the diff. A
// connection's arrival sequence is assigned once, on its first Set, so
// later updates (e.g. moving to a different function) don't reset its
// tie-break position.
func (r *Room) Set(s Socket) []protocol.PresenceFunctionUpdate {
	if _, ok := r.sockets[s.ConnectionID]; !ok {
		r.nextSeq++
		r.arrival[s.ConnectionID] = r.nextSeq
	}
	r.sockets[s.ConnectionID] = s
	return r.recomputeAndDiff()
}

// Clear removes a connection's record and returns the diff.
func (r *Room) Clear(connectionID string) []protocol.PresenceFunctionUpdate {
	if _, ok := r.sockets[connectionID]; !ok {
		return nil
	}
	delete(r.sockets, connectionID)
	delete(r.arrival, connectionID)
	return r.recomputeAndDiff()
}

// SweepExpired removes every socket with LastSeenAt older than cutoffTS and
// returns the diff.
func (r *Room) SweepExpired(cutoffTS int64) []protocol.PresenceFunctionUpdate {
	changed := false
	for id, s := range r.sockets {
		if s.LastSeenAt < cutoffTS {
			delete(r.sockets, id)
			delete(r.arrival, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.recomputeAndDiff()
}

// IsEmpty reports whether the room has no live connections.
func (r *Room) IsEmpty() bool {
	return len(r.sockets) == 0
}

// Snapshot returns the current aggregate (for room:snapshot), independent of
// any prior broadcast diff state.
func (r *Room) Snapshot() []protocol.PresenceFunctionUpdate {
	byFunction := r.groupByUserThenFunction()
	out := make([]protocol.PresenceFunctionUpdate, 0, len(byFunction))
	for fnID, agg := range byFunction {
		out = append(out, toWire(fnID, agg))
	}
	return out
}

// recomputeAndDiff rebuilds the aggregate from current sockets and compares
// it against the last-broadcast aggregate, per spec.md 4.3's algorithm.
func (r *Room) recomputeAndDiff() []protocol.PresenceFunctionUpdate {
	next := r.groupByUserThenFunction()

	var diff []protocol.PresenceFunctionUpdate
	for fnID, agg := range next {
		prev, existed := r.last[fnID]
		if !existed || !sameAggregate(prev, agg) {
			diff = append(diff, toWire(fnID, agg))
		}
	}
	for fnID := range r.last {
		if _, stillThere := next[fnID]; !stillThere {
			// Existed before, has no users now: emit an empty-list removal.
			diff = append(diff, protocol.PresenceFunctionUpdate{FunctionID: fnID, Users: []protocol.PresenceUser{}})
		}
	}

	r.last = next
	return diff
}

// groupByUserThenFunction implements the two-stage aggregation: collapse
// per-connection records to one per user (most recent LastSeenAt wins, ties
// broken by insertion order), then group by functionId.
func (r *Room) groupByUserThenFunction() map[string]aggregate {
	type keyed struct {
		order      int64
		entry      userEntry
		fnID       string
		anchorLine int
		seen       int64
	}
	bestByUser := make(map[string]keyed)

	for _, s := range r.orderedSockets() {
		order := r.arrival[s.ConnectionID]
		cur, ok := bestByUser[s.UserID]
		if !ok || s.LastSeenAt > cur.seen {
			bestByUser[s.UserID] = keyed{
				order:      order,
				fnID:       s.FunctionID,
				anchorLine: s.AnchorLine,
				seen:       s.LastSeenAt,
				entry: userEntry{
					UserID:      s.UserID,
					DisplayName: s.DisplayName,
					Emoji:       s.Emoji,
					LastSeenAt:  s.LastSeenAt,
				},
			}
		}
	}

	byFunction := make(map[string][]keyed)
	for _, k := range bestByUser {
		byFunction[k.fnID] = append(byFunction[k.fnID], k)
	}

	out := make(map[string]aggregate, len(byFunction))
	for fnID, entries := range byFunction {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].seen != entries[j].seen {
				return entries[i].seen > entries[j].seen
			}
			return entries[i].order < entries[j].order
		})
		// The function's anchorLine is that of the most-recently-seen user
		// in the group (entries[0] after the sort above).
		anchorLine := entries[0].anchorLine
		if len(entries) > protocol.MaxPresenceUsersPerFunction {
			entries = entries[:protocol.MaxPresenceUsersPerFunction]
		}
		users := make([]userEntry, len(entries))
		for i, e := range entries {
			users[i] = e.entry
		}
		out[fnID] = aggregate{AnchorLine: anchorLine, Users: users}
	}
	return out
}

func sameAggregate(a, b aggregate) bool {
	if a.AnchorLine != b.AnchorLine || len(a.Users) != len(b.Users) {
		return false
	}
	for i := range a.Users {
		if a.Users[i] != b.Users[i] {
			return false
		}
	}
	return true
}

func toWire(functionID string, agg aggregate) protocol.PresenceFunctionUpdate {
	users := make([]protocol.PresenceUser, len(agg.Users))
	for i, u := range agg.Users {
		users[i] = protocol.PresenceUser{
			UserID:      u.UserID,
			DisplayName: u.DisplayName,
			Emoji:       u.Emoji,
			LastSeenAt:  u.LastSeenAt,
		}
	}
	return protocol.PresenceFunctionUpdate{FunctionID: functionID, AnchorLine: agg.AnchorLine, Users: users}
}

// orderedSockets returns sockets ordered by r.arrival, the sequence each
// connectionId first appeared in this room, so ties in LastSeenAt resolve
// by true arrival order rather than by connectionId (a random UUID).
func (r *Room) orderedSockets() []Socket {
	out := make([]Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.arrival[out[i].ConnectionID] < r.arrival[out[j].ConnectionID]
	})
	return out
}
