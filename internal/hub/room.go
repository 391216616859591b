package hub

import (
	"sync"
	"time"

	"github.com/filipsuk/lineheat/internal/heatstate"
	"github.com/filipsuk/lineheat/internal/presencestate"
	"github.com/filipsuk/lineheat/internal/protocol"
	"github.com/filipsuk/lineheat/internal/safego"
)

// roomKey identifies a room: a (repoId, filePath) pair.
type roomKey struct {
	RepoID   string
	FilePath string
}

// room is the per-(repoId,filePath) state machine: heat and presence
// reducers, subscribed connections, and the pending coalesced delta. Every
// mutation to heat or presence for this room goes through room.mu, the
// single-writer discipline spec.md section 5 requires.
type room struct {
	key roomKey
	hub *Hub

	mu              sync.Mutex
	heat            *heatstate.Room
	presence        *presencestate.Room
	subscribers     map[string]*Connection
	pendingHeat     map[string]protocol.HeatFunctionUpdate
	pendingPresence map[string]protocol.PresenceFunctionUpdate
	timerArmed      bool
}

func newRoom(key roomKey, hub *Hub) *room {
	return &room{
		key:             key,
		hub:             hub,
		heat:            heatstate.NewRoom(),
		presence:        presencestate.NewRoom(),
		subscribers:     make(map[string]*Connection),
		pendingHeat:     make(map[string]protocol.HeatFunctionUpdate),
		pendingPresence: make(map[string]protocol.PresenceFunctionUpdate),
	}
}

// join must be called with r.mu held. It registers conn as a subscriber and
// returns the current snapshot to send — within the same critical section
// used by flush, so the snapshot is always enqueued to conn before any
// subsequent file:delta for this room (spec.md's ordering guarantee).
func (r *room) join(conn *Connection) ([]protocol.HeatFunctionUpdate, []protocol.PresenceFunctionUpdate) {
	r.subscribers[conn.id] = conn
	return r.heat.Snapshot(), r.presence.Snapshot()
}

// queueHeat records fn as the pending heat update for its functionId,
// overwriting any previous pending entry for that function (coalescing).
func (r *room) queueHeat(fn *heatstate.Function) {
	r.pendingHeat[fn.FunctionID] = fn.ToWire()
	r.arm()
}

// queuePresence records each diff entry as pending, overwriting any
// previous pending entry for the same function.
func (r *room) queuePresence(diff []protocol.PresenceFunctionUpdate) {
	if len(diff) == 0 {
		return
	}
	for _, d := range diff {
		r.pendingPresence[d.FunctionID] = d
	}
	r.arm()
}

// arm starts the coalescing timer if it isn't already running. Must be
// called with r.mu held.
func (r *room) arm() {
	if r.timerArmed {
		return
	}
	r.timerArmed = true
	time.AfterFunc(protocol.CoalesceInterval, func() {
		safego.Go(func() { r.hub.flush(r) })
	})
}

// flush drains the pending maps and returns the delta to broadcast plus the
// current subscriber list, captured under r.mu then released before any
// outbound I/O happens (spec.md section 5: construction never blocks on
// I/O, and a room lock is never held across socket writes).
func (r *room) flush() (protocol.FileDeltaUpdates, []*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timerArmed = false

	var updates protocol.FileDeltaUpdates
	if len(r.pendingHeat) > 0 {
		updates.Heat = make([]protocol.HeatFunctionUpdate, 0, len(r.pendingHeat))
		for _, v := range r.pendingHeat {
			updates.Heat = append(updates.Heat, v)
		}
		r.pendingHeat = make(map[string]protocol.HeatFunctionUpdate)
	}
	if len(r.pendingPresence) > 0 {
		updates.Presence = make([]protocol.PresenceFunctionUpdate, 0, len(r.pendingPresence))
		for _, v := range r.pendingPresence {
			updates.Presence = append(updates.Presence, v)
		}
		r.pendingPresence = make(map[string]protocol.PresenceFunctionUpdate)
	}

	targets := make([]*Connection, 0, len(r.subscribers))
	for _, c := range r.subscribers {
		targets = append(targets, c)
	}
	return updates, targets
}

// isEmpty reports whether the room has no subscribers, no heat functions,
// and no live presence — a candidate for removal during the retention
// sweep.
func (r *room) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers) == 0 && len(r.heat.Functions) == 0 && r.presence.IsEmpty()
}
