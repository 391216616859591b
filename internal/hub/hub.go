// Package hub wires the protocol, heat, and presence reducers together into
// the realtime coordination server: one Hub per process, one room per
// (repoId, filePath), and a single coalescing timer per room (spec.md
// sections 4.4 and 5).
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filipsuk/lineheat/internal/eventstore"
	"github.com/filipsuk/lineheat/internal/httputil"
	"github.com/filipsuk/lineheat/internal/logging"
	"github.com/filipsuk/lineheat/internal/presencestate"
	"github.com/filipsuk/lineheat/internal/protocol"
	"github.com/filipsuk/lineheat/internal/safego"
)

// Hub owns every room, the durable event store, every live connection, and
// the background sweeps.
type Hub struct {
	token         string
	retentionDays int
	store         eventstore.Store
	sendLatency   httputil.LatencyRing

	mu    sync.Mutex
	rooms map[roomKey]*room

	connsMu sync.Mutex
	conns   map[string]*Connection // connectionId -> connection, for Close()
}

// New creates a Hub and replays the event store into heat state, per
// spec.md section 9's startup recovery requirement. Call before accepting
// connections.
func New(token string, retentionDays int, store eventstore.Store) (*Hub, error) {
	h := &Hub{
		token:         token,
		retentionDays: retentionDays,
		store:         store,
		rooms:         make(map[roomKey]*room),
		conns:         make(map[string]*Connection),
	}

	cutoff := retentionCutoff(retentionDays)
	if _, err := store.DeleteBefore(cutoff); err != nil {
		logging.Log.WithError(err).Warn("startup retention delete failed")
	}
	events, err := store.ListSince(cutoff)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		r := h.getOrCreateRoom(roomKey{RepoID: e.RepoID, FilePath: e.FilePath})
		r.heat.Apply(e)
	}
	logging.Log.WithField("events", len(events)).Info("replayed event log")
	return h, nil
}

func retentionCutoff(retentionDays int) int64 {
	return time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()
}

func (h *Hub) getOrCreateRoom(key roomKey) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	if !ok {
		r = newRoom(key, h)
		h.rooms[key] = r
	}
	return r
}

func (h *Hub) lookupRoom(key roomKey) (*room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	return r, ok
}

// dispatch routes one envelope from a connection's read loop to the
// matching handler. Unknown types and malformed payloads are dropped
// silently (spec.md section 7, scenario S7): a misbehaving client gets no
// response rather than a crash.
func (h *Hub) dispatch(c *Connection, env protocol.Envelope) {
	switch env.Type {
	case "room:join":
		var msg protocol.RoomJoinMsg
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		h.handleJoin(c, msg.RoomRef)
	case "room:leave":
		var msg protocol.RoomLeaveMsg
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		h.handleLeave(c, msg.RoomRef)
	case "edit:push":
		var msg protocol.EditPushMsg
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		h.handleEditPush(c, msg)
	case "presence:set":
		var msg protocol.PresenceSetMsg
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		h.handlePresenceSet(c, msg)
	case "presence:clear":
		var msg protocol.PresenceClearMsg
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		h.handlePresenceClear(c, msg.RoomRef)
	case "repo:heat":
		var msg protocol.RepoHeatMsg
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		h.handleRepoHeat(c, msg)
	default:
		logging.Log.WithField("type", env.Type).Debug("unknown message type")
	}
}

func (h *Hub) handleJoin(c *Connection, ref protocol.RoomRef) {
	if err := protocol.ValidateRoomRef(ref); err != nil {
		c.trySend(protocol.NewEnvelope("room:joinAck", protocol.RoomJoinAck{OK: false, Error: err.Error()}))
		return
	}

	key := roomKey{RepoID: ref.RepoID, FilePath: ref.FilePath}
	r := h.getOrCreateRoom(key)

	r.mu.Lock()
	heat, presence := r.join(c)
	c.trySend(protocol.NewEnvelope("room:snapshot", protocol.RoomSnapshot{
		RoomRef:   ref,
		Functions: heat,
		Presence:  presence,
	}))
	r.mu.Unlock()

	c.joined[key] = struct{}{}
	c.trySend(protocol.NewEnvelope("room:joinAck", protocol.RoomJoinAck{OK: true}))
}

func (h *Hub) handleLeave(c *Connection, ref protocol.RoomRef) {
	key := roomKey{RepoID: ref.RepoID, FilePath: ref.FilePath}
	if _, joined := c.joined[key]; !joined {
		return
	}
	r, ok := h.lookupRoom(key)
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.subscribers, c.id)
	diff := r.presence.Clear(c.id)
	r.queuePresence(diff)
	r.mu.Unlock()

	delete(c.joined, key)
}

func (h *Hub) handleEditPush(c *Connection, msg protocol.EditPushMsg) {
	key := roomKey{RepoID: msg.RepoID, FilePath: msg.FilePath}
	if _, joined := c.joined[key]; !joined {
		return
	}
	if err := protocol.ValidateEditLike(msg.RoomRef, msg.FunctionID, msg.AnchorLine); err != nil {
		return
	}

	event := eventstore.Event{
		ServerTS:    time.Now().UnixMilli(),
		RepoID:      msg.RepoID,
		FilePath:    msg.FilePath,
		FunctionID:  msg.FunctionID,
		AnchorLine:  msg.AnchorLine,
		UserID:      c.userID,
		DisplayName: c.displayName,
		Emoji:       c.emoji,
	}
	if err := h.store.Insert(event); err != nil {
		// Persistence failure must not block the live broadcast path.
		logging.Log.WithError(err).WithFields(map[string]any{
			"conn_id":   c.id,
			"repo_id":   msg.RepoID,
			"file_path": msg.FilePath,
			"user_id":   c.userID,
		}).Warn("failed to persist edit event")
	}

	r, ok := h.lookupRoom(key)
	if !ok {
		return
	}
	r.mu.Lock()
	fn := r.heat.Apply(event)
	r.queueHeat(fn)
	r.mu.Unlock()
}

func (h *Hub) handlePresenceSet(c *Connection, msg protocol.PresenceSetMsg) {
	key := roomKey{RepoID: msg.RepoID, FilePath: msg.FilePath}
	if _, joined := c.joined[key]; !joined {
		return
	}
	if err := protocol.ValidateEditLike(msg.RoomRef, msg.FunctionID, msg.AnchorLine); err != nil {
		return
	}

	r, ok := h.lookupRoom(key)
	if !ok {
		return
	}
	r.mu.Lock()
	diff := r.presence.Set(presencestate.Socket{
		ConnectionID: c.id,
		UserID:       c.userID,
		DisplayName:  c.displayName,
		Emoji:        c.emoji,
		FunctionID:   msg.FunctionID,
		AnchorLine:   msg.AnchorLine,
		LastSeenAt:   time.Now().UnixMilli(),
	})
	r.queuePresence(diff)
	r.mu.Unlock()
}

func (h *Hub) handlePresenceClear(c *Connection, ref protocol.RoomRef) {
	key := roomKey{RepoID: ref.RepoID, FilePath: ref.FilePath}
	if _, joined := c.joined[key]; !joined {
		return
	}
	r, ok := h.lookupRoom(key)
	if !ok {
		return
	}
	r.mu.Lock()
	diff := r.presence.Clear(c.id)
	r.queuePresence(diff)
	r.mu.Unlock()
}

// handleRepoHeat answers a repo:heat query directly to the requester; it is
// not a broadcast and does not go through coalescing.
func (h *Hub) handleRepoHeat(c *Connection, msg protocol.RepoHeatMsg) {
	if msg.HashVersion != protocol.HashVersion || !protocol.IsHexDigest(msg.RepoID) {
		return
	}
	files := h.repoHeat(msg.RepoID, c.userID)
	c.trySend(protocol.NewEnvelope("repo:heatReply", protocol.RepoHeatReply{Files: files}))
}

// handleDisconnect removes c from every room it joined, broadcasting the
// resulting presence diffs, then drops its outbox.
func (h *Hub) handleDisconnect(c *Connection) {
	for key := range c.joined {
		r, ok := h.lookupRoom(key)
		if !ok {
			continue
		}
		r.mu.Lock()
		delete(r.subscribers, c.id)
		diff := r.presence.Clear(c.id)
		r.queuePresence(diff)
		r.mu.Unlock()
	}
	h.unregisterConn(c)
	close(c.out)
}

func (h *Hub) safeClose(c *Connection) {
	safego.Go(func() { c.closeConn() })
}

// flush is invoked by a room's coalescing timer. It never holds the room
// lock while writing to sockets (spec.md section 5).
func (h *Hub) flush(r *room) {
	updates, targets := r.flush()
	if len(updates.Heat) == 0 && len(updates.Presence) == 0 {
		return
	}
	env := protocol.NewEnvelope("file:delta", protocol.FileDelta{
		RoomRef: protocol.RoomRef{
			HashVersion: protocol.HashVersion,
			RepoID:      r.key.RepoID,
			FilePath:    r.key.FilePath,
		},
		Updates: updates,
	})
	for _, c := range targets {
		c.trySend(env)
	}
}

// repoHeat computes, for every room under repoID, the most recent edit
// timestamp among functions that at least one editor other than
// callerUserID has touched (spec.md scenario S6's self-exclusion rule).
func (h *Hub) repoHeat(repoID, callerUserID string) map[string]int64 {
	h.mu.Lock()
	var matches []*room
	for key, r := range h.rooms {
		if key.RepoID == repoID {
			matches = append(matches, r)
		}
	}
	h.mu.Unlock()

	files := make(map[string]int64)
	for _, r := range matches {
		r.mu.Lock()
		var best int64
		found := false
		for _, fn := range r.heat.Functions {
			hasOther := false
			for _, ed := range fn.TopEditors {
				if ed.UserID != callerUserID {
					hasOther = true
					break
				}
			}
			if hasOther && fn.LastEditAt > best {
				best = fn.LastEditAt
				found = true
			}
		}
		filePath := r.key.FilePath
		r.mu.Unlock()
		if found {
			files[filePath] = best
		}
	}
	return files
}

// RunPeriodicTasks starts the presence-TTL sweep and retention sweep. It
// blocks until ctx is cancelled.
func (h *Hub) RunPeriodicTasks(ctx context.Context) {
	presenceTicker := time.NewTicker(protocol.PresenceSweepInterval)
	retentionTicker := time.NewTicker(protocol.RetentionSweepInterval)
	defer presenceTicker.Stop()
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-presenceTicker.C:
			h.sweepPresence()
		case <-retentionTicker.C:
			h.sweepRetention()
		}
	}
}

func (h *Hub) sweepPresence() {
	cutoff := time.Now().Add(-protocol.PresenceTTL).UnixMilli()
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		diff := r.presence.SweepExpired(cutoff)
		r.queuePresence(diff)
		r.mu.Unlock()
	}
}

func (h *Hub) sweepRetention() {
	cutoff := retentionCutoff(h.retentionDays)
	if n, err := h.store.DeleteBefore(cutoff); err != nil {
		logging.Log.WithError(err).Warn("retention delete failed")
	} else if n > 0 {
		logging.Log.WithField("deleted", n).Info("retention sweep deleted old events")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for key, r := range h.rooms {
		r.mu.Lock()
		r.heat.Prune(cutoff)
		r.mu.Unlock()
		if r.isEmpty() {
			delete(h.rooms, key)
		}
	}
}

// SendLatencyP99 returns the p99 of recent websocket send latencies.
func (h *Hub) SendLatencyP99() time.Duration {
	return h.sendLatency.P99()
}

// registerConn adds c to the hub-wide connection registry, used by Close to
// close every live socket on shutdown. Grounded on the teacher's
// websocket.Server.state registry.
func (h *Hub) registerConn(c *Connection) {
	h.connsMu.Lock()
	h.conns[c.id] = c
	h.connsMu.Unlock()
}

func (h *Hub) unregisterConn(c *Connection) {
	h.connsMu.Lock()
	delete(h.conns, c.id)
	h.connsMu.Unlock()
}

// Close sends a close frame to and closes every live websocket connection,
// then releases the event store. Mirrors the teacher's
// websocket.Server.Close, generalized from a single shared conn map to the
// hub's registry.
func (h *Hub) Close() error {
	h.connsMu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}

	return h.store.Close()
}
