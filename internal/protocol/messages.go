package protocol

import "encoding/json"

// HandshakeMsg is the first frame a client sends on connect, raw (no
// envelope). Everything after the handshake is wrapped in an Envelope.
type HandshakeMsg struct {
	Token               string `json:"token"`
	ClientProtocolVersion string `json:"clientProtocolVersion"`
	UserID              string `json:"userId"`
	DisplayName         string `json:"displayName"`
	Emoji               string `json:"emoji"`
}

// Envelope wraps every message exchanged after a successful handshake.
// Type is one of the colon-separated names in spec.md section 6
// ("room:join", "edit:push", "file:delta", ...).
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(msgType string, data any) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{Type: msgType, Data: raw}
}

// ServerHello is sent once, immediately after a compatible handshake.
type ServerHello struct {
	ServerProtocolVersion    string `json:"serverProtocolVersion"`
	MinClientProtocolVersion string `json:"minClientProtocolVersion"`
	ServerRetentionDays      int    `json:"serverRetentionDays"`
}

// ServerIncompatible is sent once, then the socket is closed.
type ServerIncompatible struct {
	ServerProtocolVersion    string `json:"serverProtocolVersion"`
	MinClientProtocolVersion string `json:"minClientProtocolVersion"`
	Message                  string `json:"message"`
}

// RoomRef identifies a room: a (repoId, filePath) pair, always carrying the
// hashVersion tag the identifiers were produced with.
type RoomRef struct {
	HashVersion string `json:"hashVersion"`
	RepoID      string `json:"repoId"`
	FilePath    string `json:"filePath"`
}

// RoomJoinMsg is room:join's payload.
type RoomJoinMsg struct {
	RoomRef
}

// RoomLeaveMsg is room:leave's payload.
type RoomLeaveMsg struct {
	RoomRef
}

// RoomJoinAck answers room:join.
type RoomJoinAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EditPushMsg is edit:push's payload (also the shape of presence:set).
type EditPushMsg struct {
	RoomRef
	FunctionID string `json:"functionId"`
	AnchorLine int    `json:"anchorLine"`
}

// PresenceSetMsg is presence:set's payload, identical in shape to EditPushMsg.
type PresenceSetMsg struct {
	RoomRef
	FunctionID string `json:"functionId"`
	AnchorLine int    `json:"anchorLine"`
}

// PresenceClearMsg is presence:clear's payload.
type PresenceClearMsg struct {
	RoomRef
}

// HeatEditor is one entry of a HeatFunction's topEditors list.
type HeatEditor struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Emoji       string `json:"emoji"`
	LastEditAt  int64  `json:"lastEditAt"`
}

// HeatFunctionUpdate is the wire shape of one function's heat entry.
type HeatFunctionUpdate struct {
	FunctionID string       `json:"functionId"`
	AnchorLine int          `json:"anchorLine"`
	LastEditAt int64        `json:"lastEditAt"`
	TopEditors []HeatEditor `json:"topEditors"`
}

// PresenceUser is one entry of a PresenceFunction's users list.
type PresenceUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Emoji       string `json:"emoji"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// PresenceFunctionUpdate is the wire shape of one function's presence entry.
// An empty Users list signals removal of that function's presence entry.
type PresenceFunctionUpdate struct {
	FunctionID string         `json:"functionId"`
	AnchorLine int            `json:"anchorLine"`
	Users      []PresenceUser `json:"users"`
}

// RoomSnapshot is sent once to a connection immediately after it joins a room.
type RoomSnapshot struct {
	RoomRef
	Functions []HeatFunctionUpdate     `json:"functions"`
	Presence  []PresenceFunctionUpdate `json:"presence"`
}

// FileDeltaUpdates is the non-empty-subsets payload of a file:delta.
type FileDeltaUpdates struct {
	Heat     []HeatFunctionUpdate     `json:"heat,omitempty"`
	Presence []PresenceFunctionUpdate `json:"presence,omitempty"`
}

// FileDelta is the coalesced broadcast sent to every subscriber of a room.
type FileDelta struct {
	RoomRef
	Updates FileDeltaUpdates `json:"updates"`
}

// RepoHeatMsg is repo:heat's request payload.
type RepoHeatMsg struct {
	HashVersion string `json:"hashVersion"`
	RepoID      string `json:"repoId"`
}

// RepoHeatReply is repo:heat's reply payload.
type RepoHeatReply struct {
	Files map[string]int64 `json:"files"`
}
