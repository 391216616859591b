// Package heatstate implements the pure reduction of the edit-event stream
// into the current per-function heat map (spec.md section 4.2). Room is
// deliberately side-effect free: the same Apply sequence, replayed from the
// event log or driven live by the hub, always produces the same state.
package heatstate

import (
	"sort"

	"github.com/filipsuk/lineheat/internal/eventstore"
	"github.com/filipsuk/lineheat/internal/protocol"
)

// Editor is one entry of a Function's TopEditors list.
type Editor struct {
	UserID      string
	DisplayName string
	Emoji       string
	LastEditAt  int64
}

// Function is the heat state of a single functionId within a room.
type Function struct {
	FunctionID string
	AnchorLine int
	LastEditAt int64
	TopEditors []Editor
}

// Room is the heat map for a single (repoId, filePath) room: functionId ->
// Function.
type Room struct {
	Functions map[string]*Function
}

// NewRoom creates an empty heat room.
func NewRoom() *Room {
	return &Room{Functions: make(map[string]*Function)}
}

// Apply reduces one event into the room's state and returns the function it
// touched, for the hub to queue as a coalesced heat delta.
func (r *Room) Apply(e eventstore.Event) *Function {
	fn, ok := r.Functions[e.FunctionID]
	if !ok {
		fn = &Function{FunctionID: e.FunctionID}
		r.Functions[e.FunctionID] = fn
	}

	next := Editor{
		UserID:      e.UserID,
		DisplayName: e.DisplayName,
		Emoji:       e.Emoji,
		LastEditAt:  e.ServerTS,
	}

	editors := make([]Editor, 0, len(fn.TopEditors)+1)
	for _, ed := range fn.TopEditors {
		if ed.UserID != e.UserID {
			editors = append(editors, ed)
		}
	}
	editors = append(editors, next)
	sort.Slice(editors, func(i, j int) bool { return editors[i].LastEditAt > editors[j].LastEditAt })
	if len(editors) > protocol.TopEditorsPerFunction {
		editors = editors[:protocol.TopEditorsPerFunction]
	}
	fn.TopEditors = editors

	// Later edits always overwrite the anchor line, per spec.md's resolved
	// open question.
	fn.AnchorLine = e.AnchorLine
	fn.LastEditAt = e.ServerTS

	return fn
}

// Prune drops editors and functions whose lastEditAt predates cutoffTS
// (invariant I4). Returns true if the room has no functions left.
func (r *Room) Prune(cutoffTS int64) bool {
	for id, fn := range r.Functions {
		kept := fn.TopEditors[:0:0]
		for _, ed := range fn.TopEditors {
			if ed.LastEditAt >= cutoffTS {
				kept = append(kept, ed)
			}
		}
		fn.TopEditors = kept

		if fn.LastEditAt < cutoffTS {
			delete(r.Functions, id)
		}
	}
	return len(r.Functions) == 0
}

// ToWire converts a Function to its wire representation.
func (f *Function) ToWire() protocol.HeatFunctionUpdate {
	editors := make([]protocol.HeatEditor, len(f.TopEditors))
	for i, ed := range f.TopEditors {
		editors[i] = protocol.HeatEditor{
			UserID:      ed.UserID,
			DisplayName: ed.DisplayName,
			Emoji:       ed.Emoji,
			LastEditAt:  ed.LastEditAt,
		}
	}
	return protocol.HeatFunctionUpdate{
		FunctionID: f.FunctionID,
		AnchorLine: f.AnchorLine,
		LastEditAt: f.LastEditAt,
		TopEditors: editors,
	}
}

// Snapshot returns every function's wire representation, for room:snapshot.
func (r *Room) Snapshot() []protocol.HeatFunctionUpdate {
	out := make([]protocol.HeatFunctionUpdate, 0, len(r.Functions))
	for _, fn := range r.Functions {
		out = append(out, fn.ToWire())
	}
	return out
}
