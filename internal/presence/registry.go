// Package presence tracks who is connected to a live document and where their
// cursors are. A Registry belongs to one session and is not safe for
// concurrent use; the owning session serializes access.
package presence

import (
	"sort"

	"collabsync/internal/protocol"
)

type Entry struct {
	EditorID    string
	DisplayName string
}

// CursorState is ephemeral and overwritten by every cursor frame.
type CursorState struct {
	EditorID        string
	DisplayName     string
	Position        int
	SelectionLength int
}

type Registry struct {
	localEditorID string
	order         []string
	entries       map[string]Entry
	cursors       map[string]CursorState
}

func NewRegistry(localEditorID string) *Registry {
	return &Registry{
		localEditorID: localEditorID,
		entries:       make(map[string]Entry),
		cursors:       make(map[string]CursorState),
	}
}

// Apply reduces one inbound frame into the registry and reports whether any
// presence or cursor state changed. Frames from the local editor are ignored.
func (r *Registry) Apply(msg protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeJoin:
		return r.Join(msg.Sender())
	case protocol.TypeLeave:
		return r.Leave(msg.EditorID)
	case protocol.TypeOnlineUsers:
		return r.Replace(msg.Users)
	case protocol.TypeCursorPosition:
		return r.UpsertCursor(CursorState{
			EditorID:        msg.EditorID,
			DisplayName:     msg.DisplayName,
			Position:        msg.Position,
			SelectionLength: msg.Length,
		})
	default:
		return false
	}
}

// Join inserts the editor if absent.
func (r *Registry) Join(editor protocol.Editor) bool {
	if editor.EditorID == "" || editor.EditorID == r.localEditorID {
		return false
	}
	if _, ok := r.entries[editor.EditorID]; ok {
		return false
	}
	r.entries[editor.EditorID] = Entry{EditorID: editor.EditorID, DisplayName: editor.DisplayName}
	r.order = append(r.order, editor.EditorID)
	return true
}

// Leave removes the editor and its cursor.
func (r *Registry) Leave(editorID string) bool {
	_, hadEntry := r.entries[editorID]
	_, hadCursor := r.cursors[editorID]
	if !hadEntry && !hadCursor {
		return false
	}
	delete(r.entries, editorID)
	delete(r.cursors, editorID)
	if hadEntry {
		r.order = removeID(r.order, editorID)
	}
	return true
}

// Replace installs a full snapshot. The snapshot is authoritative: cursors of
// editors no longer present are dropped as well.
func (r *Registry) Replace(users []protocol.Editor) bool {
	before := r.Entries()

	r.order = r.order[:0]
	r.entries = make(map[string]Entry, len(users))
	for _, user := range users {
		if user.EditorID == "" || user.EditorID == r.localEditorID {
			continue
		}
		if _, dup := r.entries[user.EditorID]; dup {
			continue
		}
		r.entries[user.EditorID] = Entry{EditorID: user.EditorID, DisplayName: user.DisplayName}
		r.order = append(r.order, user.EditorID)
	}

	cursorsDropped := false
	for editorID := range r.cursors {
		if _, ok := r.entries[editorID]; !ok {
			delete(r.cursors, editorID)
			cursorsDropped = true
		}
	}
	return cursorsDropped || !sameEntries(before, r.Entries())
}

// UpsertCursor records the latest cursor of a remote editor.
func (r *Registry) UpsertCursor(cursor CursorState) bool {
	if cursor.EditorID == "" || cursor.EditorID == r.localEditorID {
		return false
	}
	if cursor.SelectionLength < 0 {
		cursor.SelectionLength = 0
	}
	if current, ok := r.cursors[cursor.EditorID]; ok && current == cursor {
		return false
	}
	r.cursors[cursor.EditorID] = cursor
	return true
}

// Reset forgets everything; used when a channel reopens.
func (r *Registry) Reset() {
	r.order = nil
	r.entries = make(map[string]Entry)
	r.cursors = make(map[string]CursorState)
}

// Entries returns editors in arrival order.
func (r *Registry) Entries() []Entry {
	items := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		items = append(items, r.entries[id])
	}
	return items
}

func (r *Registry) Contains(editorID string) bool {
	_, ok := r.entries[editorID]
	return ok
}

func (r *Registry) Cursor(editorID string) (CursorState, bool) {
	cursor, ok := r.cursors[editorID]
	return cursor, ok
}

// Cursors returns cursor states sorted by editor id.
func (r *Registry) Cursors() []CursorState {
	items := make([]CursorState, 0, len(r.cursors))
	for _, cursor := range r.cursors {
		items = append(items, cursor)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].EditorID < items[j].EditorID
	})
	return items
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func sameEntries(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
