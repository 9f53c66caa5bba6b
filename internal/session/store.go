// Package session tracks who is connected to each document room and carries
// room events between relay instances.
package session

import (
	"context"
	"sort"

	"collabsync/internal/protocol"
)

// Event is one relayed frame. Origin names the relay instance that accepted
// it so that instance can skip its own events.
type Event struct {
	Origin  string           `json:"origin"`
	Message protocol.Message `json:"message"`
}

// RoomStore counts connections per editor and fans events out across
// instances. Join reports whether the editor's first connection arrived;
// Leave reports whether its last one went.
type RoomStore interface {
	Join(ctx context.Context, documentID string, editor protocol.Editor) (bool, error)
	Leave(ctx context.Context, documentID, editorID string) (bool, error)
	Editors(ctx context.Context, documentID string) ([]protocol.Editor, error)
	Publish(ctx context.Context, documentID string, event Event) error
	Subscribe(ctx context.Context, documentID string) (*Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers a room's events until Close.
type Subscription struct {
	C     <-chan Event
	close func()
}

func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

func sortEditors(editors []protocol.Editor) {
	sort.Slice(editors, func(i, j int) bool {
		if editors[i].DisplayName != editors[j].DisplayName {
			return editors[i].DisplayName < editors[j].DisplayName
		}
		return editors[i].EditorID < editors[j].EditorID
	})
}
