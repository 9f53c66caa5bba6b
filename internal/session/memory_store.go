package session

import (
	"context"
	"log"
	"sync"

	"collabsync/internal/protocol"
)

type memoryMember struct {
	name  string
	conns int
}

// MemoryStore is the single-instance RoomStore used when Redis is not
// configured.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]*memoryMember
	subs  map[string]map[chan Event]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]map[string]*memoryMember),
		subs:  make(map[string]map[chan Event]struct{}),
	}
}

func (s *MemoryStore) Join(_ context.Context, documentID string, editor protocol.Editor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[documentID]
	if !ok {
		room = make(map[string]*memoryMember)
		s.rooms[documentID] = room
	}
	member, ok := room[editor.EditorID]
	if !ok {
		member = &memoryMember{}
		room[editor.EditorID] = member
	}
	member.name = editor.DisplayName
	member.conns++
	return member.conns == 1, nil
}

func (s *MemoryStore) Leave(_ context.Context, documentID, editorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[documentID]
	member, ok := room[editorID]
	if !ok {
		return false, nil
	}
	member.conns--
	if member.conns > 0 {
		return false, nil
	}
	delete(room, editorID)
	if len(room) == 0 {
		delete(s.rooms, documentID)
	}
	return true, nil
}

func (s *MemoryStore) Editors(_ context.Context, documentID string) ([]protocol.Editor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	editors := make([]protocol.Editor, 0, len(s.rooms[documentID]))
	for id, member := range s.rooms[documentID] {
		editors = append(editors, protocol.Editor{EditorID: id, DisplayName: member.name})
	}
	sortEditors(editors)
	return editors, nil
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (s *MemoryStore) Publish(_ context.Context, documentID string, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[documentID] {
		select {
		case ch <- event:
		default:
			log.Printf("session: drop event for slow subscriber on %s", documentID)
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, documentID string) (*Subscription, error) {
	ch := make(chan Event, 64)
	s.mu.Lock()
	if s.subs[documentID] == nil {
		s.subs[documentID] = make(map[chan Event]struct{})
	}
	s.subs[documentID][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return &Subscription{
		C: ch,
		close: func() {
			once.Do(func() {
				s.mu.Lock()
				delete(s.subs[documentID], ch)
				if len(s.subs[documentID]) == 0 {
					delete(s.subs, documentID)
				}
				s.mu.Unlock()
				close(ch)
			})
		},
	}, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
