// Package collab runs one open document in one client: it owns the live
// buffer, pushes local edits and cursor moves to peers, applies remote edits
// last-writer-wins and batches persistence behind a debounce.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"collabsync/internal/channel"
	"collabsync/internal/presence"
	"collabsync/internal/protocol"
	"collabsync/internal/util"
)

const DefaultSaveDebounce = time.Second

var (
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrSessionClosed     = errors.New("session closed")
)

// Transport is the live channel a session talks through. *channel.Channel
// satisfies it.
type Transport interface {
	Open(ctx context.Context) error
	Send(msg protocol.Message) bool
	State() channel.State
	Close()
}

// Dialer builds the transport for a session; the session is the handler.
type Dialer func(handler channel.Handler) Transport

// ChannelDialer dials the collaboration service with a websocket channel.
func ChannelDialer(cfg channel.Config) Dialer {
	return func(handler channel.Handler) Transport {
		return channel.New(cfg, handler)
	}
}

type DocumentStore interface {
	GetContent(ctx context.Context, documentID string) (string, error)
	SaveContent(ctx context.Context, documentID, content string) error
}

// DraftCache keeps content that could not be persisted.
type DraftCache interface {
	Put(documentID, content string) error
	Delete(documentID string) error
}

// Selection is a caret or selection in rune offsets.
type Selection struct {
	Position int
	Length   int
}

// Hooks are optional callbacks for the editing surface. They run without the
// session lock held and may call back into the session, Close included.
type Hooks struct {
	OnContent   func(content string, selection Selection)
	OnPresence  func(entries []presence.Entry)
	OnCursors   func(cursors []presence.CursorState)
	OnState     func(state channel.State, err error)
	OnSaveError func(err error)
}

type Config struct {
	DocumentID   string
	Editor       protocol.Editor
	Store        DocumentStore
	Dial         Dialer
	Drafts       DraftCache
	SaveDebounce time.Duration
	Hooks        Hooks
}

type Session struct {
	cfg      Config
	clientID string

	mu            sync.Mutex
	buffer        string
	lastBroadcast string
	unsent        bool
	saved         string
	selection     Selection
	registry      *presence.Registry
	state         channel.State
	transport     Transport
	saveTimer     *time.Timer
	closed        bool
}

func New(cfg Config) (*Session, error) {
	if cfg.DocumentID == "" {
		return nil, errors.New("document id is required")
	}
	if cfg.Editor.EditorID == "" {
		return nil, errors.New("editor id is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("document store is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("dialer is required")
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = DefaultSaveDebounce
	}
	return &Session{
		cfg:      cfg,
		clientID: util.NewID("cli"),
		registry: presence.NewRegistry(cfg.Editor.EditorID),
		state:    channel.Closed,
	}, nil
}

func (s *Session) DocumentID() string { return s.cfg.DocumentID }

func (s *Session) ClientID() string { return s.clientID }

// Open loads the persisted content and starts the live channel.
func (s *Session) Open(ctx context.Context) error {
	content, err := s.cfg.Store.GetContent(ctx, s.cfg.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", s.cfg.DocumentID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.transport != nil {
		s.mu.Unlock()
		return nil
	}
	s.buffer = content
	s.lastBroadcast = content
	s.saved = content
	s.selection = Selection{}
	transport := s.cfg.Dial(s)
	s.transport = transport
	s.mu.Unlock()

	s.notifyContent(content, Selection{})
	return transport.Open(ctx)
}

// Reopen restarts a channel that gave up reconnecting.
func (s *Session) Reopen(ctx context.Context) error {
	s.mu.Lock()
	transport := s.transport
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if transport == nil {
		return s.Open(ctx)
	}
	return transport.Open(ctx)
}

// Edit replaces the local buffer with content. The buffer changes
// immediately, the whole content is broadcast when the channel is open and a
// save is scheduled after the debounce window.
func (s *Session) Edit(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || content == s.buffer {
		return
	}
	s.buffer = content
	s.selection = clampSelection(s.selection, content)
	s.scheduleSaveLocked()
	s.broadcastLocked()
}

// Select records the local caret and announces it when the channel is open.
func (s *Session) Select(position, length int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.selection = clampSelection(Selection{Position: position, Length: length}, s.buffer)
	if s.transport == nil || s.transport.State() != channel.Open {
		return false
	}
	msg := protocol.CursorPosition(s.cfg.DocumentID, s.cfg.Editor, s.selection.Position, s.selection.Length)
	msg.ClientID = s.clientID
	return s.transport.Send(msg)
}

// Save persists the current buffer now and cancels any pending debounced save.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	s.stopSaveLocked()
	content := s.buffer
	s.mu.Unlock()
	return s.persist(ctx, content)
}

// Reload replaces the buffer with the persisted content, for example after a
// rollback, and pushes it to peers. A pending debounced save is dropped so it
// cannot overwrite the reloaded content.
func (s *Session) Reload(ctx context.Context) error {
	content, err := s.cfg.Store.GetContent(ctx, s.cfg.DocumentID)
	if err != nil {
		return fmt.Errorf("reload document %s: %w", s.cfg.DocumentID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.stopSaveLocked()
	s.saved = content
	changed := content != s.buffer
	s.buffer = content
	s.selection = clampSelection(s.selection, content)
	s.broadcastLocked()
	selection := s.selection
	s.mu.Unlock()

	if changed {
		s.notifyContent(content, selection)
	}
	return nil
}

// Close flushes a pending save, leaves the document and stops reconnecting.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.stopSaveLocked()
	content := s.buffer
	transport := s.transport
	s.mu.Unlock()

	var err error
	if pending {
		err = s.persist(ctx, content)
	}
	if transport != nil {
		transport.Close()
	}
	return err
}

func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

func (s *Session) Presence() []presence.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Entries()
}

func (s *Session) Cursors() []presence.CursorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Cursors()
}

func (s *Session) State() channel.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasUnsavedChanges reports whether the buffer differs from what was last
// loaded or persisted.
func (s *Session) HasUnsavedChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer != s.saved
}

// HandleMessage applies one inbound frame.
func (s *Session) HandleMessage(msg protocol.Message) {
	if msg.DocumentID != "" && msg.DocumentID != s.cfg.DocumentID {
		return
	}
	if msg.Type == protocol.TypeContentUpdate {
		s.applyContent(msg)
		return
	}

	s.mu.Lock()
	if s.closed || !s.registry.Apply(msg) {
		s.mu.Unlock()
		return
	}
	entries := s.registry.Entries()
	cursors := s.registry.Cursors()
	s.mu.Unlock()

	if msg.Type != protocol.TypeCursorPosition {
		s.notifyPresence(entries)
	}
	s.notifyCursors(cursors)
}

// HandleState tracks the channel state. Presence is rebuilt from scratch on
// every new connection; only an exhausted reconnect is reported as an error.
func (s *Session) HandleState(state channel.State, err error) {
	s.mu.Lock()
	s.state = state
	cleared := false
	if state != channel.Reconnecting && state != channel.Connecting {
		cleared = len(s.registry.Entries()) > 0 || len(s.registry.Cursors()) > 0
		s.registry.Reset()
	}
	s.mu.Unlock()

	if cleared {
		s.notifyPresence(nil)
		s.notifyCursors(nil)
	}
	if state != channel.Disconnected {
		err = nil
	}
	if s.cfg.Hooks.OnState != nil {
		s.cfg.Hooks.OnState(state, err)
	}
}

// applyContent replaces the buffer wholesale with a remote snapshot. The
// local selection keeps its raw offsets, clamped to the new length.
//
// The relay echoes content frames back to their sender in the order it
// relayed them. When the echo of our latest broadcast arrives after a remote
// snapshot was applied, the relay ordered ours last, so it is adopted again
// and every peer ends on the same content.
func (s *Session) applyContent(msg protocol.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.isOwn(msg) {
		if msg.ClientID == "" || s.unsent || msg.Content != s.lastBroadcast {
			s.mu.Unlock()
			return
		}
	}
	if msg.Content == s.buffer {
		s.mu.Unlock()
		return
	}
	s.buffer = msg.Content
	s.unsent = false
	s.selection = clampSelection(s.selection, msg.Content)
	content, selection := s.buffer, s.selection
	s.mu.Unlock()

	s.notifyContent(content, selection)
}

func (s *Session) isOwn(msg protocol.Message) bool {
	if msg.ClientID != "" {
		return msg.ClientID == s.clientID
	}
	return msg.EditorID == s.cfg.Editor.EditorID
}

func (s *Session) broadcastLocked() {
	if s.transport == nil || s.transport.State() != channel.Open {
		s.unsent = s.buffer != s.lastBroadcast
		return
	}
	msg := protocol.ContentUpdate(s.cfg.DocumentID, s.cfg.Editor, s.buffer)
	msg.ClientID = s.clientID
	if !s.transport.Send(msg) {
		s.unsent = true
		return
	}
	s.lastBroadcast = s.buffer
	s.unsent = false
}

func (s *Session) scheduleSaveLocked() {
	s.stopSaveLocked()
	s.saveTimer = time.AfterFunc(s.cfg.SaveDebounce, s.flush)
}

// stopSaveLocked cancels the debounce timer and reports whether a save was
// still pending.
func (s *Session) stopSaveLocked() bool {
	if s.saveTimer == nil {
		return false
	}
	pending := s.saveTimer.Stop()
	s.saveTimer = nil
	return pending
}

func (s *Session) flush() {
	s.mu.Lock()
	s.saveTimer = nil
	content := s.buffer
	s.mu.Unlock()
	_ = s.persist(context.Background(), content)
}

// persist saves content. A failure keeps the buffer, stores a draft and is
// retried only by the next debounce or a manual save.
func (s *Session) persist(ctx context.Context, content string) error {
	if err := s.cfg.Store.SaveContent(ctx, s.cfg.DocumentID, content); err != nil {
		err = fmt.Errorf("%w: save %s: %v", ErrPersistenceFailed, s.cfg.DocumentID, err)
		log.Printf("collab: %v", err)
		if s.cfg.Drafts != nil {
			if derr := s.cfg.Drafts.Put(s.cfg.DocumentID, content); derr != nil {
				log.Printf("collab: keep draft for %s: %v", s.cfg.DocumentID, derr)
			}
		}
		if s.cfg.Hooks.OnSaveError != nil {
			s.cfg.Hooks.OnSaveError(err)
		}
		return err
	}

	s.mu.Lock()
	s.saved = content
	s.mu.Unlock()
	if s.cfg.Drafts != nil {
		if err := s.cfg.Drafts.Delete(s.cfg.DocumentID); err != nil {
			log.Printf("collab: clear draft for %s: %v", s.cfg.DocumentID, err)
		}
	}
	return nil
}

func (s *Session) notifyContent(content string, selection Selection) {
	if s.cfg.Hooks.OnContent != nil {
		s.cfg.Hooks.OnContent(content, selection)
	}
}

func (s *Session) notifyPresence(entries []presence.Entry) {
	if s.cfg.Hooks.OnPresence != nil {
		s.cfg.Hooks.OnPresence(entries)
	}
}

func (s *Session) notifyCursors(cursors []presence.CursorState) {
	if s.cfg.Hooks.OnCursors != nil {
		s.cfg.Hooks.OnCursors(cursors)
	}
}

func clampSelection(sel Selection, content string) Selection {
	size := utf8.RuneCountInString(content)
	if sel.Position < 0 {
		sel.Position = 0
	}
	if sel.Position > size {
		sel.Position = size
	}
	if sel.Length < 0 {
		sel.Length = 0
	}
	if sel.Position+sel.Length > size {
		sel.Length = size - sel.Position
	}
	return sel
}
