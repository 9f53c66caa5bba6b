package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"collabsync/internal/channel"
	"collabsync/internal/presence"
	"collabsync/internal/protocol"
)

type fakeStore struct {
	mu      sync.Mutex
	content map[string]string
	saves   []string
	saveErr error
	getErr  error
}

func newFakeStore(documentID, content string) *fakeStore {
	return &fakeStore{content: map[string]string{documentID: content}}
}

func (f *fakeStore) GetContent(_ context.Context, documentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.content[documentID], nil
}

func (f *fakeStore) SaveContent(_ context.Context, documentID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.content[documentID] = content
	f.saves = append(f.saves, content)
	return nil
}

func (f *fakeStore) saved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saves...)
}

func (f *fakeStore) failSaves(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

type fakeDrafts struct {
	mu     sync.Mutex
	drafts map[string]string
}

func (f *fakeDrafts) Put(documentID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drafts == nil {
		f.drafts = map[string]string{}
	}
	f.drafts[documentID] = content
	return nil
}

func (f *fakeDrafts) Delete(documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.drafts, documentID)
	return nil
}

func (f *fakeDrafts) get(documentID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.drafts[documentID]
	return content, ok
}

// fakeTransport records frames. When attached to a room, sent frames are
// queued there and delivered on flush, in the order the room received them.
type fakeTransport struct {
	mu      sync.Mutex
	handler channel.Handler
	state   channel.State
	sent    []protocol.Message
	room    *fakeRoom
	closed  int
}

func (f *fakeTransport) Open(context.Context) error {
	f.mu.Lock()
	f.state = channel.Open
	f.mu.Unlock()
	f.handler.HandleState(channel.Open, nil)
	return nil
}

func (f *fakeTransport) Send(msg protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != channel.Open {
		return false
	}
	f.sent = append(f.sent, msg)
	if f.room != nil {
		f.room.enqueue(msg)
	}
	return true
}

func (f *fakeTransport) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.state = channel.Closed
	f.closed++
	f.mu.Unlock()
	f.handler.HandleState(channel.Closed, nil)
}

func (f *fakeTransport) setState(state channel.State, err error) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.handler.HandleState(state, err)
}

func (f *fakeTransport) frames(kind protocol.Type) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, msg := range f.sent {
		if msg.Type == kind {
			out = append(out, msg)
		}
	}
	return out
}

// fakeRoom relays content frames to every member, including the sender.
type fakeRoom struct {
	mu      sync.Mutex
	queue   []protocol.Message
	members []*fakeTransport
}

func (r *fakeRoom) enqueue(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, msg)
}

func (r *fakeRoom) flush() {
	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	members := append([]*fakeTransport(nil), r.members...)
	r.mu.Unlock()
	for _, msg := range queue {
		for _, member := range members {
			member.handler.HandleMessage(msg)
		}
	}
}

type recorder struct {
	mu       sync.Mutex
	contents []string
	states   []channel.State
	errs     []error
	saveErrs []error
	presence [][]presence.Entry
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnContent: func(content string, _ Selection) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.contents = append(r.contents, content)
		},
		OnPresence: func(entries []presence.Entry) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.presence = append(r.presence, entries)
		},
		OnState: func(state channel.State, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, state)
			r.errs = append(r.errs, err)
		},
		OnSaveError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.saveErrs = append(r.saveErrs, err)
		},
	}
}

func (r *recorder) contentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

type harness struct {
	session   *Session
	transport *fakeTransport
	store     *fakeStore
	drafts    *fakeDrafts
	events    *recorder
}

func openSession(t *testing.T, editorID, content string, room *fakeRoom, store *fakeStore) *harness {
	t.Helper()
	if store == nil {
		store = newFakeStore("doc-1", content)
	}
	h := &harness{store: store, drafts: &fakeDrafts{}, events: &recorder{}}
	h.transport = &fakeTransport{room: room}
	session, err := New(Config{
		DocumentID:   "doc-1",
		Editor:       protocol.Editor{EditorID: editorID, DisplayName: editorID},
		Store:        store,
		Drafts:       h.drafts,
		SaveDebounce: 20 * time.Millisecond,
		Hooks:        h.events.hooks(),
		Dial: func(handler channel.Handler) Transport {
			h.transport.handler = handler
			return h.transport
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.session = session
	if room != nil {
		room.members = append(room.members, h.transport)
	}
	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = session.Close(context.Background()) })
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewValidatesConfig(t *testing.T) {
	dial := func(channel.Handler) Transport { return &fakeTransport{} }
	store := newFakeStore("doc-1", "")
	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "missing document", cfg: Config{Editor: protocol.Editor{EditorID: "u1"}, Store: store, Dial: dial}},
		{name: "missing editor", cfg: Config{DocumentID: "doc-1", Store: store, Dial: dial}},
		{name: "missing store", cfg: Config{DocumentID: "doc-1", Editor: protocol.Editor{EditorID: "u1"}, Dial: dial}},
		{name: "missing dialer", cfg: Config{DocumentID: "doc-1", Editor: protocol.Editor{EditorID: "u1"}, Store: store}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestOpenLoadsContent(t *testing.T) {
	h := openSession(t, "u1", "hello", nil, nil)
	if got := h.session.Buffer(); got != "hello" {
		t.Fatalf("expected buffer hello, got %q", got)
	}
	if h.session.State() != channel.Open {
		t.Fatalf("expected open session, got %s", h.session.State())
	}
	if h.session.HasUnsavedChanges() {
		t.Fatal("freshly loaded session has no unsaved changes")
	}
}

func TestOpenFailsWhenContentCannotLoad(t *testing.T) {
	store := newFakeStore("doc-1", "")
	store.getErr = errors.New("boom")
	session, err := New(Config{
		DocumentID: "doc-1",
		Editor:     protocol.Editor{EditorID: "u1"},
		Store:      store,
		Dial:       func(channel.Handler) Transport { t.Fatal("must not dial"); return nil },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := session.Open(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
}

func TestEveryEditBroadcastsTheWholeBuffer(t *testing.T) {
	h := openSession(t, "u1", "", nil, nil)
	edits := []string{"h", "he", "hel", "help", "hello"}
	for _, edit := range edits {
		h.session.Edit(edit)
	}

	frames := h.transport.frames(protocol.TypeContentUpdate)
	if len(frames) != len(edits) {
		t.Fatalf("expected %d broadcasts, got %d", len(edits), len(frames))
	}
	for i, frame := range frames {
		if frame.Content != edits[i] {
			t.Fatalf("broadcast %d carried %q, want %q", i, frame.Content, edits[i])
		}
		if frame.EditorID != "u1" || frame.DocumentID != "doc-1" || frame.ClientID != h.session.ClientID() {
			t.Fatalf("unexpected frame identity %+v", frame)
		}
	}
}

func TestEditWithoutChangeDoesNothing(t *testing.T) {
	h := openSession(t, "u1", "same", nil, nil)
	h.session.Edit("same")
	if got := len(h.transport.frames(protocol.TypeContentUpdate)); got != 0 {
		t.Fatalf("expected no broadcast, got %d", got)
	}
}

func TestEditWhileReconnectingKeepsBuffer(t *testing.T) {
	h := openSession(t, "u1", "a", nil, nil)
	h.transport.setState(channel.Reconnecting, channel.ErrConnectionLost)

	h.session.Edit("ab")

	if got := h.session.Buffer(); got != "ab" {
		t.Fatalf("expected buffer ab, got %q", got)
	}
	if got := len(h.transport.frames(protocol.TypeContentUpdate)); got != 0 {
		t.Fatalf("expected no broadcast while reconnecting, got %d", got)
	}
	waitFor(t, func() bool { return len(h.store.saved()) == 1 })
	if got := h.store.saved()[0]; got != "ab" {
		t.Fatalf("expected the offline edit to be persisted, got %q", got)
	}
}

func TestDebounceCoalescesRapidEdits(t *testing.T) {
	h := openSession(t, "u1", "", nil, nil)
	for _, edit := range []string{"a", "ab", "abc", "abcd"} {
		h.session.Edit(edit)
	}

	waitFor(t, func() bool { return len(h.store.saved()) > 0 })
	time.Sleep(60 * time.Millisecond)
	saves := h.store.saved()
	if len(saves) != 1 || saves[0] != "abcd" {
		t.Fatalf("expected a single save of abcd, got %v", saves)
	}
	if h.session.HasUnsavedChanges() {
		t.Fatal("expected buffer persisted")
	}
}

func TestSaveFailureKeepsDraftUntilNextSuccess(t *testing.T) {
	h := openSession(t, "u1", "", nil, nil)
	h.session.cfg.SaveDebounce = time.Hour
	h.store.failSaves(errors.New("storage offline"))

	h.session.Edit("draft")
	err := h.session.Save(context.Background())
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected ErrPersistenceFailed, got %v", err)
	}
	if draft, ok := h.drafts.get("doc-1"); !ok || draft != "draft" {
		t.Fatalf("expected draft kept, got %q ok=%v", draft, ok)
	}
	if got := h.session.Buffer(); got != "draft" {
		t.Fatalf("buffer must survive a failed save, got %q", got)
	}
	if !h.session.HasUnsavedChanges() {
		t.Fatal("expected unsaved changes after failed save")
	}

	h.store.failSaves(nil)
	if err := h.session.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, ok := h.drafts.get("doc-1"); ok {
		t.Fatal("expected draft cleared after successful save")
	}
	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.saveErrs) != 1 {
		t.Fatalf("expected one save error hook call, got %d", len(h.events.saveErrs))
	}
}

func TestRemoteIdenticalContentIsNotAVisibleUpdate(t *testing.T) {
	h := openSession(t, "u1", "hello", nil, nil)
	h.session.Select(3, 0)
	before := h.events.contentCount()

	h.transport.handler.HandleMessage(protocol.ContentUpdate("doc-1", protocol.Editor{EditorID: "u2"}, "hello"))

	if got := h.events.contentCount(); got != before {
		t.Fatalf("identical content produced %d content callbacks", got-before)
	}
	if sel := h.session.Selection(); sel.Position != 3 {
		t.Fatalf("selection must be untouched, got %+v", sel)
	}
}

func TestRemoteContentReplacesBufferAndClampsSelection(t *testing.T) {
	h := openSession(t, "u1", "hello world", nil, nil)
	h.session.Select(8, 3)

	h.transport.handler.HandleMessage(protocol.ContentUpdate("doc-1", protocol.Editor{EditorID: "u2"}, "héllo"))

	if got := h.session.Buffer(); got != "héllo" {
		t.Fatalf("expected remote content, got %q", got)
	}
	if sel := h.session.Selection(); sel.Position != 5 || sel.Length != 0 {
		t.Fatalf("expected selection clamped to rune length, got %+v", sel)
	}
	if got := len(h.store.saved()); got != 0 {
		t.Fatalf("remote content must not schedule a save, got %d saves", got)
	}
}

func TestFramesForOtherDocumentsAreIgnored(t *testing.T) {
	h := openSession(t, "u1", "hello", nil, nil)
	msg := protocol.ContentUpdate("doc-2", protocol.Editor{EditorID: "u2"}, "other")
	h.transport.handler.HandleMessage(msg)
	if got := h.session.Buffer(); got != "hello" {
		t.Fatalf("expected buffer untouched, got %q", got)
	}
}

func TestLegacyEchoFromSameEditorIsIgnored(t *testing.T) {
	h := openSession(t, "u1", "hello", nil, nil)
	h.transport.handler.HandleMessage(protocol.ContentUpdate("doc-1", protocol.Editor{EditorID: "u1"}, "stale"))
	if got := h.session.Buffer(); got != "hello" {
		t.Fatalf("expected own frame ignored, got %q", got)
	}
}

func TestSameEditorInAnotherSessionIsApplied(t *testing.T) {
	h := openSession(t, "u1", "hello", nil, nil)
	msg := protocol.ContentUpdate("doc-1", protocol.Editor{EditorID: "u1"}, "from other tab")
	msg.ClientID = "cli_other"
	h.transport.handler.HandleMessage(msg)
	if got := h.session.Buffer(); got != "from other tab" {
		t.Fatalf("expected content from the other tab, got %q", got)
	}
}

func TestConcurrentEditsConvergeOnLastRelayed(t *testing.T) {
	cases := []struct {
		name      string
		firstIsA  bool
		wantFinal string
	}{
		{name: "b relayed last", firstIsA: true, wantFinal: "hello!"},
		{name: "a relayed last", firstIsA: false, wantFinal: "hello world"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore("doc-1", "hello")
			room := &fakeRoom{}
			a := openSession(t, "alice", "", room, store)
			b := openSession(t, "bob", "", room, store)

			if tc.firstIsA {
				a.session.Edit("hello world")
				b.session.Edit("hello!")
			} else {
				b.session.Edit("hello!")
				a.session.Edit("hello world")
			}
			room.flush()

			if got := a.session.Buffer(); got != tc.wantFinal {
				t.Fatalf("alice ended on %q, want %q", got, tc.wantFinal)
			}
			if got := b.session.Buffer(); got != tc.wantFinal {
				t.Fatalf("bob ended on %q, want %q", got, tc.wantFinal)
			}
		})
	}
}

func TestStaleOwnEchoDoesNotRevertNewerEdits(t *testing.T) {
	room := &fakeRoom{}
	h := openSession(t, "u1", "", room, nil)
	h.session.Edit("a")
	h.session.Edit("ab")
	room.flush()
	if got := h.session.Buffer(); got != "ab" {
		t.Fatalf("expected ab, got %q", got)
	}
}

func TestSelectBroadcastsCursorOnlyWhenOpen(t *testing.T) {
	h := openSession(t, "u1", "hello", nil, nil)
	if !h.session.Select(2, 10) {
		t.Fatal("expected cursor broadcast while open")
	}
	frames := h.transport.frames(protocol.TypeCursorPosition)
	if len(frames) != 1 || frames[0].Position != 2 || frames[0].Length != 3 {
		t.Fatalf("unexpected cursor frames %+v", frames)
	}

	h.transport.setState(channel.Reconnecting, channel.ErrConnectionLost)
	if h.session.Select(1, 0) {
		t.Fatal("expected no cursor broadcast while reconnecting")
	}
	if sel := h.session.Selection(); sel.Position != 1 {
		t.Fatalf("local selection must still update, got %+v", sel)
	}
}

func TestPresenceIsRebuiltOnReconnect(t *testing.T) {
	h := openSession(t, "u1", "", nil, nil)
	handler := h.transport.handler
	handler.HandleMessage(protocol.OnlineUsers("doc-1", []protocol.Editor{{EditorID: "u2", DisplayName: "Jamie"}}))
	handler.HandleMessage(protocol.CursorPosition("doc-1", protocol.Editor{EditorID: "u2"}, 1, 0))
	if len(h.session.Presence()) != 1 || len(h.session.Cursors()) != 1 {
		t.Fatal("expected presence and cursor recorded")
	}

	h.transport.setState(channel.Reconnecting, channel.ErrConnectionLost)
	h.transport.setState(channel.Open, nil)

	if len(h.session.Presence()) != 0 || len(h.session.Cursors()) != 0 {
		t.Fatal("expected presence cleared on a new connection")
	}
}

func TestOnlyExhaustedReconnectSurfacesAnError(t *testing.T) {
	h := openSession(t, "u1", "", nil, nil)
	h.transport.setState(channel.Reconnecting, channel.ErrConnectionLost)
	h.transport.setState(channel.Disconnected, channel.ErrReconnectExhausted)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	for i, state := range h.events.states {
		err := h.events.errs[i]
		if state == channel.Disconnected {
			if !errors.Is(err, channel.ErrReconnectExhausted) {
				t.Fatalf("expected ErrReconnectExhausted, got %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("state %s surfaced error %v", state, err)
		}
	}
}

func TestReloadDropsPendingSaveAndBroadcasts(t *testing.T) {
	h := openSession(t, "u1", "v2 content", nil, nil)
	h.session.Edit("local edit")

	h.store.mu.Lock()
	h.store.content["doc-1"] = "rolled back"
	h.store.mu.Unlock()

	if err := h.session.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := h.session.Buffer(); got != "rolled back" {
		t.Fatalf("expected reloaded content, got %q", got)
	}
	frames := h.transport.frames(protocol.TypeContentUpdate)
	if last := frames[len(frames)-1]; last.Content != "rolled back" {
		t.Fatalf("expected reload broadcast, got %q", last.Content)
	}

	time.Sleep(60 * time.Millisecond)
	if saves := h.store.saved(); len(saves) != 0 {
		t.Fatalf("pending save must be dropped by reload, got %v", saves)
	}
}

func TestCloseFlushesPendingSaveAndClosesTransport(t *testing.T) {
	h := openSession(t, "u1", "", nil, nil)
	h.session.cfg.SaveDebounce = time.Hour
	h.session.Edit("typed then closed")

	if err := h.session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if saves := h.store.saved(); len(saves) != 1 || saves[0] != "typed then closed" {
		t.Fatalf("expected pending save flushed on close, got %v", saves)
	}
	if h.transport.closed != 1 {
		t.Fatalf("expected transport closed once, got %d", h.transport.closed)
	}
	if err := h.session.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if h.transport.closed != 1 {
		t.Fatal("second Close must be a no-op")
	}
}
