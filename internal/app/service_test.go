package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"collabsync/internal/config"
	"collabsync/internal/gitrepo"
	"collabsync/internal/search"
	"collabsync/internal/store"
	"collabsync/internal/versions"
)

// fakeStore keeps documents and versions in memory. The Fn fields override
// individual calls.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]store.User
	documents map[string]store.Document
	versions  []store.Version

	pingFn          func(context.Context) error
	insertVersionFn func(context.Context, store.Version) (store.Version, error)
	saveContentFn   func(context.Context, string, string, string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]store.User),
		documents: make(map[string]store.Document),
	}
}

func (f *fakeStore) addDocument(id, title, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	f.documents[id] = store.Document{ID: id, Title: title, Content: content, CreatedAt: now, UpdatedAt: now}
}

func (f *fakeStore) content(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.documents[id].Content
}

func (f *fakeStore) EnsureUserByName(_ context.Context, id, name, role string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[name]; ok {
		return user, nil
	}
	user := store.User{ID: id, DisplayName: name, Role: role, CreatedAt: time.Now().UTC()}
	f.users[name] = user
	return user, nil
}

func (f *fakeStore) InsertDocument(_ context.Context, document store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	document.CreatedAt, document.UpdatedAt = now, now
	f.documents[document.ID] = document
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	document, ok := f.documents[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return document, nil
}

func (f *fakeStore) ListDocuments(context.Context) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Document
	for _, document := range f.documents {
		items = append(items, document)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) DocumentExists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.documents[id]
	return ok, nil
}

func (f *fakeStore) GetContent(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	document, ok := f.documents[id]
	if !ok {
		return "", sql.ErrNoRows
	}
	return document.Content, nil
}

func (f *fakeStore) SaveContent(ctx context.Context, id, content, actor string) error {
	if f.saveContentFn != nil {
		return f.saveContentFn(ctx, id, content, actor)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	document, ok := f.documents[id]
	if !ok {
		return sql.ErrNoRows
	}
	document.Content = content
	document.UpdatedBy = actor
	document.UpdatedAt = time.Now().UTC()
	f.documents[id] = document
	return nil
}

func (f *fakeStore) ListVersions(_ context.Context, documentID string) ([]store.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Version
	for i := len(f.versions) - 1; i >= 0; i-- {
		if f.versions[i].DocumentID == documentID {
			items = append(items, f.versions[i])
		}
	}
	return items, nil
}

func (f *fakeStore) InsertVersion(ctx context.Context, version store.Version) (store.Version, error) {
	if f.insertVersionFn != nil {
		return f.insertVersionFn(ctx, version)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	number := 1
	for _, item := range f.versions {
		if item.DocumentID == version.DocumentID && item.Number >= number {
			number = item.Number + 1
		}
	}
	version.Number = number
	if version.Name == "" {
		version.Name = fmt.Sprintf("Version %d", number)
	}
	version.CreatedAt = time.Now().UTC()
	version.Content = ""
	f.versions = append(f.versions, version)
	return version, nil
}

func (f *fakeStore) GetVersion(_ context.Context, id string) (store.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.versions {
		if item.ID == id {
			return item, nil
		}
	}
	return store.Version{}, sql.ErrNoRows
}

func (f *fakeStore) SetVersionLocked(_ context.Context, id string, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.versions {
		if f.versions[i].ID == id {
			f.versions[i].Locked = locked
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeGit struct {
	mu       sync.Mutex
	contents map[string]string
	commits  int
	log      map[string][]gitrepo.Commit
	commitFn func(documentID, content, author, message string) (gitrepo.Commit, error)
}

func (f *fakeGit) CommitSnapshot(documentID, content, author, message string) (gitrepo.Commit, error) {
	if f.commitFn != nil {
		return f.commitFn(documentID, content, author, message)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contents == nil {
		f.contents = make(map[string]string)
	}
	f.commits++
	hash := fmt.Sprintf("%040d", f.commits)
	f.contents[documentID+"/"+hash] = content
	commit := gitrepo.Commit{Hash: hash, Message: message, Author: author, CreatedAt: time.Now().UTC()}
	if f.log == nil {
		f.log = make(map[string][]gitrepo.Commit)
	}
	f.log[documentID] = append([]gitrepo.Commit{commit}, f.log[documentID]...)
	return commit, nil
}

func (f *fakeGit) History(documentID string, limit int) ([]gitrepo.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := append([]gitrepo.Commit{}, f.log[documentID]...)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeGit) GetContentByHash(documentID, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[documentID+"/"+hash]
	if !ok {
		return "", gitrepo.ErrSnapshotNotFound
	}
	return content, nil
}

type fakeSearch struct {
	mu       sync.Mutex
	indexed  []search.DocumentRecord
	searchFn func(context.Context, search.Query) search.Response
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexDocument(doc search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, doc)
}

func (f *fakeSearch) lastIndexed() (search.DocumentRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.indexed) == 0 {
		return search.DocumentRecord{}, false
	}
	return f.indexed[len(f.indexed)-1], true
}

type testDeps struct {
	store  *fakeStore
	git    *fakeGit
	search *fakeSearch
}

func testConfig() config.Config {
	return config.Config{
		TokenSecret:             "test-secret",
		TokenTTL:                time.Hour,
		BootstrapInitialVersion: true,
	}
}

func newTestService(t *testing.T, cfg config.Config) (*Service, testDeps) {
	t.Helper()
	deps := testDeps{store: newFakeStore(), git: &fakeGit{}, search: &fakeSearch{}}
	return newService(cfg, deps.store, deps.git, deps.search), deps
}

func loginAs(t *testing.T, svc *Service, name, role string) Session {
	t.Helper()
	session, err := svc.Login(context.Background(), name, role)
	if err != nil {
		t.Fatalf("Login(%q, %q) error = %v", name, role, err)
	}
	return session
}

func requireStatus(t *testing.T, err error, status int, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	gotStatus, gotCode, _, _ := mapError(err)
	if gotStatus != status || gotCode != code {
		t.Fatalf("mapError(%v) = %d %s, want %d %s", err, gotStatus, gotCode, status, code)
	}
}

func TestLoginValidatesInput(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	if _, err := svc.Login(ctx, "   ", "editor"); err == nil {
		t.Fatal("expected blank name to be rejected")
	} else {
		requireStatus(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	}
	if _, err := svc.Login(ctx, "Avery", "owner"); err == nil {
		t.Fatal("expected unknown role to be rejected")
	} else {
		requireStatus(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	}

	session := loginAs(t, svc, " Avery ", "")
	if session.UserName != "Avery" || session.Role != "editor" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.Token == "" || session.JTI == "" || !session.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected a live token, got %+v", session)
	}

	parsed, err := svc.SessionFromToken(session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserID != session.UserID || parsed.UserName != "Avery" {
		t.Fatalf("unexpected parsed session %+v", parsed)
	}
}

func TestLoginKeepsFirstRoleForName(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	first := loginAs(t, svc, "Avery", "viewer")
	second := loginAs(t, svc, "Avery", "admin")
	if second.UserID != first.UserID {
		t.Fatalf("expected same user, got %s and %s", first.UserID, second.UserID)
	}
	if second.Role != "viewer" {
		t.Fatalf("expected stored role viewer, got %s", second.Role)
	}
}

func TestSessionFromTokenRejectsForeignSecret(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	session := loginAs(t, svc, "Avery", "editor")

	otherCfg := testConfig()
	otherCfg.TokenSecret = "other-secret"
	other, _ := newTestService(t, otherCfg)
	_, err := other.SessionFromToken(session.Token)
	requireStatus(t, err, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestRoleMatrix(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		role      string
		canWrite  bool
		canAdmin  bool
		canSearch bool
	}{
		{role: "viewer", canSearch: true},
		{role: "commenter", canSearch: true},
		{role: "editor", canWrite: true, canSearch: true},
		{role: "admin", canWrite: true, canAdmin: true, canSearch: true},
	}

	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			svc, deps := newTestService(t, testConfig())
			deps.store.addDocument("doc-1", "Plan", "alpha")
			writer := loginAs(t, svc, "Writer", "editor")
			version, err := svc.CreateVersion(ctx, writer, "doc-1", CreateVersionInput{})
			if err != nil {
				t.Fatalf("CreateVersion() error = %v", err)
			}

			session := loginAs(t, svc, "User "+tc.role, tc.role)
			checks := []struct {
				name    string
				allowed bool
				call    func() error
			}{
				{"read content", true, func() error { _, err := svc.GetContent(ctx, session, "doc-1"); return err }},
				{"search", tc.canSearch, func() error { _, err := svc.Search(ctx, session, search.Query{Text: "alpha"}); return err }},
				{"save content", tc.canWrite, func() error { return svc.SaveContent(ctx, session, "doc-1", "beta") }},
				{"create document", tc.canWrite, func() error { _, err := svc.CreateDocument(ctx, session, "New", ""); return err }},
				{"create version", tc.canWrite, func() error {
					_, err := svc.CreateVersion(ctx, session, "doc-1", CreateVersionInput{})
					return err
				}},
				{"rollback", tc.canWrite, func() error { _, err := svc.Rollback(ctx, session, "doc-1", version.ID); return err }},
				{"lock", tc.canAdmin, func() error { _, err := svc.LockVersion(ctx, session, version.ID, false); return err }},
			}
			for _, check := range checks {
				err := check.call()
				if check.allowed && err != nil {
					t.Fatalf("%s: expected allowed, got %v", check.name, err)
				}
				if !check.allowed {
					requireStatus(t, err, http.StatusForbidden, "FORBIDDEN")
				}
			}
		})
	}
}

func TestCreateDocumentIndexesAndReturnsStoredRow(t *testing.T) {
	svc, deps := newTestService(t, testConfig())
	session := loginAs(t, svc, "Avery", "editor")

	if _, err := svc.CreateDocument(context.Background(), session, "  ", "x"); err == nil {
		t.Fatal("expected blank title to be rejected")
	}

	document, err := svc.CreateDocument(context.Background(), session, "Roadmap", "line one")
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if document.ID == "" || document.Title != "Roadmap" || document.CreatedBy != "Avery" {
		t.Fatalf("unexpected document %+v", document)
	}
	if got := deps.store.content(document.ID); got != "line one" {
		t.Fatalf("stored content = %q", got)
	}
	indexed, ok := deps.search.lastIndexed()
	if !ok || indexed.ID != document.ID || indexed.Content != "line one" {
		t.Fatalf("unexpected index record %+v", indexed)
	}
}

func TestSaveContentReindexesAndMapsMissingDocument(t *testing.T) {
	svc, deps := newTestService(t, testConfig())
	deps.store.addDocument("doc-1", "Plan", "alpha")
	session := loginAs(t, svc, "Avery", "editor")
	ctx := context.Background()

	if err := svc.SaveContent(ctx, session, "doc-1", "beta"); err != nil {
		t.Fatalf("SaveContent() error = %v", err)
	}
	if got := deps.store.content("doc-1"); got != "beta" {
		t.Fatalf("stored content = %q", got)
	}
	indexed, _ := deps.search.lastIndexed()
	if indexed.Title != "Plan" || indexed.Content != "beta" {
		t.Fatalf("unexpected index record %+v", indexed)
	}

	err := svc.SaveContent(ctx, session, "doc-missing", "x")
	requireStatus(t, err, http.StatusNotFound, "DOCUMENT_NOT_FOUND")
	_, err = svc.GetContent(ctx, session, "doc-missing")
	requireStatus(t, err, http.StatusNotFound, "DOCUMENT_NOT_FOUND")
}

func TestListVersionsBootstrapsForEditorsOnly(t *testing.T) {
	svc, deps := newTestService(t, testConfig())
	deps.store.addDocument("doc-1", "Plan", "alpha")
	ctx := context.Background()

	viewer := loginAs(t, svc, "Viewer", "viewer")
	items, err := svc.ListVersions(ctx, viewer, "doc-1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected viewer to see an empty history, got %+v", items)
	}

	editor := loginAs(t, svc, "Editor", "editor")
	items, err = svc.ListVersions(ctx, editor, "doc-1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(items) != 1 || items[0].Name != versions.InitialVersionName || items[0].Number != 1 {
		t.Fatalf("unexpected bootstrap history %+v", items)
	}

	full, err := svc.GetVersion(ctx, viewer, items[0].ID)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if full.Content != "alpha" || full.CommitHash == "" {
		t.Fatalf("unexpected bootstrap version %+v", full)
	}
}

func TestListVersionsWithoutBootstrapPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.BootstrapInitialVersion = false
	svc, deps := newTestService(t, cfg)
	deps.store.addDocument("doc-1", "Plan", "alpha")

	items, err := svc.ListVersions(context.Background(), loginAs(t, svc, "Editor", "editor"), "doc-1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty history, got %+v", items)
	}
}

func TestCreateVersionDefaultsToPersistedContent(t *testing.T) {
	svc, deps := newTestService(t, testConfig())
	deps.store.addDocument("doc-1", "Plan", "persisted")
	session := loginAs(t, svc, "Avery", "editor")
	ctx := context.Background()

	first, err := svc.CreateVersion(ctx, session, "doc-1", CreateVersionInput{})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if first.Content != "persisted" || first.Name != "Version 1" || first.CreatedBy != "Avery" {
		t.Fatalf("unexpected version %+v", first)
	}

	buffer := "live buffer"
	second, err := svc.CreateVersion(ctx, session, "doc-1", CreateVersionInput{Content: &buffer, Name: " Draft ", Description: "from the editor"})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if second.Content != "live buffer" || second.Name != "Draft" || second.Number != 2 {
		t.Fatalf("unexpected version %+v", second)
	}

	_, err = svc.CreateVersion(ctx, session, "doc-missing", CreateVersionInput{})
	requireStatus(t, err, http.StatusNotFound, "DOCUMENT_NOT_FOUND")
}

func TestCreateVersionCommitFailureLeavesNoRow(t *testing.T) {
	svc, deps := newTestService(t, testConfig())
	deps.store.addDocument("doc-1", "Plan", "alpha")
	deps.git.commitFn = func(string, string, string, string) (gitrepo.Commit, error) {
		return gitrepo.Commit{}, errors.New("disk full")
	}
	session := loginAs(t, svc, "Avery", "editor")

	_, err := svc.CreateVersion(context.Background(), session, "doc-1", CreateVersionInput{})
	requireStatus(t, err, http.StatusInternalServerError, "SERVER_ERROR")
	if items, _ := deps.store.ListVersions(context.Background(), "doc-1"); len(items) != 0 {
		t.Fatalf("expected no version rows, got %+v", items)
	}
}

func TestRollbackRestoresContent(t *testing.T) {
	svc, deps := newTestService(t, testConfig())
	deps.store.addDocument("doc-1", "Plan", "first draft")
	session := loginAs(t, svc, "Avery", "editor")
	ctx := context.Background()

	version, err := svc.CreateVersion(ctx, session, "doc-1", CreateVersionInput{Name: "v1"})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if err := svc.SaveContent(ctx, session, "doc-1", "second draft"); err != nil {
		t.Fatalf("SaveContent() error = %v", err)
	}

	if _, err := svc.Rollback(ctx, session, "doc-1", " "); err == nil {
		t.Fatal("expected missing versionId to be rejected")
	}

	result, err := svc.Rollback(ctx, session, "doc-1", version.ID)
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if result.Content != "first draft" || result.Target.ID != version.ID {
		t.Fatalf("unexpected rollback result %+v", result)
	}
	if result.Before != nil || result.After != nil {
		t.Fatalf("expected unrecorded rollback, got %+v", result)
	}
	if got := deps.store.content("doc-1"); got != "first draft" {
		t.Fatalf("stored content = %q", got)
	}
	indexed, _ := deps.search.lastIndexed()
	if indexed.Content != "first draft" {
		t.Fatalf("expected reindex after rollback, got %+v", indexed)
	}
}

func TestRollbackRecordsSnapshotsWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.RecordRollbacks = true
	svc, deps := newTestService(t, cfg)
	deps.store.addDocument("doc-1", "Plan", "first")
	session := loginAs(t, svc, "Avery", "editor")
	ctx := context.Background()

	version, err := svc.CreateVersion(ctx, session, "doc-1", CreateVersionInput{Name: "v1"})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if err := svc.SaveContent(ctx, session, "doc-1", "second"); err != nil {
		t.Fatalf("SaveContent() error = %v", err)
	}

	result, err := svc.Rollback(ctx, session, "doc-1", version.ID)
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if result.Before == nil || result.Before.Content != "second" {
		t.Fatalf("unexpected before snapshot %+v", result.Before)
	}
	if result.After == nil || result.After.Content != "first" {
		t.Fatalf("unexpected after snapshot %+v", result.After)
	}
	items, err := svc.ListVersions(ctx, session, "doc-1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(items) != 3 || items[0].Number != 3 {
		t.Fatalf("unexpected history %+v", items)
	}
}

func TestRollbackReindexesWhenAuditVersionFails(t *testing.T) {
	cfg := testConfig()
	cfg.RecordRollbacks = true
	svc, deps := newTestService(t, cfg)
	deps.store.addDocument("doc-1", "Plan", "first")
	session := loginAs(t, svc, "Avery", "editor")
	ctx := context.Background()

	version, err := svc.CreateVersion(ctx, session, "doc-1", CreateVersionInput{Name: "v1"})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if err := svc.SaveContent(ctx, session, "doc-1", "second"); err != nil {
		t.Fatalf("SaveContent() error = %v", err)
	}
	deps.git.commitFn = func(_, _, _, message string) (gitrepo.Commit, error) {
		if strings.HasPrefix(message, "rollback to") {
			return gitrepo.Commit{}, errors.New("disk full")
		}
		return gitrepo.Commit{Hash: "before-hash"}, nil
	}

	result, err := svc.Rollback(ctx, session, "doc-1", version.ID)
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if result.Before == nil || result.After != nil {
		t.Fatalf("expected only the before snapshot, got %+v", result)
	}
	if got := deps.store.content("doc-1"); got != "first" {
		t.Fatalf("stored content = %q", got)
	}
	indexed, _ := deps.search.lastIndexed()
	if indexed.Content != "first" {
		t.Fatalf("expected reindex after rollback, got %+v", indexed)
	}
}

func TestHistoryListsSnapshotCommits(t *testing.T) {
	svc, deps := newTestService(t, testConfig())
	deps.store.addDocument("doc-1", "Plan", "alpha")
	ctx := context.Background()
	editor := loginAs(t, svc, "Avery", "editor")
	for _, name := range []string{"first", "second"} {
		if _, err := svc.CreateVersion(ctx, editor, "doc-1", CreateVersionInput{Name: name}); err != nil {
			t.Fatalf("CreateVersion(%s) error = %v", name, err)
		}
	}

	viewer := loginAs(t, svc, "Blake", "viewer")
	commits, err := svc.History(ctx, viewer, "doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(commits) != 2 || !strings.Contains(commits[0].Message, "second") || commits[0].Author != "Avery" {
		t.Fatalf("unexpected history %+v", commits)
	}

	limited, err := svc.History(ctx, viewer, "doc-1", 1)
	if err != nil || len(limited) != 1 || limited[0].Hash != commits[0].Hash {
		t.Fatalf("History(limit 1) = %+v, %v", limited, err)
	}

	_, err = svc.History(ctx, viewer, "doc-missing", 0)
	requireStatus(t, err, http.StatusNotFound, "DOCUMENT_NOT_FOUND")
}

func TestLockedVersionBlocksRollback(t *testing.T) {
	svc, deps := newTestService(t, testConfig())
	deps.store.addDocument("doc-1", "Plan", "first")
	admin := loginAs(t, svc, "Admin", "admin")
	ctx := context.Background()

	version, err := svc.CreateVersion(ctx, admin, "doc-1", CreateVersionInput{})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	locked, err := svc.LockVersion(ctx, admin, version.ID, true)
	if err != nil {
		t.Fatalf("LockVersion() error = %v", err)
	}
	if !locked.Locked {
		t.Fatal("expected locked version")
	}
	if err := svc.SaveContent(ctx, admin, "doc-1", "second"); err != nil {
		t.Fatalf("SaveContent() error = %v", err)
	}

	_, err = svc.Rollback(ctx, admin, "doc-1", version.ID)
	requireStatus(t, err, http.StatusConflict, "VERSION_LOCKED")
	if got := deps.store.content("doc-1"); got != "second" {
		t.Fatalf("locked rollback changed content to %q", got)
	}

	_, err = svc.LockVersion(ctx, admin, "ver-missing", true)
	requireStatus(t, err, http.StatusNotFound, "VERSION_NOT_FOUND")
}

func TestDiffVersions(t *testing.T) {
	svc, deps := newTestService(t, testConfig())
	deps.store.addDocument("doc-1", "Plan", "")
	deps.store.addDocument("doc-2", "Other", "")
	session := loginAs(t, svc, "Avery", "editor")
	ctx := context.Background()

	create := func(documentID, content string) store.Version {
		t.Helper()
		version, err := svc.CreateVersion(ctx, session, documentID, CreateVersionInput{Content: &content})
		if err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}
		return version
	}
	v1 := create("doc-1", "a\nb\nc")
	v2 := create("doc-1", "a\nc\nd")
	other := create("doc-2", "z")

	result, err := svc.DiffVersions(ctx, session, v1.ID, v2.ID)
	if err != nil {
		t.Fatalf("DiffVersions() error = %v", err)
	}
	want := []versions.Row{
		{Kind: versions.RowUnchanged, Text: "a"},
		{Kind: versions.RowRemoved, Text: "b"},
		{Kind: versions.RowUnchanged, Text: "c"},
		{Kind: versions.RowAdded, Text: "d"},
	}
	if len(result.Rows) != len(want) {
		t.Fatalf("unexpected rows %+v", result.Rows)
	}
	for i := range want {
		if result.Rows[i] != want[i] {
			t.Fatalf("rows[%d] = %+v, want %+v", i, result.Rows[i], want[i])
		}
	}

	_, err = svc.DiffVersions(ctx, session, v1.ID, "")
	requireStatus(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	_, err = svc.DiffVersions(ctx, session, v1.ID, "ver-missing")
	requireStatus(t, err, http.StatusBadRequest, "DIFF_FAILED")
	_, err = svc.DiffVersions(ctx, session, v1.ID, other.ID)
	requireStatus(t, err, http.StatusBadRequest, "DIFF_FAILED")
}

func TestSearchWithoutIndexReturnsEmpty(t *testing.T) {
	cfg := testConfig()
	svc := New(cfg, nil, nil, nil)
	session, err := svc.SessionFromToken(mustToken(t, cfg, "viewer"))
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	response, err := svc.Search(context.Background(), session, search.Query{Text: "alpha"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if response.Results == nil || len(response.Results) != 0 || response.Query != "alpha" {
		t.Fatalf("unexpected response %+v", response)
	}
}
