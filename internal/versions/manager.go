// Package versions layers named snapshots, rollback, locking and line diffs
// on top of a document's persisted content.
package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"collabsync/internal/store"
	"collabsync/internal/util"
)

const InitialVersionName = "initial version"

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionNotFound  = errors.New("version not found")
	ErrVersionLocked    = errors.New("version is locked")
	ErrDiffFailed       = errors.New("diff failed")
)

// Backend persists documents and their versions. Missing rows are reported
// as sql.ErrNoRows. InsertVersion assigns the number and the default name.
type Backend interface {
	DocumentExists(ctx context.Context, documentID string) (bool, error)
	GetContent(ctx context.Context, documentID string) (string, error)
	SaveContent(ctx context.Context, documentID, content, actor string) error
	ListVersions(ctx context.Context, documentID string) ([]store.Version, error)
	InsertVersion(ctx context.Context, version store.Version) (store.Version, error)
	GetVersion(ctx context.Context, versionID string) (store.Version, error)
	SetVersionLocked(ctx context.Context, versionID string, locked bool) error
}

type Policy struct {
	// BootstrapInitialVersion creates an "initial version" from the current
	// content when an editor lists an empty history.
	BootstrapInitialVersion bool
	// RecordRollbacks snapshots the content before a rollback and the
	// result after it.
	RecordRollbacks bool
}

type CreateInput struct {
	DocumentID  string
	Content     string
	Name        string
	Description string
	CreatedBy   string
}

type RollbackResult struct {
	Target  store.Version
	Content string
	// Before and After are set when rollbacks are recorded.
	Before *store.Version
	After  *store.Version
}

// Manager keeps no state besides a per-document list cache that every
// mutation invalidates. A list read while a mutation was in flight is
// returned but not cached.
type Manager struct {
	backend Backend
	policy  Policy

	mu          sync.Mutex
	lists       map[string][]store.Version
	generations map[string]uint64
}

func NewManager(backend Backend, policy Policy) *Manager {
	return &Manager{
		backend:     backend,
		policy:      policy,
		lists:       make(map[string][]store.Version),
		generations: make(map[string]uint64),
	}
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// ListVersions returns the versions of a document, newest first. Items
// carry metadata only; GetVersion loads a version's content.
func (m *Manager) ListVersions(ctx context.Context, documentID string) ([]store.Version, error) {
	cached, generation, ok := m.cached(documentID)
	if ok {
		return cached, nil
	}
	if err := m.requireDocument(ctx, documentID); err != nil {
		return nil, err
	}
	items, err := m.backend.ListVersions(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", documentID, err)
	}
	if items == nil {
		items = []store.Version{}
	}
	m.mu.Lock()
	if m.generations[documentID] == generation {
		m.lists[documentID] = items
	}
	m.mu.Unlock()
	return cloneVersions(items), nil
}

// ListOrBootstrap lists versions and, when the history is empty, the policy
// allows it and the caller can edit, first records the current content as
// the initial version.
func (m *Manager) ListOrBootstrap(ctx context.Context, documentID, actor string, canEdit bool) ([]store.Version, error) {
	items, err := m.ListVersions(ctx, documentID)
	if err != nil || len(items) > 0 || !canEdit || !m.policy.BootstrapInitialVersion {
		return items, err
	}
	content, err := m.backend.GetContent(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("read content of %s: %w", documentID, notFound(err, ErrDocumentNotFound))
	}
	if _, err := m.CreateVersion(ctx, CreateInput{
		DocumentID: documentID,
		Content:    content,
		Name:       InitialVersionName,
		CreatedBy:  actor,
	}); err != nil {
		return nil, err
	}
	return m.ListVersions(ctx, documentID)
}

// CreateVersion snapshots the given content. An empty name becomes
// "Version N".
func (m *Manager) CreateVersion(ctx context.Context, input CreateInput) (store.Version, error) {
	if err := m.requireDocument(ctx, input.DocumentID); err != nil {
		return store.Version{}, err
	}
	version, err := m.backend.InsertVersion(ctx, store.Version{
		ID:          util.NewID("ver"),
		DocumentID:  input.DocumentID,
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		Content:     input.Content,
		CreatedBy:   input.CreatedBy,
	})
	m.invalidate(input.DocumentID)
	if err != nil {
		return store.Version{}, fmt.Errorf("create version of %s: %w", input.DocumentID, err)
	}
	return version, nil
}

func (m *Manager) GetVersion(ctx context.Context, versionID string) (store.Version, error) {
	version, err := m.backend.GetVersion(ctx, versionID)
	if err != nil {
		return store.Version{}, fmt.Errorf("get version %s: %w", versionID, notFound(err, ErrVersionNotFound))
	}
	return version, nil
}

// Rollback overwrites the document's persisted content with a version's
// content. A locked version, or one belonging to another document, leaves
// the content untouched. Once the content is overwritten the rollback
// succeeds; a failed "rollback to" audit version leaves After nil. Live
// sessions are not notified here.
func (m *Manager) Rollback(ctx context.Context, documentID, versionID, actor string) (RollbackResult, error) {
	target, err := m.GetVersion(ctx, versionID)
	if err != nil {
		return RollbackResult{}, err
	}
	if target.DocumentID != documentID {
		return RollbackResult{}, fmt.Errorf("version %s of document %s: %w", versionID, documentID, ErrVersionNotFound)
	}
	if target.Locked {
		return RollbackResult{}, fmt.Errorf("rollback to %s: %w", target.Name, ErrVersionLocked)
	}
	defer m.invalidate(documentID)

	result := RollbackResult{Target: target, Content: target.Content}
	if m.policy.RecordRollbacks {
		current, err := m.backend.GetContent(ctx, documentID)
		if err != nil {
			return RollbackResult{}, fmt.Errorf("read content of %s: %w", documentID, notFound(err, ErrDocumentNotFound))
		}
		before, err := m.CreateVersion(ctx, CreateInput{
			DocumentID: documentID,
			Content:    current,
			Name:       "before rollback to " + target.Name,
			CreatedBy:  actor,
		})
		if err != nil {
			return RollbackResult{}, err
		}
		result.Before = &before
	}

	if err := m.backend.SaveContent(ctx, documentID, target.Content, actor); err != nil {
		return RollbackResult{}, fmt.Errorf("rollback %s: %w", documentID, notFound(err, ErrDocumentNotFound))
	}

	if m.policy.RecordRollbacks {
		after, err := m.CreateVersion(ctx, CreateInput{
			DocumentID:  documentID,
			Content:     target.Content,
			Name:        "rollback to " + target.Name,
			Description: fmt.Sprintf("restored version %d", target.Number),
			CreatedBy:   actor,
		})
		if err != nil {
			log.Printf("versions: record rollback of %s to %s: %v", documentID, target.ID, err)
			return result, nil
		}
		result.After = &after
	}
	return result, nil
}

// Lock sets the lock flag. Setting it to its current value is a no-op.
func (m *Manager) Lock(ctx context.Context, versionID string, locked bool) (store.Version, error) {
	version, err := m.GetVersion(ctx, versionID)
	if err != nil {
		return store.Version{}, err
	}
	if version.Locked == locked {
		return version, nil
	}
	if err := m.backend.SetVersionLocked(ctx, versionID, locked); err != nil {
		return store.Version{}, fmt.Errorf("lock version %s: %w", versionID, notFound(err, ErrVersionNotFound))
	}
	m.invalidate(version.DocumentID)
	version.Locked = locked
	return version, nil
}

// Diff compares two versions of the same document line by line.
func (m *Manager) Diff(ctx context.Context, versionID1, versionID2 string) (DiffResult, error) {
	v1, err := m.GetVersion(ctx, versionID1)
	if err != nil {
		return DiffResult{}, fmt.Errorf("%w: %w", ErrDiffFailed, err)
	}
	v2, err := m.GetVersion(ctx, versionID2)
	if err != nil {
		return DiffResult{}, fmt.Errorf("%w: %w", ErrDiffFailed, err)
	}
	if v1.DocumentID != v2.DocumentID {
		return DiffResult{}, fmt.Errorf("%w: versions belong to different documents", ErrDiffFailed)
	}
	return DiffResult{
		Version1: v1,
		Version2: v2,
		Rows:     DiffLines(v1.Content, v2.Content),
	}, nil
}

func (m *Manager) requireDocument(ctx context.Context, documentID string) error {
	exists, err := m.backend.DocumentExists(ctx, documentID)
	if err != nil {
		return fmt.Errorf("check document %s: %w", documentID, err)
	}
	if !exists {
		return fmt.Errorf("document %s: %w", documentID, ErrDocumentNotFound)
	}
	return nil
}

// cached returns the cached list, or on a miss the generation a fresh read
// must still match to be cached.
func (m *Manager) cached(documentID string) ([]store.Version, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.lists[documentID]
	if !ok {
		return nil, m.generations[documentID], false
	}
	return cloneVersions(items), 0, true
}

func (m *Manager) invalidate(documentID string) {
	m.mu.Lock()
	delete(m.lists, documentID)
	m.generations[documentID]++
	m.mu.Unlock()
}

func cloneVersions(items []store.Version) []store.Version {
	return append([]store.Version{}, items...)
}

func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
