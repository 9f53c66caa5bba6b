package app

import (
	"context"
	"fmt"
	"strings"

	"collabsync/internal/store"
)

// versionBackend stores version metadata in Postgres and version content in
// the document's snapshot repository, linked by commit hash.
type versionBackend struct {
	store dataStore
	git   gitService
}

func (b versionBackend) DocumentExists(ctx context.Context, documentID string) (bool, error) {
	return b.store.DocumentExists(ctx, documentID)
}

func (b versionBackend) GetContent(ctx context.Context, documentID string) (string, error) {
	return b.store.GetContent(ctx, documentID)
}

func (b versionBackend) SaveContent(ctx context.Context, documentID, content, actor string) error {
	return b.store.SaveContent(ctx, documentID, content, actor)
}

func (b versionBackend) ListVersions(ctx context.Context, documentID string) ([]store.Version, error) {
	return b.store.ListVersions(ctx, documentID)
}

// InsertVersion commits the snapshot before the row exists, so a failed
// insert leaves an unreferenced commit and never a row without content.
func (b versionBackend) InsertVersion(ctx context.Context, version store.Version) (store.Version, error) {
	message := strings.TrimSpace(version.Name)
	if message == "" {
		message = "Snapshot"
	}
	if version.Description != "" {
		message += "\n\n" + version.Description
	}
	commit, err := b.git.CommitSnapshot(version.DocumentID, version.Content, version.CreatedBy, message)
	if err != nil {
		return store.Version{}, fmt.Errorf("commit snapshot: %w", err)
	}
	version.CommitHash = commit.Hash

	inserted, err := b.store.InsertVersion(ctx, version)
	if err != nil {
		return store.Version{}, err
	}
	inserted.Content = version.Content
	return inserted, nil
}

func (b versionBackend) GetVersion(ctx context.Context, versionID string) (store.Version, error) {
	version, err := b.store.GetVersion(ctx, versionID)
	if err != nil {
		return store.Version{}, err
	}
	content, err := b.git.GetContentByHash(version.DocumentID, version.CommitHash)
	if err != nil {
		return store.Version{}, fmt.Errorf("load snapshot %s: %w", version.CommitHash, err)
	}
	version.Content = content
	return version, nil
}

func (b versionBackend) SetVersionLocked(ctx context.Context, versionID string, locked bool) error {
	return b.store.SetVersionLocked(ctx, versionID, locked)
}
