package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"collabsync/internal/auth"
	"collabsync/internal/config"
	"collabsync/internal/gitrepo"
	"collabsync/internal/rbac"
	"collabsync/internal/search"
	"collabsync/internal/store"
	"collabsync/internal/util"
	"collabsync/internal/versions"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type CreateVersionInput struct {
	// Content nil snapshots the currently persisted content.
	Content     *string
	Name        string
	Description string
}

type dataStore interface {
	EnsureUserByName(ctx context.Context, id, name, role string) (store.User, error)
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	DocumentExists(context.Context, string) (bool, error)
	GetContent(context.Context, string) (string, error)
	SaveContent(ctx context.Context, documentID, content, actor string) error
	ListVersions(context.Context, string) ([]store.Version, error)
	InsertVersion(context.Context, store.Version) (store.Version, error)
	GetVersion(context.Context, string) (store.Version, error)
	SetVersionLocked(context.Context, string, bool) error
	Ping(ctx context.Context) error
}

type gitService interface {
	CommitSnapshot(documentID, content, author, message string) (gitrepo.Commit, error)
	GetContentByHash(documentID, hash string) (string, error)
	History(documentID string, limit int) ([]gitrepo.Commit, error)
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
}

var (
	_ dataStore     = (*store.PostgresStore)(nil)
	_ gitService    = (*gitrepo.Service)(nil)
	_ searchService = (*search.Service)(nil)
)

type Service struct {
	cfg      config.Config
	signer   *auth.Signer
	store    dataStore
	git      gitService
	versions *versions.Manager
	search   searchService
}

func New(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service, searchSvc *search.Service) *Service {
	if searchSvc == nil {
		return newService(cfg, dataStore, gitService, nil)
	}
	return newService(cfg, dataStore, gitService, searchSvc)
}

func newService(cfg config.Config, data dataStore, git gitService, searchSvc searchService) *Service {
	return &Service{
		cfg:    cfg,
		signer: auth.NewSigner(cfg.TokenSecret),
		store:  data,
		git:    git,
		versions: versions.NewManager(versionBackend{store: data, git: git}, versions.Policy{
			BootstrapInitialVersion: cfg.BootstrapInitialVersion,
			RecordRollbacks:         cfg.RecordRollbacks,
		}),
		search: searchSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login issues a token for a display name. The first login under a name
// fixes that user's role; an empty role asks for editor.
func (s *Service) Login(ctx context.Context, displayName, role string) (Session, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return Session{}, validationError("displayName is required")
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = string(rbac.RoleEditor)
	}
	if !rbac.Valid(role) {
		return Session{}, validationError("unknown role " + role)
	}

	user, err := s.store.EnsureUserByName(ctx, util.NewID("usr"), name, role)
	if err != nil {
		return Session{}, err
	}

	claims := auth.NewClaims(user.ID, user.DisplayName, user.Role, s.cfg.TokenTTL)
	token, err := s.signer.Issue(claims)
	if err != nil {
		return Session{}, err
	}
	return sessionFromClaims(token, claims), nil
}

// SessionFromToken trusts the signed claims without a user lookup so the
// relay can authenticate connections without touching the database.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	return sessionFromClaims(token, claims), nil
}

func sessionFromClaims(token string, claims auth.Claims) Session {
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) require(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return forbidden()
	}
	return nil
}

func (s *Service) ListDocuments(ctx context.Context, session Session) ([]store.Document, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	if documents == nil {
		documents = []store.Document{}
	}
	return documents, nil
}

func (s *Service) CreateDocument(ctx context.Context, session Session, title, content string) (store.Document, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return store.Document{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Document{}, validationError("title is required")
	}
	document := store.Document{
		ID:        util.NewID("doc"),
		Title:     title,
		Content:   content,
		CreatedBy: session.UserName,
		UpdatedBy: session.UserName,
	}
	if err := s.store.InsertDocument(ctx, document); err != nil {
		return store.Document{}, err
	}
	s.indexDocument(document.ID, title, content)
	return s.store.GetDocument(ctx, document.ID)
}

func (s *Service) GetContent(ctx context.Context, session Session, documentID string) (string, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return "", err
	}
	content, err := s.store.GetContent(ctx, documentID)
	if err != nil {
		return "", documentNotFound(err, documentID)
	}
	return content, nil
}

func (s *Service) SaveContent(ctx context.Context, session Session, documentID, content string) error {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.store.SaveContent(ctx, documentID, content, session.UserName); err != nil {
		return documentNotFound(err, documentID)
	}
	s.reindex(ctx, documentID, content)
	return nil
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// ListVersions lists newest first. An editor opening an empty history first
// records the current content as the initial version.
func (s *Service) ListVersions(ctx context.Context, session Session, documentID string) ([]store.Version, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.versions.ListOrBootstrap(ctx, documentID, session.UserName, s.Can(session.Role, rbac.ActionWrite))
}

// History lists the snapshot commits behind a document's versions, newest
// first. A limit of zero lists all of them.
func (s *Service) History(ctx context.Context, session Session, documentID string, limit int) ([]gitrepo.Commit, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	exists, err := s.store.DocumentExists(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("document %s: %w", documentID, versions.ErrDocumentNotFound)
	}
	return s.git.History(documentID, limit)
}

func (s *Service) CreateVersion(ctx context.Context, session Session, documentID string, input CreateVersionInput) (store.Version, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return store.Version{}, err
	}
	var content string
	if input.Content != nil {
		content = *input.Content
	} else {
		current, err := s.store.GetContent(ctx, documentID)
		if err != nil {
			return store.Version{}, documentNotFound(err, documentID)
		}
		content = current
	}
	return s.versions.CreateVersion(ctx, versions.CreateInput{
		DocumentID:  documentID,
		Content:     content,
		Name:        input.Name,
		Description: input.Description,
		CreatedBy:   session.UserName,
	})
}

func (s *Service) GetVersion(ctx context.Context, session Session, versionID string) (store.Version, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return store.Version{}, err
	}
	return s.versions.GetVersion(ctx, versionID)
}

// Rollback restores a version into the persisted content. Live sessions keep
// their buffers until they reload.
func (s *Service) Rollback(ctx context.Context, session Session, documentID, versionID string) (versions.RollbackResult, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return versions.RollbackResult{}, err
	}
	if strings.TrimSpace(versionID) == "" {
		return versions.RollbackResult{}, validationError("versionId is required")
	}
	result, err := s.versions.Rollback(ctx, documentID, versionID, session.UserName)
	if err != nil {
		return versions.RollbackResult{}, err
	}
	s.reindex(ctx, documentID, result.Content)
	return result, nil
}

func (s *Service) LockVersion(ctx context.Context, session Session, versionID string, locked bool) (store.Version, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return store.Version{}, err
	}
	return s.versions.Lock(ctx, versionID, locked)
}

func (s *Service) DiffVersions(ctx context.Context, session Session, versionID1, versionID2 string) (versions.DiffResult, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return versions.DiffResult{}, err
	}
	if strings.TrimSpace(versionID1) == "" || strings.TrimSpace(versionID2) == "" {
		return versions.DiffResult{}, validationError("v1 and v2 are required")
	}
	return s.versions.Diff(ctx, versionID1, versionID2)
}

func (s *Service) reindex(ctx context.Context, documentID, content string) {
	document, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return
	}
	s.indexDocument(documentID, document.Title, content)
}

func (s *Service) indexDocument(documentID, title, content string) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{ID: documentID, Title: title, Content: content})
}

func documentNotFound(err error, documentID string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", documentID, versions.ErrDocumentNotFound)
	}
	return err
}
