// Package docclient calls the document and version endpoints of the
// collaboration service.
package docclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collabsync/internal/store"
	"collabsync/internal/versions"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

var reasonErrors = map[string]error{
	"VERSION_NOT_FOUND":  versions.ErrVersionNotFound,
	"VERSION_LOCKED":     versions.ErrVersionLocked,
	"DOCUMENT_NOT_FOUND": versions.ErrDocumentNotFound,
	"DIFF_FAILED":        versions.ErrDiffFailed,
	"UNAUTHORIZED":       ErrUnauthorized,
	"FORBIDDEN":          ErrForbidden,
}

// APIError is a non-success envelope. It unwraps to the matching package
// sentinel when the reason is known.
type APIError struct {
	Status  int
	Code    int
	Reason  string
	Message string
	err     error
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%d): %s", e.Reason, e.Code, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.err
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Reason  string          `json:"reason,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:   token,
		http:    httpClient,
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

type Session struct {
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedBy string    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Commit is one snapshot in a document's history.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type SearchResult struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
}

type wireVersion struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"documentId"`
	VersionNumber int       `json:"versionNumber"`
	VersionName   string    `json:"versionName"`
	Description   string    `json:"description"`
	Content       string    `json:"content"`
	CommitHash    string    `json:"commitHash"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	IsLocked      bool      `json:"isLocked"`
}

func (w wireVersion) version() store.Version {
	return store.Version{
		ID:          w.ID,
		DocumentID:  w.DocumentID,
		Number:      w.VersionNumber,
		Name:        w.VersionName,
		Description: w.Description,
		Content:     w.Content,
		CommitHash:  w.CommitHash,
		CreatedBy:   w.CreatedBy,
		CreatedAt:   w.CreatedAt,
		Locked:      w.IsLocked,
	}
}

func (c *Client) Login(ctx context.Context, displayName, role string) (Session, error) {
	var session Session
	body := map[string]string{"displayName": displayName, "role": role}
	if err := c.do(ctx, http.MethodPost, "/api/session", body, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

func (c *Client) CreateDocument(ctx context.Context, title, content string) (Document, error) {
	var document Document
	body := map[string]string{"title": title, "content": content}
	if err := c.do(ctx, http.MethodPost, "/api/documents", body, &document); err != nil {
		return Document{}, err
	}
	return document, nil
}

func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var payload struct {
		Documents []Document `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/documents", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Documents, nil
}

func (c *Client) GetContent(ctx context.Context, documentID string) (string, error) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := c.do(ctx, http.MethodGet, documentPath(documentID, "content"), nil, &payload); err != nil {
		return "", err
	}
	return payload.Content, nil
}

func (c *Client) SaveContent(ctx context.Context, documentID, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, http.MethodPut, documentPath(documentID, "content"), body, nil)
}

func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	var payload struct {
		Results []SearchResult `json:"results"`
	}
	path := "/api/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Results, nil
}

func (c *Client) ListVersions(ctx context.Context, documentID string) ([]store.Version, error) {
	var payload struct {
		Versions []wireVersion `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, documentPath(documentID, "versions"), nil, &payload); err != nil {
		return nil, err
	}
	items := make([]store.Version, 0, len(payload.Versions))
	for _, item := range payload.Versions {
		items = append(items, item.version())
	}
	return items, nil
}

func (c *Client) History(ctx context.Context, documentID string, limit int) ([]Commit, error) {
	var payload struct {
		Commits []Commit `json:"commits"`
	}
	path := documentPath(documentID, "history")
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Commits, nil
}

func (c *Client) CreateVersion(ctx context.Context, documentID, content, name, description string) (store.Version, error) {
	var payload wireVersion
	body := map[string]string{"content": content, "versionName": name, "description": description}
	if err := c.do(ctx, http.MethodPost, documentPath(documentID, "versions"), body, &payload); err != nil {
		return store.Version{}, err
	}
	return payload.version(), nil
}

func (c *Client) GetVersion(ctx context.Context, versionID string) (store.Version, error) {
	var payload wireVersion
	if err := c.do(ctx, http.MethodGet, "/api/versions/"+url.PathEscape(versionID), nil, &payload); err != nil {
		return store.Version{}, err
	}
	return payload.version(), nil
}

// Rollback restores a version and returns the document's new content. Open
// sessions must reload to observe it.
func (c *Client) Rollback(ctx context.Context, documentID, versionID string) (string, error) {
	var payload struct {
		Content string `json:"content"`
	}
	body := map[string]string{"versionId": versionID}
	if err := c.do(ctx, http.MethodPost, documentPath(documentID, "rollback"), body, &payload); err != nil {
		return "", err
	}
	return payload.Content, nil
}

func (c *Client) LockVersion(ctx context.Context, versionID string, locked bool) (store.Version, error) {
	var payload wireVersion
	body := map[string]bool{"locked": locked}
	path := "/api/versions/" + url.PathEscape(versionID) + "/lock"
	if err := c.do(ctx, http.MethodPost, path, body, &payload); err != nil {
		return store.Version{}, err
	}
	return payload.version(), nil
}

func (c *Client) DiffVersions(ctx context.Context, versionID1, versionID2 string) (versions.DiffResult, error) {
	var payload struct {
		Version1 wireVersion    `json:"version1"`
		Version2 wireVersion    `json:"version2"`
		Rows     []versions.Row `json:"rows"`
	}
	query := url.Values{}
	query.Set("v1", versionID1)
	query.Set("v2", versionID2)
	if err := c.do(ctx, http.MethodGet, "/api/versions/diff?"+query.Encode(), nil, &payload); err != nil {
		return versions.DiffResult{}, err
	}
	return versions.DiffResult{
		Version1: payload.Version1.version(),
		Version2: payload.Version2.version(),
		Rows:     payload.Rows,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&env); err != nil {
		return &APIError{Status: resp.StatusCode, Code: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	if env.Code != http.StatusOK || resp.StatusCode >= 300 {
		code := env.Code
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{
			Status:  resp.StatusCode,
			Code:    code,
			Reason:  env.Reason,
			Message: env.Message,
			err:     reasonErrors[env.Reason],
		}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func documentPath(documentID, resource string) string {
	return "/api/documents/" + url.PathEscape(documentID) + "/" + resource
}
