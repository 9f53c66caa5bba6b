package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"collabsync/internal/search"
	"collabsync/internal/store"
	"collabsync/internal/versions"
)

type HTTPServer struct {
	service    *Service
	hub        *Hub
	corsOrigin string
}

func NewHTTPServer(service *Service, hub *Hub, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	router := s.routes()
	return s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		router.ServeHTTP(w, r)
	}))
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/api/session", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.authed(s.handleCurrentSession)).Methods(http.MethodGet)

	r.HandleFunc("/api/documents", s.authed(s.handleListDocuments)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents", s.authed(s.handleCreateDocument)).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/content", s.authed(s.handleGetContent)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/content", s.authed(s.handleSaveContent)).Methods(http.MethodPut)
	r.HandleFunc("/api/documents/{id}/versions", s.authed(s.handleListVersions)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/versions", s.authed(s.handleCreateVersion)).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/history", s.authed(s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/rollback", s.authed(s.handleRollback)).Methods(http.MethodPost)

	// diff is registered ahead of {id} so it is not read as a version id.
	r.HandleFunc("/api/versions/diff", s.authed(s.handleDiff)).Methods(http.MethodGet)
	r.HandleFunc("/api/versions/{id}", s.authed(s.handleGetVersion)).Methods(http.MethodGet)
	r.HandleFunc("/api/versions/{id}/lock", s.authed(s.handleLock)).Methods(http.MethodPost)

	r.HandleFunc("/api/search", s.authed(s.handleSearch)).Methods(http.MethodGet)

	if s.hub != nil {
		r.HandleFunc("/ws/document/{id}", s.hub.ServeWS).Methods(http.MethodGet)
	}
	return r
}

type authedHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReady pings each backing service. The room store is only pinged
// when the relay is mounted.
func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pings := map[string]func(context.Context) error{"database": s.service.Ping}
	if s.hub != nil {
		pings["rooms"] = s.hub.Ping
	}

	ready := true
	checks := make(map[string]any, len(pings))
	for name, ping := range pings {
		if err := ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName string `json:"displayName"`
		Role        string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.DisplayName, body.Role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleCurrentSession(w http.ResponseWriter, _ *http.Request, session Session) {
	writeData(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, session Session) {
	documents, err := s.service.ListDocuments(r.Context(), session)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(documents))
	for _, document := range documents {
		items = append(items, documentPayload(document))
	}
	writeData(w, http.StatusOK, map[string]any{"documents": items})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	document, err := s.service.CreateDocument(r.Context(), session, body.Title, body.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusCreated, documentPayload(document))
}

func (s *HTTPServer) handleGetContent(w http.ResponseWriter, r *http.Request, session Session) {
	documentID := mux.Vars(r)["id"]
	content, err := s.service.GetContent(r.Context(), session, documentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"documentId": documentID, "content": content})
}

func (s *HTTPServer) handleSaveContent(w http.ResponseWriter, r *http.Request, session Session) {
	documentID := mux.Vars(r)["id"]
	var body struct {
		Content *string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Content == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
		return
	}
	if err := s.service.SaveContent(r.Context(), session, documentID, *body.Content); err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"documentId": documentID, "saved": true})
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.ListVersions(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, versionPayload(item))
	}
	writeData(w, http.StatusOK, map[string]any{"versions": payload})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, session Session) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	commits, err := s.service.History(r.Context(), session, mux.Vars(r)["id"], limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		payload = append(payload, map[string]any{
			"hash":      commit.Hash,
			"message":   commit.Message,
			"author":    commit.Author,
			"createdAt": commit.CreatedAt,
		})
	}
	writeData(w, http.StatusOK, map[string]any{"commits": payload})
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Content     *string `json:"content"`
		VersionName string  `json:"versionName"`
		Description string  `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	version, err := s.service.CreateVersion(r.Context(), session, mux.Vars(r)["id"], CreateVersionInput{
		Content:     body.Content,
		Name:        body.VersionName,
		Description: body.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusCreated, versionPayload(version))
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, session Session) {
	version, err := s.service.GetVersion(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, versionPayload(version))
}

func (s *HTTPServer) handleRollback(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		VersionID string `json:"versionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Rollback(r.Context(), session, mux.Vars(r)["id"], body.VersionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	payload := map[string]any{
		"content": result.Content,
		"version": versionPayload(result.Target),
	}
	if result.Before != nil {
		payload["before"] = versionPayload(*result.Before)
	}
	if result.After != nil {
		payload["after"] = versionPayload(*result.After)
	}
	writeData(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Locked *bool `json:"locked"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	locked := true
	if body.Locked != nil {
		locked = *body.Locked
	}
	version, err := s.service.LockVersion(r.Context(), session, mux.Vars(r)["id"], locked)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, versionPayload(version))
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	result, err := s.service.DiffVersions(r.Context(), session, query.Get("v1"), query.Get("v2"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rows := result.Rows
	if rows == nil {
		rows = []versions.Row{}
	}
	writeData(w, http.StatusOK, map[string]any{
		"version1": versionPayload(result.Version1),
		"version2": versionPayload(result.Version2),
		"rows":     rows,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	q := search.Query{Text: query.Get("q")}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a non-negative integer", nil)
			return
		}
		q.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be a non-negative integer", nil)
			return
		}
		q.Offset = offset
	}
	response, err := s.service.Search(r.Context(), session, q)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	results := make([]map[string]any, 0, len(response.Results))
	for _, result := range response.Results {
		results = append(results, map[string]any{
			"documentId": result.DocumentID,
			"title":      result.Title,
			"snippet":    result.Snippet,
		})
	}
	writeData(w, http.StatusOK, map[string]any{
		"results": results,
		"total":   response.Total,
		"query":   response.Query,
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeServiceError(w, err)
		return Session{}, false
	}
	return session, true
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":       session.Token,
		"userId":      session.UserID,
		"displayName": session.UserName,
		"role":        session.Role,
		"expiresAt":   session.ExpiresAt.UTC(),
	}
}

func documentPayload(document store.Document) map[string]any {
	return map[string]any{
		"id":        document.ID,
		"title":     document.Title,
		"createdBy": document.CreatedBy,
		"updatedBy": document.UpdatedBy,
		"createdAt": document.CreatedAt,
		"updatedAt": document.UpdatedAt,
	}
}

func versionPayload(version store.Version) map[string]any {
	payload := map[string]any{
		"id":            version.ID,
		"documentId":    version.DocumentID,
		"versionNumber": version.Number,
		"versionName":   version.Name,
		"description":   version.Description,
		"commitHash":    version.CommitHash,
		"createdBy":     version.CreatedBy,
		"createdAt":     version.CreatedAt,
		"isLocked":      version.Locked,
	}
	if version.Content != "" {
		payload["content"] = version.Content
	}
	return payload
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the relay upgrade connections through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeData wraps a success payload. The envelope code stays 200 even when
// the HTTP status reports a creation.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"code":    http.StatusOK,
		"message": "success",
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":    status,
		"message": message,
		"reason":  code,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: %v", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
