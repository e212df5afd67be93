package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sqlagent/internal/agent"
	"sqlagent/internal/store"
)

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	Stream    bool   `json:"stream"`
	Token     string `json:"token"`
}

// decodeQuery reads a query request; on failure it has already written the
// error response.
func decodeQuery(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	req := queryRequest{SessionID: "default"}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return req, false
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return req, false
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	return req, true
}

// resolveSession picks the conversation a query belongs to. "new" always
// starts one; users continue their last session; guests use the
// X-Session-ID header, the session_id cookie or the requested id.
func (s *server) resolveSession(ctx context.Context, r *http.Request, id Identity, requested string) string {
	if strings.EqualFold(requested, "new") {
		sid := uuid.NewString()
		s.log.Info("new chat session started", "session", sid)
		if !id.isGuest() {
			s.rememberSession(ctx, id.UserID, sid)
		}
		return sid
	}

	if !id.isGuest() {
		sid, err := s.db.LastSessionID(ctx, id.UserID)
		if err != nil {
			s.log.Warn("failed to load session", "user_id", id.UserID, "err", err)
			return uuid.NewString()
		}
		if sid != "" {
			return sid
		}
		sid = uuid.NewString()
		s.log.Info("first chat session", "user_id", id.UserID, "session", sid)
		s.rememberSession(ctx, id.UserID, sid)
		return sid
	}

	if sid := r.Header.Get("X-Session-ID"); sid != "" {
		return sid
	}
	if c, err := r.Cookie("session_id"); err == nil && c.Value != "" {
		return c.Value
	}
	if requested != "default" {
		return requested
	}
	return uuid.NewString()
}

func (s *server) rememberSession(ctx context.Context, userID int64, sid string) {
	if err := s.db.SetLastSessionID(ctx, userID, sid); err != nil {
		s.log.Warn("failed to save session", "user_id", userID, "err", err)
	}
}

func (s *server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "Natural Language SQL Agent",
		"version": version,
		"docs":    "/api/v1/schema",
		"health":  "/api/v1/health",
	})
}

func (s *server) queryHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	if req.Stream {
		s.stream(w, r, req)
		return
	}

	id := s.identifyOrGuest(r, req.Token)
	sid := s.resolveSession(r.Context(), r, id, req.SessionID)

	res := s.agent.Session(sid, id.UserID).Process(r.Context(), req.Query)
	res.SessionID = sid
	writeJSON(w, http.StatusOK, res)
}

type schemaResponse struct {
	TableName  string           `json:"table_name"`
	Schema     string           `json:"schema"`
	Columns    store.Columns    `json:"columns"`
	SampleRows []map[string]any `json:"sample_rows"`
}

func (s *server) schemaHandler(w http.ResponseWriter, r *http.Request) {
	cols, err := s.db.TableSchema(r.Context())
	if err != nil {
		s.log.Error("schema endpoint error", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schemaResponse{
		TableName:  s.cfg.TableName,
		Schema:     s.cfg.Schema,
		Columns:    cols,
		SampleRows: s.db.SampleRows(r.Context(), 5),
	})
}

// databaseLabel hides credentials: only the part after '@' is shown.
func databaseLabel(url string) string {
	if i := strings.LastIndexByte(url, '@'); i >= 0 {
		return url[i+1:]
	}
	return "configured"
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.log.Error("health check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "Database unhealthy: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": databaseLabel(s.cfg.DatabaseURL),
		"table":    s.cfg.QualifiedTable(),
	})
}

// limitParam parses ?limit=, defaulting to def.
func limitParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func (s *server) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sid := r.PathValue("session_id")
	id := s.identifyOrGuest(r, "")

	s.log.Info("fetching chat history", "session", sid, "user", id.Username)
	history, err := s.agent.Session(sid, id.UserID).History(r.Context(), limit)
	if err != nil {
		s.log.Error("history endpoint error", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if history == nil {
		history = []agent.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *server) clearHistoryHandler(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("session_id")
	id := s.identifyOrGuest(r, "")

	s.log.Info("clearing history", "session", sid, "user", id.Username)
	if err := s.agent.Session(sid, id.UserID).ClearHistory(r.Context()); err != nil {
		s.log.Error("clear history error", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("History cleared for session: %s", sid),
	})
}

func (s *server) queryLogsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.db.RecentQueryLogs(r.Context(), limit)
	if err != nil {
		s.log.Error("query logs endpoint error", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []store.QueryLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
