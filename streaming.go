package main

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const streamRowBatch = 10

func (s *server) streamHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	s.stream(w, r, req)
}

// stream answers a query as Server-Sent Events: start, status, then either
// error or sql, columns, rows (in batches), summary and complete.
func (s *server) stream(w http.ResponseWriter, r *http.Request, req queryRequest) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(event string, data any) bool {
		payload, err := json.Marshal(data)
		if err != nil {
			payload, _ = json.Marshal(map[string]string{"error": err.Error()})
			event = "error"
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return false
		}
		if err := rc.Flush(); err != nil {
			s.log.Warn("streaming flush failed", "err", err)
			return false
		}
		return r.Context().Err() == nil
	}

	if !send("start", map[string]string{"message": "Processing query..."}) {
		return
	}

	id := s.identifyOrGuest(r, req.Token)
	sid := s.resolveSession(r.Context(), r, id, req.SessionID)

	if !send("status", map[string]string{"message": "Generating SQL...", "session_id": sid}) {
		return
	}

	res := s.agent.Session(sid, id.UserID).Process(r.Context(), req.Query)
	if !res.Success {
		send("error", map[string]string{"error": res.Error})
		return
	}

	if !send("sql", map[string]string{"sql": res.SQL}) ||
		!send("columns", map[string]any{"columns": res.Columns}) {
		return
	}
	for i := 0; i < len(res.Rows); i += streamRowBatch {
		end := min(i+streamRowBatch, len(res.Rows))
		if !send("rows", map[string]any{"rows": res.Rows[i:end]}) {
			return
		}
	}
	if !send("summary", map[string]string{"summary": res.Summary}) {
		return
	}
	send("complete", map[string]any{"row_count": res.RowCount, "execution_time_ms": res.ExecutionTimeMS})
}
