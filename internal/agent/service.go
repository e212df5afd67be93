// Package agent answers natural language questions about one database table:
// it builds a prompt from schema and conversation memory, gets SQL from the
// model, guards and runs it, then summarises the rows.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	"sqlagent/internal/llm"
	"sqlagent/internal/logging"
	"sqlagent/internal/metrics"
	"sqlagent/internal/sqlguard"
	"sqlagent/internal/store"
)

const (
	// A history longer than condenseAfter messages is split: everything but
	// the last recentMessages is condensed by the model.
	condenseAfter  = 8
	recentMessages = 5

	// maxUserMemory bounds the long-term memory kept per user; the oldest
	// text is dropped first.
	maxUserMemory = 4000
)

type Message = store.Message

// Store is the persistence the agent needs. *store.DB implements it.
type Store interface {
	SchemaDescription(ctx context.Context) (string, error)

	AppendMessage(ctx context.Context, sessionID, role, content string) error
	FullHistory(ctx context.Context, sessionID string) ([]Message, error)
	RecentHistory(ctx context.Context, sessionID string, limit int) ([]Message, error)
	ClearHistory(ctx context.Context, sessionID string) (int64, error)

	SessionSummary(ctx context.Context, sessionID string, userID int64) (string, error)
	UpsertSessionSummary(ctx context.Context, sessionID string, userID int64, summary string) error
	UserMemory(ctx context.Context, userID int64) (string, error)
	UpsertUserMemory(ctx context.Context, userID int64, memory string) error

	RunReadOnly(ctx context.Context, query string) (store.Result, error)
	LogQuery(ctx context.Context, l store.QueryLog) error
}

// Result is the answer to one question.
type Result struct {
	Success         bool     `json:"success"`
	SQL             string   `json:"sql"`
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	Summary         string   `json:"summary"`
	ExecutionTimeMS *int64   `json:"execution_time_ms,omitempty"`
	RowCount        *int     `json:"row_count,omitempty"`
	Error           string   `json:"error,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
}

func failed(sql string, err error) Result {
	return Result{Success: false, SQL: sql, Columns: []string{}, Rows: [][]any{}, Error: err.Error()}
}

type Config struct {
	Guard        sqlguard.Validator
	QueryTimeout time.Duration
}

// Agent holds the process-wide dependencies; Session scopes it to one
// conversation.
type Agent struct {
	store Store
	llm   llm.Provider
	cfg   Config
	log   *logging.Logger
}

func New(s Store, p llm.Provider, cfg Config) *Agent {
	return &Agent{store: s, llm: p, cfg: cfg, log: logging.For("query")}
}

// Session returns a QueryService for sessionID. userID 0 means guest.
func (a *Agent) Session(sessionID string, userID int64) *QueryService {
	return &QueryService{
		agent:     a,
		sessionID: sessionID,
		userID:    userID,
		sql:       NewSQLAgent(a.llm, a.cfg.Guard),
		sum:       NewSummarizer(a.llm),
		log:       a.log.With("session", sessionID),
	}
}

type QueryService struct {
	agent     *Agent
	sessionID string
	userID    int64
	sql       *SQLAgent
	sum       *Summarizer
	log       *logging.Logger
}

func (q *QueryService) SessionID() string { return q.sessionID }

func (q *QueryService) guest() bool { return q.userID == 0 }

// Process answers question. Failures are reported in the Result, never as
// an error; every outcome is written to the audit log.
func (q *QueryService) Process(ctx context.Context, question string) Result {
	start := time.Now()
	timer := prometheus.NewTimer(metrics.QueryDuration)
	defer timer.ObserveDuration()

	st := q.agent.store
	var sql string

	fail := func(err error) Result {
		q.log.Error("query processing error", "err", err)
		metrics.Queries.WithLabelValues("error").Inc()
		q.logQuery(ctx, store.QueryLog{
			UserQuery: question, GeneratedSQL: sql,
			ValidationStatus: store.ValidationError, ExecutionStatus: store.ExecutionFailed,
			ErrorMessage: err.Error(),
		})
		return failed(sql, err)
	}

	if err := st.AppendMessage(ctx, q.sessionID, "user", question); err != nil {
		return fail(err)
	}

	schemaInfo, err := st.SchemaDescription(ctx)
	if err != nil {
		return fail(fmt.Errorf("load schema: %w", err))
	}

	memory, err := q.memoryContext(ctx)
	if err != nil {
		return fail(err)
	}

	sql, err = q.sql.GenerateSQL(ctx, question, schemaInfo, memory)
	if err != nil {
		return fail(fmt.Errorf("generate SQL: %w", err))
	}

	fixed, err := q.sql.ValidateAndFix(sql)
	var rej *sqlguard.Rejection
	if errors.As(err, &rej) {
		q.log.Warn("generated SQL rejected", "reason", rej.Reason, "sql", sql)
		metrics.Queries.WithLabelValues("invalid").Inc()
		q.logQuery(ctx, store.QueryLog{
			UserQuery: question, GeneratedSQL: sql,
			ValidationStatus: store.ValidationInvalid, ExecutionStatus: store.ExecutionFailed,
			ErrorMessage: rej.Reason,
		})
		return failed(sql, err)
	}
	if err != nil {
		return fail(err)
	}
	sql = fixed

	runCtx := ctx
	if q.agent.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, q.agent.cfg.QueryTimeout)
		defer cancel()
	}
	res, err := st.RunReadOnly(runCtx, sql)
	if err != nil {
		return fail(fmt.Errorf("execute SQL: %w", err))
	}

	summary := q.sum.Summarize(ctx, question, sql, res.Columns, res.Rows, len(res.Rows))
	if strings.TrimSpace(summary) == "" {
		summary = fmt.Sprintf("Query executed successfully with %d rows returned.", len(res.Rows))
	}

	if err := st.AppendMessage(ctx, q.sessionID, "assistant", summary); err != nil {
		return fail(err)
	}
	q.updateMemory(ctx, summary)

	elapsed := time.Since(start).Milliseconds()
	rowCount := len(res.Rows)
	q.logQuery(ctx, store.QueryLog{
		UserQuery: question, GeneratedSQL: sql,
		ValidationStatus: store.ValidationValid, ExecutionStatus: store.ExecutionSuccess,
		RowCount: &rowCount, ExecutionTimeMS: &elapsed,
	})
	metrics.Queries.WithLabelValues("success").Inc()
	q.log.Info("query executed successfully", "rows", rowCount, "ms", elapsed)

	return Result{
		Success:         true,
		SQL:             sql,
		Columns:         res.Columns,
		Rows:            res.Rows,
		Summary:         summary,
		ExecutionTimeMS: &elapsed,
		RowCount:        &rowCount,
	}
}

// memoryContext assembles long-term memory, the session summary, a
// condensed form of older messages and the recent conversation.
func (q *QueryService) memoryContext(ctx context.Context) (string, error) {
	st := q.agent.store

	history, err := st.FullHistory(ctx, q.sessionID)
	if err != nil {
		return "", err
	}
	var older, recent []Message
	if len(history) > condenseAfter {
		older, recent = history[:len(history)-recentMessages], history[len(history)-recentMessages:]
	} else {
		recent = history
	}

	var sessionSummary, userMemory string
	if !q.guest() {
		if sessionSummary, err = st.SessionSummary(ctx, q.sessionID, q.userID); err != nil {
			return "", err
		}
		if userMemory, err = st.UserMemory(ctx, q.userID); err != nil {
			return "", err
		}
	}
	condensed := q.sum.SummarizeConversation(ctx, older)

	var b strings.Builder
	if userMemory != "" {
		fmt.Fprintf(&b, "User Memory (long-term):\n%s\n\n", userMemory)
	}
	if sessionSummary != "" {
		fmt.Fprintf(&b, "Session Summary:\n%s\n\n", sessionSummary)
	}
	if condensed != "" {
		fmt.Fprintf(&b, "Condensed Past Chat:\n%s\n\n", condensed)
	}
	if len(recent) > 0 {
		b.WriteString("Recent Conversation:\n")
		for i, m := range recent {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s: %s", capitalize(m.Role), m.Content)
		}
	}
	return b.String(), nil
}

func (q *QueryService) updateMemory(ctx context.Context, summary string) {
	if q.guest() {
		q.log.Debug("guest mode active, skipping memory update")
		return
	}
	st := q.agent.store

	if err := st.UpsertSessionSummary(ctx, q.sessionID, q.userID, summary); err != nil {
		q.log.Error("session summary update failed", "err", err)
	}

	prev, err := st.UserMemory(ctx, q.userID)
	if err != nil {
		q.log.Error("user memory read failed", "err", err)
		return
	}
	combined := summary
	if prev != "" {
		combined = prev + "\n" + summary
	}
	if len(combined) > maxUserMemory {
		combined = combined[len(combined)-maxUserMemory:]
		for len(combined) > 0 && !utf8.RuneStart(combined[0]) {
			combined = combined[1:]
		}
		if i := strings.IndexByte(combined, '\n'); i >= 0 {
			combined = combined[i+1:]
		}
	}
	if err := st.UpsertUserMemory(ctx, q.userID, combined); err != nil {
		q.log.Error("user memory update failed", "err", err)
	}
}

func (q *QueryService) logQuery(ctx context.Context, l store.QueryLog) {
	l.SessionID = q.sessionID
	// The request context may already be cancelled; the audit row still
	// has to be written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.agent.store.LogQuery(ctx, l); err != nil {
		q.log.Error("query log write failed", "err", err)
	}
}

// StreamDraft streams the model's free-form answer to question. It is
// shown to interactive clients while the real query runs.
func (q *QueryService) StreamDraft(ctx context.Context, question string, fn func(string) error) error {
	return q.agent.llm.Stream(ctx, llm.DefaultSystemMessage, question, fn)
}

// History returns up to limit recent messages, oldest first.
func (q *QueryService) History(ctx context.Context, limit int) ([]Message, error) {
	return q.agent.store.RecentHistory(ctx, q.sessionID, limit)
}

func (q *QueryService) ClearHistory(ctx context.Context) error {
	n, err := q.agent.store.ClearHistory(ctx, q.sessionID)
	if err != nil {
		return err
	}
	q.sql.ClearHistory()
	q.log.Info("cleared chat history", "messages", n)
	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
