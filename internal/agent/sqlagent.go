package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"sqlagent/internal/llm"
	"sqlagent/internal/logging"
	"sqlagent/internal/sqlguard"
)

// turnsInPrompt is how many in-process conversation entries are replayed to
// the model (three question/answer pairs).
const turnsInPrompt = 6

type turn struct {
	role    string
	content string
}

// SQLAgent turns a question into one validated SELECT. It remembers the SQL
// it produced for the lifetime of the value.
type SQLAgent struct {
	llm   llm.Provider
	guard sqlguard.Validator
	log   *logging.Logger

	mu      sync.Mutex
	history []turn
}

func NewSQLAgent(p llm.Provider, guard sqlguard.Validator) *SQLAgent {
	return &SQLAgent{llm: p, guard: guard, log: logging.For("sql_agent")}
}

func (a *SQLAgent) prompt(question, schemaInfo, memory string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a SQL expert. Generate a PostgreSQL query based on the user's question.

Database Schema:
%s

IMPORTANT RULES:
1. ONLY use SELECT statements
2. ONLY query the table: %s.%s
3. Use proper PostgreSQL syntax
4. Always include a LIMIT clause (max %d)
5. Return ONLY the SQL query, no explanations
6. Use double quotes for column names if they contain special characters
`, schemaInfo, a.guard.Schema, a.guard.Table, a.guard.DefaultLimit)

	if memory != "" {
		fmt.Fprintf(&b, "\n%s\n", memory)
	}

	a.mu.Lock()
	recent := a.history
	if len(recent) > turnsInPrompt {
		recent = recent[len(recent)-turnsInPrompt:]
	}
	if len(recent) > 0 {
		b.WriteString("\nPrevious conversation:\n")
		for _, t := range recent {
			fmt.Fprintf(&b, "%s: %s\n", t.role, t.content)
		}
	}
	a.mu.Unlock()

	fmt.Fprintf(&b, "\nUser Question: %s\n\nSQL Query:", question)
	return b.String()
}

// GenerateSQL asks the model for a query answering question. memory is an
// optional block of conversation context placed before the question.
func (a *SQLAgent) GenerateSQL(ctx context.Context, question, schemaInfo, memory string) (string, error) {
	resp, err := a.llm.Generate(ctx, llm.DefaultSystemMessage, a.prompt(question, schemaInfo, memory))
	if err != nil {
		a.log.Error("SQL generation failed", "err", err)
		return "", err
	}

	sql := sqlguard.ExtractSQL(resp)

	a.mu.Lock()
	a.history = append(a.history,
		turn{role: "user", content: question},
		turn{role: "assistant", content: "SQL: " + sql})
	a.mu.Unlock()

	a.log.Info("generated SQL", "sql", sql)
	return sql, nil
}

// ValidateAndFix checks sql and bounds its LIMIT. On rejection the original
// sql is returned with the error.
func (a *SQLAgent) ValidateAndFix(sql string) (string, error) {
	return a.guard.ValidateAndFix(sql)
}

func (a *SQLAgent) ClearHistory() {
	a.mu.Lock()
	a.history = nil
	a.mu.Unlock()
}
