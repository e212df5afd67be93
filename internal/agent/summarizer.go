package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"sqlagent/internal/llm"
	"sqlagent/internal/logging"
)

const (
	summarySampleRows = 10

	NoResultsSummary = "No results found for your query."

	analystSystemMessage = "You are a data analyst. Explain query results in plain business language."
)

type Summarizer struct {
	llm llm.Provider
	log *logging.Logger
}

func NewSummarizer(p llm.Provider) *Summarizer {
	return &Summarizer{llm: p, log: logging.For("summarizer")}
}

// Summarize describes a query result in two or three sentences. It never
// fails: without rows it says so, and when the model errors it falls back to
// a plain description of the result shape.
func (s *Summarizer) Summarize(ctx context.Context, question, sql string, columns []string, rows [][]any, total int) string {
	if len(rows) == 0 {
		return NoResultsSummary
	}

	sample := rows
	if len(sample) > summarySampleRows {
		sample = sample[:summarySampleRows]
	}

	prompt := fmt.Sprintf(`Analyze these query results and provide a clear, concise business summary.

Original Question: %s

SQL Query: %s

Results Summary:
- Total rows returned: %d
- Columns: %s

Sample Data (first 10 rows):
%s

%s

Provide a 2-3 sentence natural language summary that:
1. Answers the user's question directly
2. Highlights key insights from the data
3. Uses business-friendly language (no technical jargon)

Summary:`, question, sql, total, strings.Join(columns, ", "), rowsJSON(columns, sample), columnStats(columns, rows))

	out, err := s.llm.Generate(ctx, analystSystemMessage, prompt)
	if err != nil {
		s.log.Error("summarization failed", "err", err)
		return fmt.Sprintf("Query returned %d rows with columns: %s", total, strings.Join(columns, ", "))
	}
	return strings.TrimSpace(out)
}

// SummarizeConversation condenses older chat messages into a few lines.
// Errors yield "".
func (s *Summarizer) SummarizeConversation(ctx context.Context, msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Summarize this past conversation in 2-3 lines:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	out, err := s.llm.Generate(ctx, analystSystemMessage, b.String())
	if err != nil {
		s.log.Error("conversation summarization failed", "err", err)
		return ""
	}
	return strings.TrimSpace(out)
}

// rowsJSON renders rows as an indented JSON array of objects whose keys keep
// column order.
func rowsJSON(columns []string, rows [][]any) string {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, row := range rows {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('{')
		for j, col := range columns {
			if j > 0 {
				b.WriteByte(',')
			}
			k, _ := json.Marshal(col)
			var v []byte
			if j < len(row) {
				var err error
				if v, err = json.Marshal(row[j]); err != nil {
					v, _ = json.Marshal(fmt.Sprint(row[j]))
				}
			} else {
				v = []byte("null")
			}
			b.Write(k)
			b.WriteByte(':')
			b.Write(v)
		}
		b.WriteByte('}')
	}
	b.WriteByte(']')

	var out bytes.Buffer
	if err := json.Indent(&out, b.Bytes(), "", "  "); err != nil {
		return b.String()
	}
	return out.String()
}

// columnStats reports min, max and mean for columns whose non-null values
// are all numeric. It returns "" when no column qualifies.
func columnStats(columns []string, rows [][]any) string {
	var b strings.Builder
	for i, col := range columns {
		var (
			vals    []float64
			numeric = true
		)
		for _, row := range rows {
			if i >= len(row) || row[i] == nil {
				continue
			}
			f, ok := toFloat(row[i])
			if !ok {
				numeric = false
				break
			}
			vals = append(vals, f)
		}
		if !numeric || len(vals) == 0 {
			continue
		}

		lo, hi, sum := vals[0], vals[0], 0.0
		for _, v := range vals {
			lo, hi = min(lo, v), max(hi, v)
			sum += v
		}
		fmt.Fprintf(&b, "  - %s: min=%s, max=%s, avg=%.2f\n", col, formatNumber(lo), formatNumber(hi), sum/float64(len(vals)))
	}

	if b.Len() == 0 {
		return ""
	}
	return "\nBasic Statistics:\n" + b.String()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
