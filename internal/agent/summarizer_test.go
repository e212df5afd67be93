package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowsJSONKeepsColumnOrder(t *testing.T) {
	out := rowsJSON([]string{"zeta", "alpha"}, [][]any{{"z", 1}, {nil}})
	assert.JSONEq(t, `[{"zeta":"z","alpha":1},{"zeta":null,"alpha":null}]`, out)
	assert.Less(t, strings.Index(out, `"zeta"`), strings.Index(out, `"alpha"`))
}

func TestColumnStats(t *testing.T) {
	cols := []string{"name", "amount", "qty"}
	rows := [][]any{
		{"a", 10.5, int64(2)},
		{"b", 20.0, nil},
		{"c", 7.0, int64(4)},
	}
	got := columnStats(cols, rows)
	assert.Equal(t, "\nBasic Statistics:\n"+
		"  - amount: min=7, max=20, avg=12.50\n"+
		"  - qty: min=2, max=4, avg=3.00\n", got)

	assert.Empty(t, columnStats([]string{"name"}, [][]any{{"a"}}))
}

func TestSummarizePrompt(t *testing.T) {
	f := &fakeLLM{summary: "  Sales are healthy.  "}
	s := NewSummarizer(f)

	out := s.Summarize(context.Background(), "how are sales?", "SELECT amount FROM sales;",
		[]string{"amount"}, [][]any{{1.0}, {3.0}}, 2)
	assert.Equal(t, "Sales are healthy.", out)

	require.Len(t, f.prompts, 1)
	assert.Contains(t, f.prompts[0], "Original Question: how are sales?")
	assert.Contains(t, f.prompts[0], "- Total rows returned: 2")
	assert.Contains(t, f.prompts[0], "amount: min=1, max=3, avg=2.00")
}

func TestSummarizeConversationEmpty(t *testing.T) {
	f := &fakeLLM{summary: "unused"}
	assert.Empty(t, NewSummarizer(f).SummarizeConversation(context.Background(), nil))
	assert.Empty(t, f.prompts)
}
