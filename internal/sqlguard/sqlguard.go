// Package sqlguard checks model-generated SQL before it reaches the database:
// one read-only SELECT against the configured table, with a bounded LIMIT.
package sqlguard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var dangerousKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "EXEC", "EXECUTE",
	"MERGE", "REPLACE", "CALL", "LOCK", "UNLOCK",
}

var (
	keywordRes = func() []*regexp.Regexp {
		out := make([]*regexp.Regexp, len(dangerousKeywords))
		for i, kw := range dangerousKeywords {
			out[i] = regexp.MustCompile(`\b` + kw + `\b`)
		}
		return out
	}()

	limitRe = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+|ALL)\b`)

	fenceSQLRe = regexp.MustCompile("```sql\n?")
	fenceRe    = regexp.MustCompile("```\n?")
	prefixRe   = regexp.MustCompile(`(?i)^(SQL Query:|Query:|Answer:)\s*`)
)

// Rejection is returned when a query fails validation. Reason is safe to
// show to API callers.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func reject(format string, args ...interface{}) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

type Validator struct {
	Table        string
	Schema       string
	DefaultLimit int
	MaxLimit     int
}

func (v Validator) Validate(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return reject("SQL query is empty")
	}

	bare, problem := mask(sql, true)
	if problem != "" {
		return reject("%s", problem)
	}
	noStrings, _ := mask(sql, false)

	// Quoted identifiers keep their text here, so a ';' inside brackets or
	// backticks still counts as a separator.
	trimmed := strings.TrimRight(strings.TrimSpace(noStrings), ";")
	if strings.Contains(trimmed, ";") {
		return reject("Multiple SQL statements not allowed")
	}

	upper := strings.ToUpper(bare)
	for i, re := range keywordRes {
		if re.MatchString(upper) {
			return reject("Dangerous keyword detected: %s", dangerousKeywords[i])
		}
	}

	if !strings.HasPrefix(strings.TrimSpace(upper), "SELECT") {
		return reject("Only SELECT queries are allowed")
	}

	if !strings.Contains(strings.ToLower(noStrings), strings.ToLower(v.Table)) {
		return reject("Query must reference table: %s", v.Table)
	}

	return nil
}

// EnforceLimit bounds the rows a query can return. A limit of zero or less
// means the default; anything above MaxLimit is clamped. Existing LIMIT
// clauses above the bound are lowered, smaller ones are kept. Queries without
// a LIMIT get one appended. LIMIT text inside literals, identifiers or
// comments is left alone.
func (v Validator) EnforceLimit(sql string, limit int) string {
	if limit <= 0 {
		limit = v.DefaultLimit
	}
	if v.MaxLimit > 0 && limit > v.MaxLimit {
		limit = v.MaxLimit
	}

	masked, _ := mask(sql, true)
	matches := limitRe.FindAllStringSubmatchIndex(masked, -1)
	if len(matches) > 0 {
		var b strings.Builder
		last := 0
		for _, m := range matches {
			if n, err := strconv.Atoi(sql[m[2]:m[3]]); err == nil && n <= limit {
				continue
			}
			b.WriteString(sql[last:m[0]])
			b.WriteString("LIMIT " + strconv.Itoa(limit))
			last = m[1]
		}
		b.WriteString(sql[last:])
		return b.String()
	}

	// Trailing comments are blank in masked; cut them so the new clause is
	// not commented out.
	sql = sql[:len(strings.TrimRightFunc(masked, isSpace))]
	sql = strings.TrimRight(sql, ";")
	return fmt.Sprintf("%s LIMIT %d;", strings.TrimRightFunc(sql, isSpace), limit)
}

// ValidateAndFix validates sql and, when it passes, applies the default limit.
func (v Validator) ValidateAndFix(sql string) (string, error) {
	if err := v.Validate(sql); err != nil {
		return sql, err
	}
	return v.EnforceLimit(sql, 0), nil
}

// ExtractSQL pulls the first SQL statement out of a model answer that may be
// wrapped in markdown or prefixed with a label.
func ExtractSQL(response string) string {
	s := fenceSQLRe.ReplaceAllString(response, "")
	s = fenceRe.ReplaceAllString(s, "")
	s = prefixRe.ReplaceAllString(strings.TrimSpace(s), "")

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "--") {
			continue
		}
		lines = append(lines, line)
		if strings.HasSuffix(line, ";") {
			break
		}
	}

	out := strings.TrimSpace(strings.Join(lines, " "))
	if !strings.HasSuffix(out, ";") {
		out += ";"
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// isDollarTag reports whether s starts with a $tag$ or $$ quote opener.
func isDollarTag(s string) bool {
	if len(s) < 2 || s[0] != '$' {
		return false
	}
	for i := 1; i < len(s); i++ {
		switch c := s[i]; {
		case c == '$':
			return true
		case i == 1 && c >= '0' && c <= '9', !isIdentByte(c):
			return false
		}
	}
	return false
}

// mask returns sql with comments blanked and the contents of string literals
// replaced by spaces. Quoted identifiers ("x", `x`, [x]) are blanked too when
// identifiers is set. The result has the same length as sql, so offsets found
// in it apply to sql.
//
// Forms that SQLite and PostgreSQL would split differently are refused:
// problem is non-empty for unterminated quotes or comments, E'' literals
// with backslashes and dollar-quoted strings.
func mask(sql string, identifiers bool) (out string, problem string) {
	b := []byte(sql)
	blank := func(from, to int) {
		for k := from; k < to && k < len(b); k++ {
			if b[k] != '\n' {
				b[k] = ' '
			}
		}
	}

	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '-' && strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql) - i
			}
			blank(i, i+end)
			i += end

		case c == '/' && strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				blank(i, len(sql))
				return string(b), "Unterminated comment in SQL query"
			}
			blank(i, i+end+4)
			i += end + 4

		case c == '\'':
			end := strings.IndexByte(sql[i+1:], '\'')
			if end < 0 {
				blank(i+1, len(sql))
				return string(b), "Unbalanced quotes in SQL query"
			}
			end += i + 1
			escaped := i > 0 && (sql[i-1] == 'E' || sql[i-1] == 'e') && (i == 1 || !isIdentByte(sql[i-2]))
			if escaped && strings.Contains(sql[i+1:end], "\\") {
				blank(i+1, len(sql))
				return string(b), "Escaped string literals are not allowed"
			}
			blank(i+1, end)
			i = end + 1

		case c == '"' || c == '`' || c == '[':
			closer := c
			if c == '[' {
				closer = ']'
			}
			end := strings.IndexByte(sql[i+1:], closer)
			if end < 0 {
				blank(i+1, len(sql))
				return string(b), "Unbalanced quotes in SQL query"
			}
			end += i + 1
			if identifiers {
				blank(i+1, end)
			}
			i = end + 1

		case c == '$' && (i == 0 || !isIdentByte(sql[i-1])):
			if isDollarTag(sql[i:]) {
				blank(i, len(sql))
				return string(b), "Dollar-quoted strings are not allowed"
			}
			i++

		default:
			i++
		}
	}
	return string(b), ""
}
