package estimator

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	whereClause    = regexp.MustCompile(`(?is)\bwhere\b(.*?)(?:\bgroup\s+by\b|\border\s+by\b|\bhaving\b|\blimit\b|;|$)`)
	andPattern     = regexp.MustCompile(`(?i)\s+and\s+`)
	trivialTerm    = regexp.MustCompile(`(?i)^\(*\s*(?:1\s*=\s*1|true)\s*\)*$`)
	orderByPattern = regexp.MustCompile(`(?i)\border\s+by\b`)
	limitPattern   = regexp.MustCompile(`(?i)\blimit\s+(\d+)(?:\s*,\s*(\d+))?`)

	fromPattern   = regexp.MustCompile(`(?i)^from\s+[^\s,;()]+`)
	selectPattern = regexp.MustCompile(`(?i)^\s*(?:select|with)\b`)
	aliasPattern  = regexp.MustCompile("(?i)^\\s+(as\\s+)?([a-z_][a-z0-9_$]*|`[^`]+`)")
	hintPattern   = regexp.MustCompile(" FORCE INDEX\\(`((?:[^`]|``)*)`\\)")
)

// Words that may follow a table reference without being its alias.
var clauseKeywords = map[string]struct{}{
	"WHERE": {}, "JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "CROSS": {}, "NATURAL": {},
	"STRAIGHT_JOIN": {}, "ON": {}, "USING": {}, "ORDER": {}, "GROUP": {}, "HAVING": {},
	"LIMIT": {}, "UNION": {}, "FOR": {}, "LOCK": {}, "WINDOW": {}, "PARTITION": {},
	"USE": {}, "FORCE": {}, "IGNORE": {}, "INTO": {}, "SET": {}, "EXCEPT": {}, "INTERSECT": {},
}

// HasWhere reports whether the statement filters rows. A WHERE clause made
// only of 1=1 or TRUE terms joined by AND does not count.
func HasWhere(sqlText string) bool {
	for _, m := range whereClause.FindAllStringSubmatch(sqlText, -1) {
		for _, term := range andPattern.Split(strings.TrimSpace(m[1]), -1) {
			if !trivialTerm.MatchString(strings.TrimSpace(term)) {
				return true
			}
		}
	}
	return false
}

// HasOrderBy reports whether the statement has an ORDER BY clause.
func HasOrderBy(sqlText string) bool {
	return orderByPattern.MatchString(sqlText)
}

// Limit returns the row count of the first literal LIMIT clause.
// Both LIMIT n OFFSET m and LIMIT m, n are understood.
func Limit(sqlText string) (int64, bool) {
	m := limitPattern.FindStringSubmatch(sqlText)
	if m == nil {
		return 0, false
	}
	literal := m[1]
	if m[2] != "" {
		literal = m[2]
	}
	n, err := strconv.ParseInt(literal, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ForceIndex inserts a FORCE INDEX hint for key after the first FROM table
// reference (and its alias, if any). It reports false when there is no table
// reference to attach the hint to.
func ForceIndex(sqlText, key string) (string, bool) {
	from, ok := tableReference(sqlText)
	if !ok {
		return sqlText, false
	}
	end := from + aliasLength(sqlText[from:])
	hint := " FORCE INDEX(`" + strings.ReplaceAll(key, "`", "``") + "`)"
	return sqlText[:end] + hint + sqlText[end:], true
}

// StripForceIndex removes the first hint added by ForceIndex.
func StripForceIndex(sqlText string) string {
	loc := hintPattern.FindStringIndex(sqlText)
	if loc == nil {
		return sqlText
	}
	return sqlText[:loc[0]] + sqlText[loc[1]:]
}

// ForcedKey returns the key named by the first FORCE INDEX hint added by ForceIndex.
func ForcedKey(sqlText string) (string, bool) {
	m := hintPattern.FindStringSubmatch(sqlText)
	if m == nil {
		return "", false
	}
	return strings.ReplaceAll(m[1], "``", "`"), true
}

// tableReference returns the offset just past "FROM <table>" for the first FROM
// that belongs to a query. FROM inside a function call such as
// EXTRACT(YEAR FROM col) or inside a string literal is skipped; a
// parenthesised subquery still counts.
func tableReference(sqlText string) (int, bool) {
	query := []bool{true}
	var quote byte
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		if quote != 0 {
			switch {
			case c == '\\' && quote != '`':
				i++
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			query = append(query, selectPattern.MatchString(sqlText[i+1:]))
		case ')':
			if len(query) > 1 {
				query = query[:len(query)-1]
			}
		case 'f', 'F':
			if !query[len(query)-1] || (i > 0 && isWordByte(sqlText[i-1])) {
				continue
			}
			if loc := fromPattern.FindStringIndex(sqlText[i:]); loc != nil {
				return i + loc[1], true
			}
		}
	}
	return 0, false
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func aliasLength(rest string) int {
	m := aliasPattern.FindStringSubmatchIndex(rest)
	if m == nil {
		return 0
	}
	hasAs := m[2] >= 0
	word := rest[m[4]:m[5]]
	if _, keyword := clauseKeywords[strings.ToUpper(word)]; keyword && !hasAs {
		return 0
	}
	return m[1]
}

// SplitStatements splits a script on semicolons that are outside quotes and
// comments. Empty statements are dropped.
func SplitStatements(script string) []string {
	var (
		out     []string
		current strings.Builder
		quote   rune
		escaped bool
	)
	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			out = append(out, stmt)
		}
		current.Reset()
	}

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			current.WriteRune(r)
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote != '`':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}

		switch {
		case r == '\'' || r == '"' || r == '`':
			quote = r
			current.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-', r == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			current.WriteRune('\n')
		case r == ';':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return out
}
