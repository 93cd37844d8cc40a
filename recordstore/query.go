package recordstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadQuery is returned for filters or sorts that do not parse.
var ErrBadQuery = errors.New("recordstore: bad query")

// systemColumns are record fields stored as columns rather than in data.
var systemColumns = map[string]string{
	"id":      "id",
	"created": "created",
	"updated": "updated",
}

// clause is one comparison of a filter: field op value.
type clause struct {
	field string
	op    string
	value any
}

var operators = []string{">=", "<=", "!=", "=", "~", ">", "<"}

// parseFilter reads "a = 1 && b != 'x'". Values are quoted strings,
// numbers, true, false or null.
func parseFilter(src string) ([]clause, error) {
	var out []clause
	for _, part := range splitAnd(src) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, err := parseClause(part)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// splitAnd splits on && outside quoted strings.
func splitAnd(src string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '&' && i+1 < len(src) && src[i+1] == '&':
			parts = append(parts, src[start:i])
			start = i + 2
			i++
		}
	}
	return append(parts, src[start:])
}

func parseClause(s string) (clause, error) {
	i := 0
	for i < len(s) && isFieldByte(s[i], i == 0) {
		i++
	}
	field := s[:i]
	if !validField(field) {
		return clause{}, fmt.Errorf("%w: invalid field in %q", ErrBadQuery, s)
	}
	rest := strings.TrimSpace(s[i:])
	var op string
	for _, o := range operators {
		if strings.HasPrefix(rest, o) {
			op = o
			break
		}
	}
	if op == "" {
		return clause{}, fmt.Errorf("%w: missing operator in %q", ErrBadQuery, s)
	}
	value, err := parseValue(strings.TrimSpace(rest[len(op):]))
	if err != nil {
		return clause{}, fmt.Errorf("%w: %q: %v", ErrBadQuery, s, err)
	}
	if value == nil && op != "=" && op != "!=" {
		return clause{}, fmt.Errorf("%w: null only compares with = or !=", ErrBadQuery)
	}
	if _, ok := value.(string); op == "~" && !ok {
		return clause{}, fmt.Errorf("%w: ~ needs a string", ErrBadQuery)
	}
	return clause{field: field, op: op, value: value}, nil
}

func parseValue(s string) (any, error) {
	switch s {
	case "":
		return nil, errors.New("missing value")
	case "null":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if q := s[0]; q == '"' || q == '\'' {
		if len(s) < 2 || s[len(s)-1] != q {
			return nil, errors.New("unterminated string")
		}
		var b strings.Builder
		for i := 1; i < len(s)-1; i++ {
			if s[i] == '\\' && i+1 < len(s)-1 {
				i++
			}
			b.WriteByte(s[i])
		}
		return b.String(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("bad literal %s", s)
	}
	return f, nil
}

func isFieldByte(c byte, first bool) bool {
	switch {
	case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9' || c == '.':
		return !first
	}
	return false
}

func validField(f string) bool {
	if f == "" || strings.HasPrefix(f, ".") || strings.HasSuffix(f, ".") || strings.Contains(f, "..") {
		return false
	}
	for i := 0; i < len(f); i++ {
		if !isFieldByte(f[i], i == 0) {
			return false
		}
	}
	return true
}

// column returns the SQL expression for field and its bound argument, if
// any.
func column(field string) (string, []any) {
	if col, ok := systemColumns[field]; ok {
		return col, nil
	}
	return "json_extract(data, ?)", []any{"$." + field}
}

// where renders clauses as SQL conditions joined by AND.
func where(clauses []clause) (string, []any) {
	var conds []string
	var args []any
	for _, c := range clauses {
		expr, a := column(c.field)
		args = append(args, a...)
		switch v := c.value.(type) {
		case nil:
			if c.op == "=" {
				conds = append(conds, expr+" IS NULL")
			} else {
				conds = append(conds, expr+" IS NOT NULL")
			}
			continue
		case bool:
			// json_extract yields 1 and 0 for JSON booleans.
			if v {
				args = append(args, 1)
			} else {
				args = append(args, 0)
			}
		case string:
			if c.op == "~" {
				args = append(args, "%"+v+"%")
				conds = append(conds, expr+" LIKE ?")
				continue
			}
			args = append(args, v)
		default:
			args = append(args, v)
		}
		conds = append(conds, expr+" "+c.op+" ?")
	}
	return strings.Join(conds, " AND "), args
}

// orderBy renders "-created,title" as an ORDER BY list. Insertion order
// breaks ties.
func orderBy(sort string) (string, []any, error) {
	var terms []string
	var args []any
	for _, part := range strings.Split(sort, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dir := "ASC"
		switch part[0] {
		case '-':
			dir, part = "DESC", part[1:]
		case '+':
			part = part[1:]
		}
		if !validField(part) {
			return "", nil, fmt.Errorf("%w: invalid sort field %q", ErrBadQuery, part)
		}
		expr, a := column(part)
		terms = append(terms, expr+" "+dir)
		args = append(args, a...)
	}
	terms = append(terms, "rowid ASC")
	return strings.Join(terms, ", "), args, nil
}
