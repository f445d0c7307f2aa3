// Package sqlguard validates agent-supplied SQL before it reaches a tenant
// sandbox transaction.
//
// The guard is fail-closed: anything it cannot positively classify as a
// single read-only SELECT over names inside the tenant namespace is
// rejected. It is the first of two fences; the second is the read-only
// transaction whose search_path names only the tenant schema.
package sqlguard

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrRejected is wrapped by every validation failure.
var ErrRejected = errors.New("query rejected")

// MaxQueryBytes caps the accepted query text.
const MaxQueryBytes = 8 * 1024

// DefaultMaxRows is the row cap executors apply when the caller does not
// narrow it further.
const DefaultMaxRows = 1000

// forbidden lists statement and utility keywords that have no place in a
// sandboxed read. Matching is on unquoted word tokens only; the same words
// inside string literals or quoted identifiers are harmless data.
var forbidden = map[string]bool{
	"insert": true, "update": true, "delete": true, "merge": true,
	"drop": true, "create": true, "alter": true, "truncate": true,
	"grant": true, "revoke": true, "vacuum": true, "analyze": true,
	"analyse": true, "copy": true, "call": true, "do": true,
	"set": true, "reset": true, "lock": true, "listen": true,
	"notify": true, "unlisten": true, "prepare": true, "execute": true,
	"deallocate": true, "declare": true, "fetch": true, "move": true,
	"refresh": true, "reindex": true, "cluster": true, "comment": true,
	"security": true, "import": true, "into": true,
}

// fromStopWords are words that appear in table position inside a FROM clause
// without naming a table or alias.
var fromStopWords = map[string]bool{
	"as": true, "join": true, "from": true, "on": true, "using": true,
	"lateral": true, "left": true, "right": true, "full": true,
	"inner": true, "outer": true, "cross": true, "natural": true,
	"tablesample": true, "only": true, "and": true, "or": true, "not": true,
	"select": true, "distinct": true, "all": true, "case": true,
	"when": true, "then": true, "else": true, "end": true, "null": true,
	"true": true, "false": true, "is": true, "in": true, "like": true,
	"ilike": true, "between": true, "exists": true, "any": true, "some": true,
	"order": true, "group": true, "by": true, "asc": true, "desc": true,
}

// clauseEnders terminate the table-name region of a FROM clause at their
// paren depth.
var clauseEnders = map[string]bool{
	"where": true, "group": true, "having": true, "window": true,
	"order": true, "limit": true, "offset": true, "union": true,
	"intersect": true, "except": true, "on": true, "using": true,
	"select": true,
}

// Validate checks a sandbox query against the read-only contract:
// a single SELECT (or WITH ending in SELECT), no data-modifying or utility
// keywords, no system catalog references, and no schema-qualified names
// that would reach outside the namespace pinned by the transaction.
func Validate(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: empty query", ErrRejected)
	}
	if len(query) > MaxQueryBytes {
		return fmt.Errorf("%w: query exceeds %d bytes", ErrRejected, MaxQueryBytes)
	}

	toks, err := lex(query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if len(toks) == 0 {
		return fmt.Errorf("%w: empty query", ErrRejected)
	}

	// Single statement: semicolons may only trail.
	for i, t := range toks {
		if t.kind == tokPunct && t.text == ";" {
			for _, rest := range toks[i+1:] {
				if rest.kind != tokPunct || rest.text != ";" {
					return fmt.Errorf("%w: multiple statements", ErrRejected)
				}
			}
			toks = toks[:i]
			break
		}
	}
	if len(toks) == 0 {
		return fmt.Errorf("%w: empty query", ErrRejected)
	}

	first := toks[0]
	if first.kind != tokWord || (first.text != "select" && first.text != "with") {
		return fmt.Errorf("%w: only SELECT statements are allowed", ErrRejected)
	}
	if first.text == "with" {
		sawTopSelect := false
		for _, t := range toks[1:] {
			if t.depth == 0 && t.kind == tokWord && t.text == "select" {
				sawTopSelect = true
				break
			}
		}
		if !sawTopSelect {
			return fmt.Errorf("%w: WITH must end in a SELECT", ErrRejected)
		}
	}

	for _, t := range toks {
		if t.kind == tokWord && forbidden[t.text] {
			return fmt.Errorf("%w: keyword %s is not allowed", ErrRejected, strings.ToUpper(t.text))
		}
		if t.kind == tokWord || t.kind == tokQuoted {
			if strings.HasPrefix(t.text, "pg_") || t.text == "information_schema" {
				return fmt.Errorf("%w: system catalog reference %s", ErrRejected, t.text)
			}
		}
	}

	names, tablePos := analyzeScope(toks)
	for i, t := range toks {
		if t.kind != tokPunct || t.text != "." {
			continue
		}
		if i == 0 || i == len(toks)-1 {
			continue
		}
		prev, next := toks[i-1], toks[i+1]
		prevIsName := prev.kind == tokWord || prev.kind == tokQuoted
		nextIsName := next.kind == tokWord || next.kind == tokQuoted ||
			(next.kind == tokPunct && next.text == "*")
		if !prevIsName || !nextIsName {
			continue
		}
		// In table position every qualified name is schema-qualified and
		// escapes the pinned search_path, whatever the qualifier looks like.
		// Aliases cannot shadow schemas in FROM, so an alias match there is
		// meaningless.
		if tablePos[i] {
			return fmt.Errorf("%w: schema-qualified table %s.%s is not allowed",
				ErrRejected, prev.text, next.text)
		}
		if prev.text == "public" || !names[prev.text] {
			return fmt.Errorf("%w: qualified name %s.%s reaches outside the namespace",
				ErrRejected, prev.text, next.text)
		}
	}
	return nil
}

// analyzeScope gathers every identifier that can legitimately qualify a
// column (table names and aliases in FROM/JOIN position, AS targets, CTE
// names) and marks which token positions sit inside the table-name region
// of a FROM clause. Qualifiers of schema-qualified names are deliberately
// skipped so they never whitelist themselves.
func analyzeScope(toks []token) (map[string]bool, []bool) {
	names := make(map[string]bool)
	tablePos := make([]bool, len(toks))
	inFrom := make(map[int]bool)
	for i, t := range toks {
		switch {
		case t.kind == tokPunct && t.text == ")":
			delete(inFrom, t.depth+1)
		case t.kind == tokWord && (t.text == "from" || t.text == "join"):
			inFrom[t.depth] = true
			continue
		case t.kind == tokWord && clauseEnders[t.text]:
			delete(inFrom, t.depth)
		}
		tablePos[i] = inFrom[t.depth]
		if t.kind != tokWord && t.kind != tokQuoted {
			continue
		}
		if t.kind == tokWord && fromStopWords[t.text] {
			continue
		}
		followedByDot := i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "."
		if followedByDot {
			continue
		}
		precededByAs := i > 0 && toks[i-1].kind == tokWord && toks[i-1].text == "as"
		followedByAs := i+1 < len(toks) && toks[i+1].kind == tokWord && toks[i+1].text == "as"
		if inFrom[t.depth] || precededByAs || followedByAs {
			names[t.text] = true
		}
	}
	return names, tablePos
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	depth int
}

// lex splits the query into tokens, stripping comments. String literals
// collapse to a single token so their contents can never look like
// keywords. Dollar-quoted strings are rejected outright; the sandbox has no
// use for them and they are a classic smuggling vector.
func lex(q string) ([]token, error) {
	var toks []token
	depth := 0
	i := 0
	for i < len(q) {
		c := q[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < len(q) && q[i+1] == '-':
			for i < len(q) && q[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			nest := 1
			i += 2
			for i < len(q) && nest > 0 {
				if q[i] == '/' && i+1 < len(q) && q[i+1] == '*' {
					nest++
					i += 2
				} else if q[i] == '*' && i+1 < len(q) && q[i+1] == '/' {
					nest--
					i += 2
				} else {
					i++
				}
			}
			if nest > 0 {
				return nil, errors.New("unterminated comment")
			}
		case c == '\'':
			// Standard string; an immediately preceding e/E word switches on
			// backslash escapes.
			escapes := false
			if n := len(toks); n > 0 && toks[n-1].kind == tokWord &&
				(toks[n-1].text == "e" || toks[n-1].text == "b" || toks[n-1].text == "x") {
				escapes = toks[n-1].text == "e"
				toks = toks[:n-1]
			}
			j := i + 1
			for j < len(q) {
				if escapes && q[j] == '\\' && j+1 < len(q) {
					j += 2
					continue
				}
				if q[j] == '\'' {
					if j+1 < len(q) && q[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= len(q) {
				return nil, errors.New("unterminated string literal")
			}
			toks = append(toks, token{kind: tokString, depth: depth})
			i = j + 1
		case c == '"':
			j := i + 1
			for j < len(q) {
				if q[j] == '"' {
					if j+1 < len(q) && q[j+1] == '"' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= len(q) {
				return nil, errors.New("unterminated quoted identifier")
			}
			text := strings.ToLower(strings.ReplaceAll(q[i+1:j], `""`, `"`))
			toks = append(toks, token{kind: tokQuoted, text: text, depth: depth})
			i = j + 1
		case c == '$':
			j := i + 1
			for j < len(q) && q[j] >= '0' && q[j] <= '9' {
				j++
			}
			if j > i+1 {
				toks = append(toks, token{kind: tokParam, text: q[i:j], depth: depth})
				i = j
				break
			}
			return nil, errors.New("dollar-quoted strings are not allowed")
		case c >= '0' && c <= '9':
			j := i
			for j < len(q) && (q[j] >= '0' && q[j] <= '9' || q[j] == '.' ||
				q[j] == 'e' || q[j] == 'E' ||
				((q[j] == '+' || q[j] == '-') && j > i && (q[j-1] == 'e' || q[j-1] == 'E'))) {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: q[i:j], depth: depth})
			i = j
		case isWordStart(rune(c)) || c >= utf8.RuneSelf:
			j := i
			for j < len(q) {
				r, size := utf8.DecodeRuneInString(q[j:])
				if !isWordRune(r) {
					break
				}
				j += size
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToLower(q[i:j]), depth: depth})
			i = j
		case c == '(':
			toks = append(toks, token{kind: tokPunct, text: "(", depth: depth})
			depth++
			i++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, errors.New("unbalanced parentheses")
			}
			toks = append(toks, token{kind: tokPunct, text: ")", depth: depth})
			i++
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c), depth: depth})
			i++
		}
	}
	if depth != 0 {
		return nil, errors.New("unbalanced parentheses")
	}
	return toks, nil
}

func isWordStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isWordRune(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
