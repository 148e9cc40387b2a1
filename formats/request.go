package formats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Request is one parsed protocol line: a verb, its bareword
// positional arguments in order, and its key=value arguments.
type Request struct {
	Verb       string
	Positional []string
	KV         map[string]string
}

// Arg returns a key=value argument and whether it was present.
func (r *Request) Arg(key string) (string, bool) {
	v, ok := r.KV[key]
	return v, ok
}

// ParseRequest parses one request line. The grammar is
//
//	VERB [ARG ...]
//	ARG := BAREWORD | KEY=VALUE
//
// where VALUE may be a double-quoted string with \" and \\ escapes.
// Verbs and keys are case-insensitive; the verb comes back uppercase
// and keys lowercase.
func ParseRequest(line string) (*Request, error) {
	line = strings.TrimRight(line, "\r\n")

	fields, err := splitArgs(line)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.New("empty request")
	}

	verb := fields[0]
	if strings.Contains(verb, "=") {
		return nil, errors.New("request must start with a verb")
	}

	req := &Request{
		Verb: strings.ToUpper(verb),
		KV:   make(map[string]string),
	}

	for _, f := range fields[1:] {
		if key, value, found := cutUnquoted(f); found {
			if key == "" {
				return nil, fmt.Errorf("argument %q has an empty key", f)
			}
			req.KV[strings.ToLower(key)] = unquote(value)
		} else {
			req.Positional = append(req.Positional, f)
		}
	}

	return req, nil
}

// splitArgs splits on whitespace while keeping quoted regions intact.
// Quotes stay in the returned fields so key/value splitting can tell
// a quoted value from a bareword.
func splitArgs(line string) ([]string, error) {
	var fields []string
	var current strings.Builder
	inQuote := false
	escaped := false
	started := false

	for _, c := range line {
		switch {
		case escaped:
			if c != '"' && c != '\\' {
				return nil, fmt.Errorf("unsupported escape \\%c", c)
			}
			current.WriteRune('\\')
			current.WriteRune(c)
			escaped = false
		case inQuote && c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
			current.WriteRune(c)
			started = true
		case !inQuote && (c == ' ' || c == '\t'):
			if started {
				fields = append(fields, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(c)
			started = true
		}
	}
	if inQuote || escaped {
		return nil, errors.New("unterminated quoted string")
	}
	if started {
		fields = append(fields, current.String())
	}
	return fields, nil
}

// cutUnquoted splits a field at its first '='. A field that opens with
// a quote is never a key; quotes later in the field are not tracked, so
// an '=' inside a quoted region still splits when no '=' precedes it.
func cutUnquoted(f string) (key, value string, found bool) {
	if strings.HasPrefix(f, `"`) {
		return "", "", false
	}
	if i := strings.IndexByte(f, '='); i >= 0 {
		return f[:i], f[i+1:], true
	}
	return "", "", false
}

// unquote strips surrounding double quotes and resolves \" and \\
// escapes. Values that were never quoted pass through untouched.
func unquote(v string) string {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return v
	}
	inner := v[1 : len(v)-1]
	var out strings.Builder
	escaped := false
	for _, c := range inner {
		if escaped {
			out.WriteRune(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		out.WriteRune(c)
	}
	return out.String()
}

// ErrLine renders an error response line.
func ErrLine(reason string) string {
	return "ERR " + reason + "\n"
}

// OKLine renders a scalar success line: "OK" alone, or "OK k=v ..."
// when pairs are given. Pairs alternate key, value.
func OKLine(pairs ...string) string {
	if len(pairs) == 0 {
		return "OK\n"
	}
	var b strings.Builder
	b.WriteString("OK")
	for i := 0; i+1 < len(pairs); i += 2 {
		b.WriteByte(' ')
		b.WriteString(pairs[i])
		b.WriteByte('=')
		b.WriteString(pairs[i+1])
	}
	b.WriteByte('\n')
	return b.String()
}

// WriteNDJSON writes one value as a self-contained JSON line. The
// stream has no terminator: end of response is end of connection.
func WriteNDJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
