package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CueErrorDetail is one violation of the config schema
type CueErrorDetail struct {
	Path    string // limits.download.hour
	Code    string // unknown_field, missing_required, out_of_range, ...
	Message string
	File    string
	Line    int
	Column  int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.File),
		slog.Int("line", c.Line),
		slog.Int("column", c.Column),
	)
}

// rules are tried in order, the first match wins
var rules = []struct {
	re     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "field %s is required"},
	{regexp.MustCompile(`(?i)invalid value .* \(out of bound`), "out_of_range", "field %s is out of the allowed range"},
	{regexp.MustCompile(`(?i)does not match`), "invalid_format", "field %s has invalid format"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "conflicting values for %s"},
	{regexp.MustCompile(`(?i)must be one of|expected one of`), "invalid_enum", "field %s has invalid value"},
	{regexp.MustCompile(`(?i)expected .* got .*`), "type_mismatch", "field %s has wrong type"},
}

// CueErrDetails turns an error returned by LoadConfig into a list of
// humanized details, one per config file position. Errors not coming from
// CUE validation are returned as a single detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	var out []CueErrorDetail
	seen := make(map[token.Pos]bool)
	for _, e := range cueerrors.Errors(err) {
		pos, ok := filePos(e)
		if !ok || seen[pos] {
			continue
		}
		seen[pos] = true

		format, args := e.Msg()
		d := detail(fmt.Sprintf(format, args...), schemaPath(e.Path()))
		d.File, d.Line, d.Column = pos.Filename(), pos.Line(), pos.Column()
		out = append(out, d)
	}
	if len(out) == 0 {
		return []CueErrorDetail{{Code: "validation_error", Message: err.Error()}}
	}
	return out
}

func detail(raw, path string) CueErrorDetail {
	field := path[strings.LastIndexByte(path, '.')+1:]
	for _, r := range rules {
		if !r.re.MatchString(raw) {
			continue
		}
		d := CueErrorDetail{Path: path, Code: r.code, Message: fmt.Sprintf(r.format, field)}
		if r.code == "conflicting_values" || r.code == "invalid_enum" {
			d.Message += choices(path)
		}
		return d
	}
	return CueErrorDetail{Path: path, Code: "validation_error", Message: raw}
}

// choices lists the string disjunction of a schema field, if it is one
func choices(path string) string {
	v := schema
	if path != "" {
		v = schema.LookupPath(cue.ParsePath(path))
	}
	if !v.Exists() {
		return ""
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return ""
	}
	var values []string
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	if len(values) < 2 {
		return ""
	}
	msg := ": possible values (" + strings.Join(values, ",") + ")"
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			msg += " (default " + s + ")"
		}
	}
	return msg
}

func filePos(err cueerrors.Error) (token.Pos, bool) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return p, true
		}
	}
	return token.NoPos, false
}

// schemaPath drops the leading #Config definition
func schemaPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
