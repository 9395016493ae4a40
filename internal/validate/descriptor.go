package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"net/textproto"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/CZERTAINLY/mediagate/internal/model"
)

var (
	errTooDeep  = errors.New("too deep")
	errNoObject = errors.New("not an object")
)

var reHeaderName = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

var reDangerous = regexp.MustCompile(`(?i)(\.\./|\.\.\\|file:|javascript:|data:|vbscript:|ftp://)`)

// dropped are hop by hop and framing headers, which are never forwarded
var dropped = []string{
	"Connection",
	"Content-Length",
	"Cookie",
	"Host",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// payload are descriptor keys validated by dedicated rules
var payload = []string{
	"url", "headers", "cookies", "referer", "pageUrl", "userAgent",
	"sourceType", "quality", "format", "filename", "options", "info",
}

// descriptor decodes the browser extension JSON. The document must be
// an object, optionally wrapping the media description in an info object,
// in which case the keys beside info are ignored.
func (v *Validator) descriptor(raw []byte, verr *model.ValidationError) fields {
	const path = "descriptor"
	broken := fields{broken: true}
	switch {
	case len(bytes.TrimSpace(raw)) == 0:
		verr.Add(path, "required", "is required")
		return broken
	case len(raw) > v.limits.MaxDescriptor:
		verr.Addf(path, "too_large", "must be at most %d bytes", v.limits.MaxDescriptor)
		return broken
	case !utf8.Valid(raw):
		verr.Add(path, "invalid_encoding", "must be valid UTF-8")
		return broken
	}
	switch err := checkDepth(raw, v.limits.MaxDepth); {
	case errors.Is(err, errTooDeep):
		verr.Addf(path, "too_deep", "must be nested at most %d levels", v.limits.MaxDepth)
		return broken
	case errors.Is(err, errNoObject):
		verr.Add(path, "invalid_type", "must be a JSON object")
		return broken
	case err != nil:
		verr.Add(path, "invalid_json", "is not a valid JSON document")
		return broken
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		verr.Add(path, "invalid_json", "is not a valid JSON document")
		return broken
	}

	media, prefix := doc, ""
	if info, ok := doc["info"]; ok {
		obj, ok := info.(map[string]any)
		if !ok {
			verr.Add("info", "invalid_type", "must be an object")
			return broken
		}
		// the other top level keys are dropped, only a missing url is taken
		media, prefix = obj, "info."
		if _, ok := media["url"]; !ok {
			if u, ok := doc["url"]; ok {
				media["url"] = u
			}
		}
	}
	v.leaves(strings.TrimSuffix(prefix, "."), without(media, payload...), verr)

	var in fields
	in.url = v.str(prefix+"url", media["url"], verr)
	in.urlPath = prefix + "url"
	if h, ok := media["headers"]; ok {
		in.headers = v.headers(prefix+"headers", h, verr)
	}
	if c, ok := media["cookies"]; ok {
		in.cookies = v.cookies(prefix+"cookies", c, verr)
	}
	if ua, ok := media["userAgent"]; ok {
		in.userAgent = v.userAgent(prefix+"userAgent", ua, verr)
	}
	in.referer = strings.TrimSpace(v.str(prefix+"referer", media["referer"], verr))
	in.refererPath = prefix + "referer"
	if page := strings.TrimSpace(v.str(prefix+"pageUrl", media["pageUrl"], verr)); page != "" {
		if in.referer == "" {
			in.referer, in.refererPath = page, prefix+"pageUrl"
		} else {
			_, _ = v.url(context.Background(), prefix+"pageUrl", page, false, verr)
		}
	}
	in.sourceType = v.str(prefix+"sourceType", media["sourceType"], verr)

	top := model.RawOptions{
		Quality:  v.token(prefix+"quality", media["quality"], verr),
		Format:   v.token(prefix+"format", media["format"], verr),
		Filename: v.token(prefix+"filename", media["filename"], verr),
	}
	var nested model.RawOptions
	if o, ok := media["options"]; ok {
		nested = v.rawOptions(prefix+"options", o, verr)
	}
	in.options = nested.Merge(top)
	return in
}

// checkDepth walks the tokens without decoding, so too deep documents
// are rejected at a bounded cost. The document must be a single object.
func checkDepth(raw []byte, max int) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	first := true
	done := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if !done {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			return err
		}
		if done {
			return errors.New("trailing data")
		}
		d, ok := tok.(json.Delim)
		if first && (!ok || d != '{') {
			return errNoObject
		}
		first = false
		if !ok {
			continue
		}
		switch d {
		case '{', '[':
			depth++
			if depth > max {
				return errTooDeep
			}
		case '}', ']':
			depth--
			if depth == 0 {
				done = true
			}
		}
	}
}

// leaves checks every string leaf and key of metadata fields
func (v *Validator) leaves(path string, value any, verr *model.ValidationError) {
	join := func(key string) string {
		if path == "" {
			return key
		}
		return path + "." + key
	}
	switch x := value.(type) {
	case string:
		v.leaf(path, x, verr)
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(x)) {
			if strings.ContainsFunc(k, unicode.IsControl) || strings.ContainsAny(k, metaChars) {
				verr.Add(path, "invalid_key", "keys must not contain control or shell metacharacters")
				continue
			}
			v.leaves(join(k), x[k], verr)
		}
	case []any:
		for i, e := range x {
			v.leaves(path+"["+strconv.Itoa(i)+"]", e, verr)
		}
	}
}

func (v *Validator) leaf(path, s string, verr *model.ValidationError) {
	switch {
	case strings.ContainsFunc(s, unicode.IsControl):
		verr.Add(path, "control_character", "must not contain control characters")
	case strings.ContainsAny(s, metaChars):
		verr.Add(path, "metacharacter", "must not contain shell metacharacters")
	case reDangerous.MatchString(s):
		verr.Add(path, "dangerous_pattern", "must not contain path traversal or script URLs")
	case strings.HasSuffix(path, "title") && len(s) > v.limits.MaxTitle:
		verr.Addf(path, "too_long", "must be at most %d bytes", v.limits.MaxTitle)
	}
}

func (v *Validator) str(path string, value any, verr *model.ValidationError) string {
	switch x := value.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		verr.Add(path, "invalid_type", "must be a string")
		return ""
	}
}

func (v *Validator) token(path string, value any, verr *model.ValidationError) model.Token {
	switch x := value.(type) {
	case nil:
		return ""
	case string:
		return model.Token(x)
	case json.Number:
		return model.Token(x.String())
	case bool:
		return model.Token(strconv.FormatBool(x))
	default:
		verr.Add(path, "invalid_type", "must be a string or a number")
		return ""
	}
}

func (v *Validator) rawOptions(path string, value any, verr *model.ValidationError) model.RawOptions {
	var opts model.RawOptions
	if _, ok := value.(map[string]any); !ok {
		verr.Add(path, "invalid_type", "must be an object")
		return opts
	}
	b, err := json.Marshal(value)
	if err == nil {
		err = json.Unmarshal(b, &opts)
	}
	if err != nil {
		verr.Add(path, "invalid_type", "has a value of a wrong type")
		return model.RawOptions{}
	}
	return opts
}

// headers returns canonical header names mapped to values, nil if empty
func (v *Validator) headers(path string, value any, verr *model.ValidationError) map[string]string {
	obj, ok := value.(map[string]any)
	if !ok {
		verr.Add(path, "invalid_type", "must be an object of strings")
		return nil
	}
	if len(obj) > v.limits.MaxHeaders {
		verr.Addf(path, "too_many", "must have at most %d entries", v.limits.MaxHeaders)
		return nil
	}
	var out map[string]string
	for _, name := range slices.Sorted(maps.Keys(obj)) {
		p := path + "." + name
		if !reHeaderName.MatchString(name) {
			verr.Add(path, "invalid_header_name", "header names must be tokens of letters, digits and dashes")
			continue
		}
		s, ok := obj[name].(string)
		if !ok {
			verr.Add(p, "invalid_type", "must be a string")
			continue
		}
		if len(s) > v.limits.MaxHeaderValue {
			verr.Addf(p, "too_long", "must be at most %d bytes", v.limits.MaxHeaderValue)
			continue
		}
		if strings.ContainsFunc(s, unicode.IsControl) {
			verr.Add(p, "control_character", "must not contain control characters")
			continue
		}
		canonical := textproto.CanonicalMIMEHeaderKey(name)
		if slices.Contains(dropped, canonical) || strings.HasPrefix(canonical, "Proxy-") {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[canonical] = strings.TrimSpace(s)
	}
	return out
}

func (v *Validator) cookies(path string, value any, verr *model.ValidationError) string {
	s, ok := value.(string)
	if !ok {
		verr.Add(path, "invalid_type", "must be a string")
		return ""
	}
	if len(s) > v.limits.MaxCookies {
		verr.Addf(path, "too_long", "must be at most %d bytes", v.limits.MaxCookies)
		return ""
	}
	if strings.ContainsFunc(s, unicode.IsControl) {
		verr.Add(path, "control_character", "must not contain CR, LF, NUL or other control characters")
		return ""
	}
	return strings.TrimSpace(s)
}

func (v *Validator) userAgent(path string, value any, verr *model.ValidationError) string {
	s, ok := value.(string)
	if !ok {
		verr.Add(path, "invalid_type", "must be a string")
		return ""
	}
	s = strings.TrimSpace(s)
	if len(s) > v.limits.MaxUserAgent {
		verr.Addf(path, "too_long", "must be at most %d bytes", v.limits.MaxUserAgent)
		return ""
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e || strings.IndexByte("`$|\\\"<>", c) >= 0 {
			verr.Add(path, "invalid_character", "must be printable ASCII without shell metacharacters")
			return ""
		}
	}
	return s
}

func without(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !slices.Contains(keys, k) {
			out[k] = v
		}
	}
	return out
}
