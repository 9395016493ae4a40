package validate

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/CZERTAINLY/mediagate/internal/model"
)

// metaChars are shell metacharacters rejected in structural fields
const metaChars = ";&|`$()"

var reservedNames = func() []string {
	names := []string{"con", "prn", "aux", "nul"}
	for i := '1'; i <= '9'; i++ {
		names = append(names, "com"+string(i), "lpt"+string(i))
	}
	return names
}()

var replacer = strings.NewReplacer("<", "_", ">", "_", ":", "_", `"`, "_", "?", "_", "*", "_")

// filename validates an output file name and returns it with an extension
// matching format. An empty value is not an error.
func (v *Validator) filename(path, raw string, format model.Format, verr *model.ValidationError) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !utf8.ValidString(s) {
		verr.Add(path, "invalid_encoding", "must be valid UTF-8")
		return ""
	}

	ok := true
	fail := func(code, msg string) {
		verr.Add(path, code, msg)
		ok = false
	}
	if strings.ContainsFunc(s, unicode.IsControl) {
		fail("control_character", "must not contain control characters")
	}
	if strings.ContainsAny(s, `/\`) {
		fail("path_separator", "must not contain path separators")
	}
	if strings.Contains(s, "..") {
		fail("path_traversal", "must not contain ..")
	}
	if strings.HasPrefix(s, ".") {
		fail("hidden_file", "must not start with a dot")
	}
	if strings.HasPrefix(s, "-") {
		fail("leading_dash", "must not start with a dash")
	}
	if strings.ContainsAny(s, metaChars) {
		fail("metacharacter", "must not contain shell metacharacters")
	}
	if !ok {
		return ""
	}

	s = strings.TrimRight(replacer.Replace(s), ". ")
	stem, ext := s, ""
	if i := strings.LastIndexByte(s, '.'); i > 0 {
		stem, ext = s[:i], strings.ToLower(s[i+1:])
	}
	if ext != "" {
		if !slices.Contains(model.Formats(), model.Format(ext)) {
			fail("extension_not_allowed", "extension is not allowed")
		} else if format != "" && model.Format(ext) != format {
			fail("extension_mismatch", "extension must match the format")
		}
	}
	stem = strings.TrimRight(stem, ". ")
	if stem == "" {
		fail("invalid_filename", "must not be empty")
	}
	base, _, _ := strings.Cut(stem, ".")
	if slices.Contains(reservedNames, strings.ToLower(strings.TrimSpace(base))) {
		fail("reserved_name", "must not be a reserved device name")
	}
	if !ok {
		return ""
	}

	name := stem + "." + string(format)
	if len(name) > v.limits.MaxFilename {
		verr.Addf(path, "too_long", "must be at most %d bytes", v.limits.MaxFilename)
		return ""
	}
	return name
}
