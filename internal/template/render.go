// Package template implements placeholder substitution for campaign
// email bodies and subjects. Templates use {{Key}} markers; keys are
// matched against the recipient's variable snapshot, tolerating the
// messy casing and spacing of keys that come from uploaded sheets.
package template

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)

// Render substitutes every {{Key}} placeholder in tpl with the
// matching value from vars. Lookup is exact first, then normalized
// (case-folded, whitespace and underscores collapsed). Placeholders
// with no match are left verbatim so authors can see which fields
// failed to resolve. Substituted values are never re-scanned, so
// rendering already-rendered output is a no-op.
func Render(tpl string, vars map[string]string) string {
	if tpl == "" || !strings.Contains(tpl, "{{") {
		return tpl
	}

	var normalized map[string]string // built lazily on first miss
	return placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		if v, ok := vars[key]; ok {
			return v
		}
		if normalized == nil {
			normalized = normalizeKeys(vars)
		}
		if v, ok := normalized[normalizeKey(key)]; ok {
			return v
		}
		return match
	})
}

// normalizeKey folds a key for fuzzy matching: lowercase, underscores
// treated as spaces, runs of whitespace collapsed, edges trimmed.
func normalizeKey(key string) string {
	lower := strings.ToLower(key)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return r == '_' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	return strings.Join(fields, " ")
}

func normalizeKeys(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		nk := normalizeKey(k)
		if _, exists := out[nk]; !exists {
			out[nk] = v
		}
	}
	return out
}
