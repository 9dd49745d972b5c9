package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPlaceholder replaces matched secrets unless configured otherwise.
const DefaultPlaceholder = "***REDACTED***"

// Rule is one secret shape: a named regexp and the placeholder that
// substitutes its matches.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Placeholder string
}

// Redactor masks secrets in outbound strings and captured child output.
type Redactor struct {
	rules       []Rule
	placeholder string
	aggressive  bool
}

// contextKeys gate the generic long-token rule: a bare 32+ char run is only
// masked when a nearby JSON key suggests it is a credential.
var contextKeys = []string{"token", "secret", "key", "password", "credential", "auth"}

var genericTokenRe = regexp.MustCompile(`\b[A-Za-z0-9+/=_\-]{32,}\b`)

// DefaultRules returns the built-in credential shapes.
func DefaultRules(placeholder string) []Rule {
	mk := func(name, expr string) Rule {
		return Rule{Name: name, Pattern: regexp.MustCompile(expr), Placeholder: placeholder}
	}
	return []Rule{
		mk("github_token", `\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
		mk("openai_key", `\bsk-[A-Za-z0-9_\-]{20,}\b`),
		mk("aws_access_key", `\bAKIA[0-9A-Z]{16}\b`),
		mk("slack_token", `\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`),
		mk("bearer", `(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`),
	}
}

// New builds a redactor from rules. An empty placeholder falls back to the
// default.
func New(placeholder string, extra ...Rule) *Redactor {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	rules := DefaultRules(placeholder)
	rules = append(rules, extra...)
	return &Redactor{rules: rules, placeholder: placeholder}
}

// CompileRule builds a custom rule from a config pattern.
func CompileRule(name, expr, placeholder string) (Rule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("secrets pattern %q: %w", name, err)
	}
	return Rule{Name: name, Pattern: re, Placeholder: placeholder}, nil
}

// Placeholder returns the configured substitution string.
func (r *Redactor) Placeholder() string { return r.placeholder }

// SetAggressive widens the generic long-token rule to every string field,
// not just those under credential-looking keys (--secrets-scan).
func (r *Redactor) SetAggressive(on bool) { r.aggressive = on }

// String masks secrets in a single string. The key of the field the string
// came from (may be empty) feeds the context-keyword rule.
func (r *Redactor) String(key, s string) (string, bool) {
	changed := false
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(s) {
			s = rule.Pattern.ReplaceAllString(s, rule.Placeholder)
			changed = true
		}
	}
	if (r.aggressive || keyLooksSecret(key)) && genericTokenRe.MatchString(s) {
		masked := genericTokenRe.ReplaceAllString(s, r.placeholder)
		if masked != s {
			s = masked
			changed = true
		}
	}
	return s, changed
}

// Value walks any decoded JSON value and masks every string field.
// Objects that had a field masked gain "redacted": true. Idempotent: the
// placeholder never matches any rule, so a second pass is a no-op.
func (r *Redactor) Value(v any) (any, bool) {
	return r.walk("", v)
}

// Bytes redacts a JSON document in place. Non-JSON input is treated as one
// opaque string.
func (r *Redactor) Bytes(data []byte) ([]byte, bool) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		masked, changed := r.String("", string(data))
		return []byte(masked), changed
	}
	out, changed := r.walk("", v)
	enc, err := json.Marshal(out)
	if err != nil {
		return data, false
	}
	return enc, changed
}

func (r *Redactor) walk(key string, v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return r.String(key, t)
	case map[string]any:
		changed := false
		for k, elem := range t {
			if k == "prev_mac" || k == "mac" {
				continue
			}
			masked, c := r.walk(k, elem)
			if c {
				t[k] = masked
				changed = true
			}
		}
		if changed {
			t["redacted"] = true
		}
		return t, changed
	case []any:
		changed := false
		for i, elem := range t {
			masked, c := r.walk(key, elem)
			if c {
				t[i] = masked
				changed = true
			}
		}
		return t, changed
	default:
		return v, false
	}
}

func keyLooksSecret(key string) bool {
	if key == "" {
		return false
	}
	lower := strings.ToLower(key)
	for _, k := range contextKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
