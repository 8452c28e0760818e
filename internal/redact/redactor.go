// Package redact scrubs secret material from outbound text.
package redact

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// DefaultPlaceholder replaces every matched secret variant.
const DefaultPlaceholder = "[REDACTED]"

// minSecretLen guards against scrubbing trivially short values that would
// mangle ordinary text.
const minSecretLen = 4

var sensitiveKey = regexp.MustCompile(`(?i)token|secret|password|key|credential|auth`)

// Redactor holds an ordered set of secret variants and replaces each of them
// with a placeholder. Registration is append-only; Scrub is safe for
// concurrent use.
type Redactor struct {
	placeholder string

	mu       sync.RWMutex
	variants []string
	seen     map[string]struct{}
	maxLen   int
}

// New returns a Redactor with the given placeholder, or DefaultPlaceholder
// when empty.
func New(placeholder string) *Redactor {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	return &Redactor{
		placeholder: placeholder,
		seen:        make(map[string]struct{}),
	}
}

// FromEnvironment builds a Redactor seeded with the values of every
// environment entry whose key looks credential-bearing.
func FromEnvironment(environ []string) *Redactor {
	r := New("")
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || value == "" {
			continue
		}
		if sensitiveKey.MatchString(key) {
			r.Register(value)
		}
	}
	return r
}

// Register adds a secret and its base64 and URL-encoded variants.
func (r *Redactor) Register(secret string) {
	if len(secret) < minSecretLen {
		return
	}
	variants := []string{
		secret,
		base64.StdEncoding.EncodeToString([]byte(secret)),
	}
	if escaped := url.QueryEscape(secret); escaped != secret {
		variants = append(variants, escaped)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range variants {
		if _, dup := r.seen[v]; dup {
			continue
		}
		r.seen[v] = struct{}{}
		r.variants = append(r.variants, v)
		if len(v) > r.maxLen {
			r.maxLen = len(v)
		}
	}
	// Longest first so a secret is never half-replaced by a shorter variant
	// that happens to be its prefix.
	sort.Slice(r.variants, func(i, j int) bool {
		return len(r.variants[i]) > len(r.variants[j])
	})
}

// Scrub replaces every registered variant in s with the placeholder.
func (r *Redactor) Scrub(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.variants {
		s = strings.ReplaceAll(s, v, r.placeholder)
	}
	return s
}

// ScrubStructured walks maps and slices recursively, redacting string leaves.
// Non-string leaves are returned unchanged.
func (r *Redactor) ScrubStructured(value any) any {
	switch v := value.(type) {
	case string:
		return r.Scrub(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.ScrubStructured(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.ScrubStructured(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = r.Scrub(item)
		}
		return out
	default:
		return value
	}
}

// MaxSecretLen reports the longest registered variant. Stream consumers use
// it to size the carry buffer that catches secrets split across chunks.
func (r *Redactor) MaxSecretLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxLen
}

// Placeholder returns the replacement string.
func (r *Redactor) Placeholder() string {
	return r.placeholder
}
