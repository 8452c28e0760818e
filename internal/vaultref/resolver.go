// Package vaultref resolves vault://<mount>/<path>#<field> references to
// GitHub auth material via the Vault KV-v2 HTTP API.
package vaultref

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/moonmind-dev/moonmind/internal/redact"
)

const (
	scheme       = "vault://"
	maxRefLength = 512

	defaultUsername = "x-access-token"
	defaultHost     = "github.com"
)

var (
	mountPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	fieldPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	pathPattern  = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

// ReferenceError reports a malformed or unresolvable secret reference. The
// message never carries secret material.
type ReferenceError struct {
	Reason string
}

func (e *ReferenceError) Error() string {
	return "secret reference: " + e.Reason
}

// Reference is a parsed vault:// pointer.
type Reference struct {
	Mount string
	Path  string
	Field string
}

// Credential is the resolved GitHub auth material.
type Credential struct {
	Token     string
	Username  string
	Host      string
	SourceRef string
}

// ParseReference validates and splits a vault:// reference.
func ParseReference(ref string) (Reference, error) {
	if len(ref) > maxRefLength {
		return Reference{}, &ReferenceError{Reason: "reference too long"}
	}
	if !strings.HasPrefix(ref, scheme) {
		return Reference{}, &ReferenceError{Reason: "missing vault:// scheme"}
	}
	rest := strings.TrimPrefix(ref, scheme)

	rest, field, ok := cutLast(rest, "#")
	if !ok || field == "" {
		return Reference{}, &ReferenceError{Reason: "missing #field"}
	}
	mount, path, ok := strings.Cut(rest, "/")
	if !ok || mount == "" || path == "" {
		return Reference{}, &ReferenceError{Reason: "missing mount or path"}
	}

	if !mountPattern.MatchString(mount) {
		return Reference{}, &ReferenceError{Reason: "invalid mount"}
	}
	if !fieldPattern.MatchString(field) {
		return Reference{}, &ReferenceError{Reason: "invalid field"}
	}
	if !pathPattern.MatchString(path) {
		return Reference{}, &ReferenceError{Reason: "invalid path"}
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return Reference{}, &ReferenceError{Reason: "path traversal forbidden"}
		}
	}

	return Reference{Mount: mount, Path: path, Field: field}, nil
}

// Resolver reads KV-v2 secrets over HTTP.
type Resolver struct {
	Addr          string
	Token         string
	Namespace     string
	AllowedMounts []string
	Client        *http.Client
	Redactor      *redact.Redactor
}

// NewResolver builds a Resolver with the given timeout.
func NewResolver(addr, token, namespace string, allowedMounts []string, timeout time.Duration, r *redact.Redactor) *Resolver {
	return &Resolver{
		Addr:          strings.TrimRight(addr, "/"),
		Token:         token,
		Namespace:     namespace,
		AllowedMounts: allowedMounts,
		Client:        &http.Client{Timeout: timeout},
		Redactor:      r,
	}
}

// Enabled reports whether the resolver is configured to talk to Vault.
func (r *Resolver) Enabled() bool {
	return r != nil && r.Addr != ""
}

// Resolve fetches the referenced field. The resolved token is registered with
// the redactor before it is returned to any caller.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Credential, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}
	if !r.Enabled() {
		return nil, &ReferenceError{Reason: "vault resolver not configured"}
	}
	if !r.mountAllowed(parsed.Mount) {
		return nil, &ReferenceError{Reason: fmt.Sprintf("mount %q not allowed", parsed.Mount)}
	}

	url := fmt.Sprintf("%s/v1/%s/data/%s", r.Addr, parsed.Mount, parsed.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ReferenceError{Reason: "resolution failed"}
	}
	req.Header.Set("X-Vault-Token", r.Token)
	if r.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", r.Namespace)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, &ReferenceError{Reason: "resolution failed"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ReferenceError{Reason: fmt.Sprintf("resolution failed (status %d)", resp.StatusCode)}
	}

	var body struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Data.Data == nil {
		return nil, &ReferenceError{Reason: "malformed data"}
	}

	token := stringField(body.Data.Data, parsed.Field)
	if token == "" {
		return nil, &ReferenceError{Reason: "field empty"}
	}

	cred := &Credential{
		Token:     token,
		Username:  defaultUsername,
		Host:      defaultHost,
		SourceRef: ref,
	}
	if v := stringField(body.Data.Data, "username"); v != "" {
		cred.Username = v
	}
	if v := stringField(body.Data.Data, "host"); v != "" {
		cred.Host = v
	}

	if r.Redactor != nil {
		r.Redactor.Register(cred.Token)
	}
	return cred, nil
}

func (r *Resolver) mountAllowed(mount string) bool {
	for _, m := range r.AllowedMounts {
		if m == mount {
			return true
		}
	}
	return false
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
