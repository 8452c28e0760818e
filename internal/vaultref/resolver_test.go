package vaultref

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/moonmind-dev/moonmind/internal/redact"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    Reference
		wantErr string
	}{
		{
			name: "valid",
			ref:  "vault://secrets/github/repo-bot#token",
			want: Reference{Mount: "secrets", Path: "github/repo-bot", Field: "token"},
		},
		{
			name: "single segment path",
			ref:  "vault://kv/bot#pat",
			want: Reference{Mount: "kv", Path: "bot", Field: "pat"},
		},
		{name: "missing scheme", ref: "secrets/github#token", wantErr: "missing vault:// scheme"},
		{name: "missing field", ref: "vault://secrets/github", wantErr: "missing #field"},
		{name: "empty field", ref: "vault://secrets/github#", wantErr: "missing #field"},
		{name: "missing path", ref: "vault://secrets#token", wantErr: "missing mount or path"},
		{name: "traversal", ref: "vault://secrets/../sys#token", wantErr: "path traversal forbidden"},
		{name: "bad mount", ref: "vault://se crets/github#token", wantErr: "invalid mount"},
		{name: "bad field", ref: "vault://secrets/github#to ken", wantErr: "invalid field"},
		{name: "too long", ref: "vault://m/" + strings.Repeat("a", 600) + "#f", wantErr: "reference too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReference(tt.ref)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("want error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func newTestResolver(t *testing.T, handler http.HandlerFunc, mounts []string) (*Resolver, *redact.Redactor) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r := redact.New("")
	return NewResolver(srv.URL, "test-vault-token", "", mounts, 5*time.Second, r), r
}

func TestResolveSuccess(t *testing.T) {
	var gotPath, gotToken string
	resolver, redactor := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotToken = req.Header.Get("X-Vault-Token")
		w.Write([]byte(`{"data":{"data":{"token":"ghp_resolved123","username":"bot-user"}}}`))
	}, []string{"secrets"})

	cred, err := resolver.Resolve(context.Background(), "vault://secrets/github/bot#token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v1/secrets/data/github/bot" {
		t.Errorf("request path = %q", gotPath)
	}
	if gotToken != "test-vault-token" {
		t.Errorf("vault token header = %q", gotToken)
	}
	if cred.Token != "ghp_resolved123" {
		t.Errorf("token = %q", cred.Token)
	}
	if cred.Username != "bot-user" {
		t.Errorf("username = %q", cred.Username)
	}
	if cred.Host != "github.com" {
		t.Errorf("host = %q", cred.Host)
	}
	if got := redactor.Scrub("leak ghp_resolved123"); strings.Contains(got, "ghp_resolved123") {
		t.Errorf("resolved token was not registered with the redactor: %q", got)
	}
}

func TestResolveDefaults(t *testing.T) {
	resolver, _ := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"data":{"data":{"token":"tok-value-1"}}}`))
	}, []string{"secrets"})

	cred, err := resolver.Resolve(context.Background(), "vault://secrets/github/bot#token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Username != "x-access-token" {
		t.Errorf("default username = %q", cred.Username)
	}
}

func TestResolveMountNotAllowed(t *testing.T) {
	resolver, _ := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		t.Error("server should not be called")
	}, []string{"secrets"})

	_, err := resolver.Resolve(context.Background(), "vault://other/github/bot#token")
	if err == nil || !strings.Contains(err.Error(), "not allowed") {
		t.Fatalf("want mount rejection, got %v", err)
	}
}

func TestResolveErrorsCarryNoSecretMaterial(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, req *http.Request) {
				http.Error(w, `{"errors":["secret sauce"]}`, http.StatusForbidden)
			},
			wantErr: "resolution failed",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, req *http.Request) {
				w.Write([]byte(`not-json`))
			},
			wantErr: "malformed data",
		},
		{
			name: "missing field",
			handler: func(w http.ResponseWriter, req *http.Request) {
				w.Write([]byte(`{"data":{"data":{"other":"value"}}}`))
			},
			wantErr: "field empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, _ := newTestResolver(t, tt.handler, []string{"secrets"})
			_, err := resolver.Resolve(context.Background(), "vault://secrets/github/bot#token")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want %q, got %v", tt.wantErr, err)
			}
			if strings.Contains(err.Error(), "secret sauce") {
				t.Errorf("error leaked response body: %v", err)
			}
		})
	}
}

func TestResolveNotConfigured(t *testing.T) {
	r := &Resolver{}
	_, err := r.Resolve(context.Background(), "vault://secrets/github/bot#token")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("want configuration error, got %v", err)
	}
}
