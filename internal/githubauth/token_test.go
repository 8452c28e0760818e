package githubauth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moonmind-dev/moonmind/internal/redact"
)

func writeTestKey(t *testing.T, pkcs8 bool) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if pkcs8 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatal(err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	} else {
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	}
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, key
}

func TestConfigured(t *testing.T) {
	tests := []struct {
		name   string
		source *Source
		want   bool
	}{
		{"all set", NewSource("12345", "77", "/tmp/key.pem", nil), true},
		{"missing app id", NewSource("", "77", "/tmp/key.pem", nil), false},
		{"missing installation", NewSource("12345", "", "/tmp/key.pem", nil), false},
		{"missing key file", NewSource("12345", "77", "", nil), false},
		{"nil source", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.source.Configured(); got != tt.want {
				t.Errorf("Configured = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenMintsAndCaches(t *testing.T) {
	keyFile, key := writeTestKey(t, false)

	var hits int
	var gotJWT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/app/installations/77/access_tokens") {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		hits++
		gotJWT = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		w.Write([]byte(`{"token":"ghs_minted_1234","expires_at":"` + expires + `"}`))
	}))
	defer srv.Close()

	r := redact.New("")
	src := NewSource("12345", "77", keyFile, r)
	src.BaseURL = srv.URL

	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "ghs_minted_1234" {
		t.Errorf("token = %q", tok)
	}
	if scrubbed := r.Scrub("leak ghs_minted_1234 here"); strings.Contains(scrubbed, "ghs_minted") {
		t.Errorf("minted token not registered with redactor: %q", scrubbed)
	}

	verifyAppJWT(t, gotJWT, &key.PublicKey, "12345")

	// A second call inside the renewal margin reuses the cache.
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
}

func TestTokenRefreshesNearExpiry(t *testing.T) {
	keyFile, _ := writeTestKey(t, false)

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		// Expiry inside the renewal margin forces a refresh next call.
		expires := time.Now().Add(2 * time.Minute).UTC().Format(time.RFC3339)
		w.Write([]byte(`{"token":"ghs_short","expires_at":"` + expires + `"}`))
	}))
	defer srv.Close()

	src := NewSource("12345", "77", keyFile, nil)
	src.BaseURL = srv.URL

	for i := 0; i < 2; i++ {
		if _, err := src.Token(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if hits != 2 {
		t.Errorf("server hits = %d, want 2", hits)
	}
}

func TestTokenInvalidInstallationID(t *testing.T) {
	keyFile, _ := writeTestKey(t, false)
	src := NewSource("12345", "not-a-number", keyFile, nil)
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatal("invalid installation id accepted")
	}
}

func TestLoadPrivateKey(t *testing.T) {
	pkcs1, _ := writeTestKey(t, false)
	if _, err := loadPrivateKey(pkcs1); err != nil {
		t.Errorf("PKCS1 key rejected: %v", err)
	}

	pkcs8, _ := writeTestKey(t, true)
	if _, err := loadPrivateKey(pkcs8); err != nil {
		t.Errorf("PKCS8 key rejected: %v", err)
	}

	notPEM := filepath.Join(t.TempDir(), "junk.pem")
	if err := os.WriteFile(notPEM, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadPrivateKey(notPEM); err == nil || !strings.Contains(err.Error(), "PEM") {
		t.Errorf("non-PEM file accepted: %v", err)
	}

	if _, err := loadPrivateKey(filepath.Join(t.TempDir(), "absent.pem")); err == nil {
		t.Error("missing file accepted")
	}
}

// verifyAppJWT checks the three-part structure, the RS256 signature, and the
// issuer claim of the JWT presented to the token endpoint.
func verifyAppJWT(t *testing.T, jwt string, pub *rsa.PublicKey, wantIssuer string) {
	t.Helper()
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		t.Fatalf("JWT has %d parts", len(parts))
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature invalid: %v", err)
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	var claims struct {
		Iss string `json:"iss"`
		Iat int64  `json:"iat"`
		Exp int64  `json:"exp"`
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("parsing claims: %v", err)
	}
	if claims.Iss != wantIssuer {
		t.Errorf("iss = %q, want %q", claims.Iss, wantIssuer)
	}
	if claims.Iat >= claims.Exp {
		t.Errorf("iat %d not before exp %d", claims.Iat, claims.Exp)
	}
	now := time.Now().Unix()
	if claims.Iat > now {
		t.Errorf("iat %d in the future", claims.Iat)
	}
}
