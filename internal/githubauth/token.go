// Package githubauth mints GitHub App installation tokens for repository
// access when a task carries no explicit auth reference.
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
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/moonmind-dev/moonmind/internal/redact"
)

// renewMargin forces a refresh this long before the installation token
// actually expires.
const renewMargin = 5 * time.Minute

// Source mints and caches installation tokens for one App installation.
type Source struct {
	AppID          string
	InstallationID string
	PrivateKeyFile string
	Redactor       *redact.Redactor

	// BaseURL overrides the GitHub API endpoint in tests.
	BaseURL string

	mu      sync.Mutex
	now     func() time.Time
	token   string
	expires time.Time
}

// NewSource builds a Source. Configured reports whether it can mint tokens.
func NewSource(appID, installationID, privateKeyFile string, r *redact.Redactor) *Source {
	return &Source{
		AppID:          appID,
		InstallationID: installationID,
		PrivateKeyFile: privateKeyFile,
		Redactor:       r,
		now:            time.Now,
	}
}

// Configured reports whether all three App settings are present.
func (s *Source) Configured() bool {
	return s != nil && s.AppID != "" && s.InstallationID != "" && s.PrivateKeyFile != ""
}

// Token returns a valid installation token, minting a fresh one when the
// cached token is absent or close to expiry.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires.Add(-renewMargin)) {
		return s.token, nil
	}

	jwt, err := s.appJWT()
	if err != nil {
		return "", fmt.Errorf("building app JWT: %w", err)
	}

	installationID, err := strconv.ParseInt(s.InstallationID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid installation id %q: %w", s.InstallationID, err)
	}

	client := github.NewClient(&http.Client{
		Timeout:   30 * time.Second,
		Transport: &bearerTransport{token: jwt},
	})
	if s.BaseURL != "" {
		client, err = client.WithEnterpriseURLs(s.BaseURL, s.BaseURL)
		if err != nil {
			return "", fmt.Errorf("configuring API endpoint: %w", err)
		}
	}

	tok, _, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", fmt.Errorf("creating installation token: %w", err)
	}

	s.token = tok.GetToken()
	s.expires = tok.GetExpiresAt().Time
	if s.Redactor != nil {
		s.Redactor.Register(s.token)
	}
	return s.token, nil
}

// appJWT signs a short-lived RS256 JWT with the App private key. Issued-at is
// backdated 60s to absorb clock skew.
func (s *Source) appJWT() (string, error) {
	key, err := loadPrivateKey(s.PrivateKeyFile)
	if err != nil {
		return "", err
	}

	now := s.now()
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": s.AppID,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signing := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)
	digest := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("private key file is not PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

type bearerTransport struct {
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}
