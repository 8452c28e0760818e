// Package skills resolves named skill bundles, enforces the worker
// allowlist, and materializes selected skills into a job workspace.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Manifest describes one installed skill bundle. A skill directory may carry
// a manifest.json; without one the whole directory is materialized as-is.
type Manifest struct {
	ID      string            `json:"id"`
	Version string            `json:"version,omitempty"`
	Files   map[string]string `json:"files,omitempty"` // relative path -> sha256
}

// Resolver locates skill bundles under a fixed source directory.
type Resolver struct {
	SourceDir string
}

// NewResolver builds a Resolver.
func NewResolver(sourceDir string) *Resolver {
	return &Resolver{SourceDir: sourceDir}
}

// Allowed reports whether a skill id passes the worker allowlist. Entries may
// be glob patterns. Permissive mode accepts everything.
func Allowed(id string, allowlist []string, permissive bool) bool {
	if permissive {
		return true
	}
	for _, pattern := range allowlist {
		if ok, err := doublestar.Match(pattern, id); err == nil && ok {
			return true
		}
	}
	return false
}

// Resolve checks that the skill bundle exists and loads its manifest when
// present.
func (r *Resolver) Resolve(id string) (*Manifest, error) {
	dir := filepath.Join(r.SourceDir, id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("skill %q not installed under %s", id, r.SourceDir)
	}

	manifest := &Manifest{ID: id}
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err == nil {
		if err := json.Unmarshal(data, manifest); err != nil {
			return nil, fmt.Errorf("parsing manifest for skill %q: %w", id, err)
		}
		manifest.ID = id
	}
	return manifest, nil
}

// Materialize copies the skill bundle into destDir/<id>, verifying file
// digests when the manifest declares them.
func (r *Resolver) Materialize(manifest *Manifest, destDir string) (string, error) {
	src := filepath.Join(r.SourceDir, manifest.ID)
	dest := filepath.Join(destDir, manifest.ID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("creating skill dir: %w", err)
	}

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if want, ok := manifest.Files[filepath.ToSlash(rel)]; ok {
			got, err := fileDigest(path)
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("skill %q file %s failed signature verification", manifest.ID, rel)
			}
		}
		return copyFile(path, target, info.Mode())
	})
	if err != nil {
		return "", fmt.Errorf("materializing skill %q: %w", manifest.ID, err)
	}
	return dest, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
