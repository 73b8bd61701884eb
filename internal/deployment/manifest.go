package deployment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// FileEntry is one row of manifest.json: a relative path plus its SHA-256
// and size, used both to build the manifest on export and to verify it on
// import.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is the top-level manifest.json written into every export
// directory.
type Manifest struct {
	Files          []FileEntry `json:"files"`
	RedactedTokens []string    `json:"redacted_tokens,omitempty"`
}

func hashFile(path string) (FileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileEntry{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: size}, nil
}

// buildManifest walks dir and hashes every regular file concurrently,
// fanning out with an errgroup bounded at a small worker count — hashing is
// I/O heavy so unlimited parallelism would just thrash the disk.
func buildManifest(dir string) (*Manifest, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "manifest.json" {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk export dir: %w", err)
	}

	entries := make([]FileEntry, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(8)
	for i, rel := range paths {
		i, rel := i, rel
		g.Go(func() error {
			entry, err := hashFile(filepath.Join(dir, rel))
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}
			entry.Path = rel
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return &Manifest{Files: entries}, nil
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644)
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// verifyManifest re-hashes every file manifest.json names and reports any
// mismatch. With override set, both unreadable or missing files and
// checksum mismatches are ignored and verification always succeeds.
func verifyManifest(dir string, m *Manifest, override bool) error {
	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, entry := range m.Files {
		entry := entry
		g.Go(func() error {
			got, err := hashFile(filepath.Join(dir, entry.Path))
			if err != nil {
				if override {
					return nil
				}
				return fmt.Errorf("checksum verify %s: %w", entry.Path, err)
			}
			if got.SHA256 != entry.SHA256 {
				if override {
					return nil
				}
				return fmt.Errorf("checksum mismatch for %s: manifest=%s actual=%s", entry.Path, entry.SHA256, got.SHA256)
			}
			return nil
		})
	}
	return g.Wait()
}
