package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	checksumsFile    = ".checksums"
	checksumsVersion = 1
)

// ErrHashMismatch is returned when a locked file no longer matches its
// recorded hash.
var ErrHashMismatch = errors.New("hash mismatch")

// HashFile returns the hex BLAKE3-256 digest of the file at path.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks path against the hash recorded for its base name.
func (m *ChecksumManifest) Verify(path string) error {
	name := filepath.Base(path)
	want, ok := m.Hashes[name]
	if !ok {
		return fmt.Errorf("%s has no hash in %s", name, checksumsFile)
	}
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w for %s: expected %s, got %s", ErrHashMismatch, name, want, got)
	}
	return nil
}

// GenerateChecksums hashes files and writes <dir>/.checksums with mode 0600.
// All files must live in the same directory. It returns the written path.
func GenerateChecksums(files []string) (string, *ChecksumManifest, error) {
	if len(files) == 0 {
		return "", nil, errors.New("no files to hash")
	}

	dir := filepath.Dir(files[0])
	m := &ChecksumManifest{
		Version:     checksumsVersion,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	for _, path := range files {
		if filepath.Dir(path) != dir {
			return "", nil, fmt.Errorf("%s is not in %s", path, dir)
		}
		sum, err := HashFile(path)
		if err != nil {
			return "", nil, err
		}
		m.Hashes[filepath.Base(path)] = sum
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("encode checksums: %w", err)
	}
	out := filepath.Join(dir, checksumsFile)
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return "", nil, fmt.Errorf("write checksums: %w", err)
	}
	return out, m, nil
}

// LoadChecksums reads <dir>/.checksums.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, checksumsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no %s in %s (run 'dgworker config lock')", checksumsFile, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var m ChecksumManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if m.Version != checksumsVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", m.Version)
	}
	return &m, nil
}

// verifyChecksums checks every path against the .checksums of its
// directory. A directory without .checksums is not locked and is skipped.
func verifyChecksums(configPath string, paths []string) error {
	byDir := make(map[string][]string)
	for _, p := range paths {
		byDir[filepath.Dir(p)] = append(byDir[filepath.Dir(p)], p)
	}
	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		if _, err := os.Stat(filepath.Join(dir, checksumsFile)); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		m, err := LoadChecksums(dir)
		if err != nil {
			return err
		}
		for _, p := range byDir[dir] {
			if err := m.Verify(p); err != nil {
				return fmt.Errorf("config verification failed: %w\n"+
					"If the change is intended, run: dgworker config lock --config %s", err, configPath)
			}
		}
	}
	return nil
}

// Lock writes .checksums for the config file at configPath and, when it
// names one, its properties file. The properties file must share the
// config's directory. Existing checksums are replaced without being verified.
func Lock(configPath string) (string, *ChecksumManifest, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return "", nil, err
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		return "", nil, err
	}

	files := []string{path}
	if props := cfg.PropertiesFile; props != "" {
		if !filepath.IsAbs(props) {
			props = filepath.Join(filepath.Dir(path), props)
		}
		if filepath.Dir(props) != filepath.Dir(path) {
			return "", nil, fmt.Errorf("properties_file %s must live next to %s", props, path)
		}
		files = append(files, props)
	}
	return GenerateChecksums(files)
}
