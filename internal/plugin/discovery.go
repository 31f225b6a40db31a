package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

var errNoRoots = errors.New("at least one plugin root is required")

// Rejection records a manifest that was found but not loaded.
type Rejection struct {
	Path string
	Err  error
}

// Set holds the plugins discovered under a list of roots, keyed by module
// name. The first plugin found for a name wins.
type Set struct {
	byName   map[string]*Plugin
	Rejected []Rejection
}

func newSet() *Set {
	return &Set{byName: make(map[string]*Plugin)}
}

// Get returns the plugin registered under module name.
func (s *Set) Get(name string) (*Plugin, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Len is the number of loaded plugins.
func (s *Set) Len() int { return len(s.byName) }

// Plugins returns the loaded plugins ordered by name.
func (s *Set) Plugins() []*Plugin {
	out := make([]*Plugin, 0, len(s.byName))
	for _, p := range s.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Set) reject(path string, err error) {
	s.Rejected = append(s.Rejected, Rejection{Path: path, Err: err})
}

// Discover walks each root for manifest.yaml files. Roots are scanned in
// order; hidden directories are skipped. A bad manifest is recorded in
// Rejected and never fails discovery, a missing root does.
func Discover(roots []string, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	resolved, err := resolveRoots(roots)
	if err != nil {
		return nil, err
	}

	set := newSet()
	for _, root := range resolved {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Name() != manifestFilename {
				return nil
			}

			dir := filepath.Dir(path)
			p, err := load(dir, root)
			if err != nil {
				logger.Warn("plugin rejected", "path", dir, "error", err)
				set.reject(dir, err)
				return nil
			}
			if kept, dup := set.byName[p.Name]; dup {
				logger.Warn("duplicate plugin ignored", "plugin", p.Name, "ignored_path", dir, "kept_path", kept.Path)
				set.reject(dir, fmt.Errorf("duplicate plugin %q (kept %s)", p.Name, kept.Path))
				return nil
			}
			set.byName[p.Name] = p
			logger.Info("loaded plugin", "plugin", p.Name, "version", p.Version, "classes", len(p.Classes), "path", dir)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan plugin root %s: %w", root, err)
		}
	}
	return set, nil
}

// resolveRoots makes roots absolute, drops blanks and duplicates, and checks
// each is a directory.
func resolveRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	seen := make(map[string]bool, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve plugin root %q: %w", root, err)
		}
		info, err := os.Stat(abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("plugin root does not exist: %s", abs)
		case err != nil:
			return nil, fmt.Errorf("stat plugin root %s: %w", abs, err)
		case !info.IsDir():
			return nil, fmt.Errorf("plugin root is not a directory: %s", abs)
		}
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
	}
	if len(out) == 0 {
		return nil, errNoRoots
	}
	return out, nil
}

// load reads, validates and trust-checks the plugin in dir.
func load(dir, root string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypoint := filepath.Join(dir, m.Entrypoint)
	if err := checkTrust(entrypoint, dir, root); err != nil {
		return nil, fmt.Errorf("untrusted plugin: %w", err)
	}

	return &Plugin{
		Name:        m.Name,
		Path:        dir,
		Entrypoint:  entrypoint,
		Protocol:    m.Protocol,
		Version:     m.Version,
		Description: m.Description,
		Classes:     m.Classes,
	}, nil
}

// checkTrust requires the resolved entrypoint to be an executable file inside
// both the plugin directory and root, and the plugin directory to not be
// world-writable.
func checkTrust(entrypoint, dir, root string) error {
	realEntry, err := filepath.EvalSymlinks(entrypoint)
	if err != nil {
		return fmt.Errorf("resolve entrypoint: %w", err)
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolve plugin directory: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve plugin root: %w", err)
	}

	if !within(realEntry, realRoot) {
		return fmt.Errorf("entrypoint %s escapes plugin root %s", realEntry, realRoot)
	}
	if !within(realEntry, realDir) {
		return fmt.Errorf("entrypoint %s escapes plugin directory %s", realEntry, realDir)
	}

	info, err := os.Stat(realEntry)
	if err != nil {
		return fmt.Errorf("stat entrypoint: %w", err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return fmt.Errorf("entrypoint is not an executable file: %s", realEntry)
	}

	dirInfo, err := os.Stat(realDir)
	if err != nil {
		return fmt.Errorf("stat plugin directory: %w", err)
	}
	if dirInfo.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", realDir)
	}
	return nil
}

func within(path, dir string) bool {
	return strings.HasPrefix(path, dir+string(os.PathSeparator))
}
