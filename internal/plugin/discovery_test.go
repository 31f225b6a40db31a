package plugin

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const okEntrypoint = "#!/bin/sh\necho '{\"status\":\"ok\"}'\n"

// stagePlugin writes manifest and, when mode is non-zero, an entrypoint
// run.sh into root/dir.
func stagePlugin(t *testing.T, root, dir, manifest string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, manifestFilename), []byte(manifest), 0o644))
	if mode != 0 {
		require.NoError(t, os.WriteFile(filepath.Join(path, "run.sh"), []byte(okEntrypoint), mode))
	}
	return path
}

func manifestFor(name string, protocol int) string {
	return "name: " + name + "\nversion: 1.0.0\nprotocol: " + strconv.Itoa(protocol) + "\nentrypoint: run.sh\nclasses: [Upper]\n"
}

func TestDiscoverLoadsClasses(t *testing.T) {
	root := t.TempDir()
	stagePlugin(t, root, "text", `name: plugins.text
version: 1.0.0
protocol: 1
entrypoint: run.sh
classes: [Upper, {name: Slug, request_type: TEXT_SLUG, timeout: 2s}]
`, 0o755)

	set, err := Discover([]string{root}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	assert.Empty(t, set.Rejected)

	p, ok := set.Get("plugins.text")
	require.True(t, ok)
	assert.Equal(t, 1, p.Protocol)
	assert.Equal(t, filepath.Join(root, "text", "run.sh"), p.Entrypoint)

	slug, ok := p.Class("Slug")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, slug.Timeout)
	assert.Equal(t, "TEXT_SLUG", p.RequestTypeFor("Slug"))
	assert.Equal(t, "UPPER", p.RequestTypeFor("Upper"))
}

func TestDiscoverRejections(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		mode     os.FileMode
		wantErr  string
	}{
		{"unsupported protocol", manifestFor("p", 99), 0o755, "unsupported protocol version 99"},
		{"missing entrypoint", manifestFor("p", 1), 0, "resolve entrypoint"},
		{"non-executable entrypoint", manifestFor("p", 1), 0o644, "not an executable file"},
		{"bad yaml", "name: [", 0o755, "parse manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			dir := stagePlugin(t, root, "p", tt.manifest, tt.mode)

			set, err := Discover([]string{root}, nil)
			require.NoError(t, err)
			assert.Zero(t, set.Len())
			require.Len(t, set.Rejected, 1)
			assert.Equal(t, dir, set.Rejected[0].Path)
			assert.ErrorContains(t, set.Rejected[0].Err, tt.wantErr)
		})
	}
}

func TestDiscoverAcrossRoots(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	kept := stagePlugin(t, first, "a", manifestFor("plugins.a", 1), 0o755)
	stagePlugin(t, second, "a", manifestFor("plugins.a", 1), 0o755)
	stagePlugin(t, second, "b", manifestFor("plugins.b", 1), 0o755)
	stagePlugin(t, second, ".cache/c", manifestFor("plugins.c", 1), 0o755)
	require.NoError(t, os.Mkdir(filepath.Join(second, "empty"), 0o755))

	set, err := Discover([]string{first, " ", second, first}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	a, _ := set.Get("plugins.a")
	assert.Equal(t, kept, a.Path)
	_, hidden := set.Get("plugins.c")
	assert.False(t, hidden)

	names := []string{}
	for _, p := range set.Plugins() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"plugins.a", "plugins.b"}, names)

	require.Len(t, set.Rejected, 1)
	assert.ErrorContains(t, set.Rejected[0].Err, "duplicate plugin")
}

func TestDiscoverRootErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name    string
		roots   []string
		wantErr string
	}{
		{"none", nil, "at least one plugin root"},
		{"blank only", []string{"", "  "}, "at least one plugin root"},
		{"missing", []string{"/nonexistent/plugins"}, "does not exist"},
		{"not a directory", []string{file}, "not a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Discover(tt.roots, nil)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestManifestValidate(t *testing.T) {
	valid := func() Manifest {
		return Manifest{Name: "plugins.test", Protocol: 1, Entrypoint: "run.sh", Classes: Classes{{Name: "Upper"}}}
	}
	tests := []struct {
		name    string
		mutate  func(m *Manifest)
		wantErr string
	}{
		{"valid", func(*Manifest) {}, ""},
		{"missing name", func(m *Manifest) { m.Name = "" }, "name is required"},
		{"name with spaces", func(m *Manifest) { m.Name = "my plugin" }, "not a valid module path"},
		{"trailing dot", func(m *Manifest) { m.Name = "plugins." }, "not a valid module path"},
		{"missing protocol", func(m *Manifest) { m.Protocol = 0 }, "protocol version is required"},
		{"missing entrypoint", func(m *Manifest) { m.Entrypoint = "" }, "entrypoint is required"},
		{"traversal", func(m *Manifest) { m.Entrypoint = "../evil/run.sh" }, "inside the plugin directory"},
		{"absolute entrypoint", func(m *Manifest) { m.Entrypoint = "/bin/sh" }, "inside the plugin directory"},
		{"no classes", func(m *Manifest) { m.Classes = nil }, "at least one class"},
		{"dotted class", func(m *Manifest) { m.Classes = Classes{{Name: "a.B"}} }, "must not contain dots"},
		{"duplicate class", func(m *Manifest) { m.Classes = Classes{{Name: "A"}, {Name: "A"}} }, "declared twice"},
		{"negative timeout", func(m *Manifest) { m.Classes = Classes{{Name: "A", Timeout: -time.Second}} }, "negative timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestCheckTrust(t *testing.T) {
	t.Run("valid executable", func(t *testing.T) {
		root := t.TempDir()
		dir := stagePlugin(t, root, "p", manifestFor("p", 1), 0o755)
		assert.NoError(t, checkTrust(filepath.Join(dir, "run.sh"), dir, root))
	})

	t.Run("symlink escaping the root", func(t *testing.T) {
		root, outside := t.TempDir(), t.TempDir()
		target := filepath.Join(outside, "run.sh")
		require.NoError(t, os.WriteFile(target, []byte(okEntrypoint), 0o755))
		dir := stagePlugin(t, root, "p", manifestFor("p", 1), 0)
		require.NoError(t, os.Symlink(target, filepath.Join(dir, "run.sh")))

		assert.ErrorContains(t, checkTrust(filepath.Join(dir, "run.sh"), dir, root), "escapes plugin root")
	})

	t.Run("world-writable directory", func(t *testing.T) {
		root := t.TempDir()
		dir := stagePlugin(t, root, "p", manifestFor("p", 1), 0o755)
		require.NoError(t, os.Chmod(dir, 0o777))
		if info, _ := os.Stat(dir); info.Mode().Perm()&0o002 == 0 {
			t.Skip("filesystem does not keep world-writable bits")
		}
		assert.ErrorContains(t, checkTrust(filepath.Join(dir, "run.sh"), dir, root), "world-writable")
	})
}

func TestClassesUnmarshal(t *testing.T) {
	var m Manifest
	require.NoError(t, yaml.Unmarshal([]byte("classes: [Upper, {name: ' Slug ', timeout: 1s}]\n"), &m))
	assert.Equal(t, Classes{{Name: "Upper"}, {Name: "Slug", Timeout: time.Second}}, m.Classes)

	assert.Error(t, yaml.Unmarshal([]byte("name: x\nclasses: {Upper: true}\n"), &m))
}
