package pluginloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, "openstarry.plugin.json")
	content := `{"name":"` + name + `","version":"1.0.0"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDiscoverManifests_FindsNestedManifests(t *testing.T) {
	root := t.TempDir()
	pluginDir := filepath.Join(root, "weather")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	writeManifest(t, pluginDir, "weather")

	manifests, err := DiscoverManifests([]string{root})
	require.NoError(t, err)
	require.Contains(t, manifests, "weather")
	assert.Equal(t, "weather", manifests["weather"].Manifest.Name)
}

func TestDiscoverManifests_DuplicateNameErrors(t *testing.T) {
	root := t.TempDir()
	dirA := filepath.Join(root, "a")
	dirB := filepath.Join(root, "b")
	require.NoError(t, os.MkdirAll(dirA, 0o755))
	require.NoError(t, os.MkdirAll(dirB, 0o755))
	writeManifest(t, dirA, "dup")
	writeManifest(t, dirB, "dup")

	_, err := DiscoverManifests([]string{root})
	require.Error(t, err)
}

func TestValidatePluginPath_RejectsTraversal(t *testing.T) {
	_, err := ValidatePluginPath("../../etc/passwd")
	require.Error(t, err)
}

func TestValidatePluginPath_AcceptsClean(t *testing.T) {
	dir := t.TempDir()
	resolved, err := ValidatePluginPath(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, resolved)
}
