package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createManifestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestManifestLoader_LoadManifest(t *testing.T) {
	loader := NewManifestLoader(testLogger())

	t.Run("loads minimal valid manifest", func(t *testing.T) {
		path := createManifestFile(t, `{
			"id": "test-plugin",
			"name": "Test Plugin",
			"version": "1.0.0",
			"entry": "main.lua"
		}`)

		result, schemaErrors, err := loader.LoadManifest(path)
		require.NoError(t, err)
		assert.Empty(t, schemaErrors)
		assert.Equal(t, "test-plugin", result.ID)
		assert.Equal(t, "Test Plugin", result.Name)
		assert.Equal(t, "1.0.0", result.Version)
		assert.Equal(t, "main.lua", result.Entry)
		assert.Equal(t, []string{}, result.Dependencies)
		assert.Equal(t, []string{}, result.Permissions)
	})

	t.Run("loads manifest with all optional fields", func(t *testing.T) {
		path := createManifestFile(t, `{
			"id": "full-plugin",
			"name": "Full Plugin",
			"version": "2.1.3",
			"description": "A complete plugin",
			"author": "Test Author",
			"entry": "index.lua",
			"dependencies": ["dep1", "dep2"],
			"permissions": ["storage", "menu"],
			"minAppVersion": "1.2.0",
			"keywords": ["demo"]
		}`)

		result, schemaErrors, err := loader.LoadManifest(path)
		require.NoError(t, err)
		assert.Empty(t, schemaErrors)
		assert.Equal(t, "A complete plugin", result.Description)
		assert.Equal(t, "Test Author", result.Author)
		assert.Equal(t, []string{"dep1", "dep2"}, result.Dependencies)
		assert.Equal(t, []string{"storage", "menu"}, result.Permissions)
		assert.Equal(t, "1.2.0", result.MinAppVersion)
		assert.Equal(t, []string{"demo"}, result.Keywords)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		path := createManifestFile(t, `{
			"id": "test-plugin"
			"name": "Test Plugin"
		}`)

		_, _, err := loader.LoadManifest(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse manifest JSON")
	})

	t.Run("reports schema type violations", func(t *testing.T) {
		path := createManifestFile(t, `{
			"id": "typed",
			"name": "Typed",
			"version": "1.0.0",
			"entry": "main.lua",
			"permissions": [""]
		}`)

		_, schemaErrors, err := loader.LoadManifest(path)
		require.NoError(t, err)
		require.NotEmpty(t, schemaErrors)
		assert.Contains(t, schemaErrors[0], "Schema:")
	})

	t.Run("wrong field type fails decoding", func(t *testing.T) {
		path := createManifestFile(t, `{"id": 42}`)

		_, schemaErrors, err := loader.LoadManifest(path)
		require.Error(t, err)
		assert.NotEmpty(t, schemaErrors)
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := loader.LoadManifest(filepath.Join(t.TempDir(), "absent.json"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read manifest file")
	})
}
