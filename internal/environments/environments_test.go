package environments

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/opserr"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "environments.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_MissingFileIsConfigMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.True(t, opserr.Is(err, opserr.KindConfigMissing))
}

func TestLoad_ParsesEnvironments(t *testing.T) {
	path := writeFile(t, `{
		"env-1": {"name": "Main repo", "repoUrl": "https://github.com/acme/widgets", "stack": "go"},
		"env-2": {"name": "Docs site", "repoUrl": "https://github.com/acme/docs"}
	}`)

	cat, err := Load(path)
	require.NoError(t, err)

	env, ok := cat.Get("env-1")
	require.True(t, ok)
	assert.Equal(t, "env-1", env.ID)
	assert.Equal(t, "Main repo", env.Name)
	assert.Equal(t, "go", env.Stack)
	assert.Equal(t, "https://github.com/acme/widgets", env.RepoURL)

	_, ok = cat.Get("missing")
	assert.False(t, ok)

	assert.Len(t, cat.List(), 2)
}

func TestLoad_InvalidJSONIsConfigMissing(t *testing.T) {
	path := writeFile(t, `not json`)
	_, err := Load(path)
	assert.True(t, opserr.Is(err, opserr.KindConfigMissing))
}
