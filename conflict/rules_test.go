package conflict

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDeclarations(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDeclarations(t *testing.T) {
	path := writeDeclarations(t, `
groups:
  - id: core
    declared_paths: ["src/core/**"]
    max_concurrent: 2
  - id: docs
    declared_paths: ["docs/**"]
rules:
  - name: core-mutex
    severity: WARN
    action: MUTEX
    path_patterns: ["src/core/**"]
  - name: migrations
    severity: FATAL
    action: FORBID
    path_patterns: ["db/migrations/**"]
`)

	decls, err := LoadDeclarations(path)
	require.NoError(t, err)

	require.Len(t, decls.Groups, 2)
	assert.Equal(t, "core", decls.Groups[0].ID)
	assert.Equal(t, 2, decls.Groups[0].MaxConcurrent)

	require.Len(t, decls.Rules, 2)
	assert.Equal(t, ActionMutex, decls.Rules[0].Action)
	assert.Equal(t, SeverityWarn, decls.Rules[0].Severity)
	assert.Equal(t, ActionForbid, decls.Rules[1].Action)
	assert.Equal(t, SeverityFatal, decls.Rules[1].Severity)

	group, ok := decls.GroupByID("docs")
	assert.True(t, ok)
	assert.Equal(t, []string{"docs/**"}, group.DeclaredPaths)

	_, ok = decls.GroupByID("missing")
	assert.False(t, ok)
}

func TestLoadDeclarationsRejectsDuplicateGroups(t *testing.T) {
	path := writeDeclarations(t, `
groups:
  - id: core
  - id: core
`)

	_, err := LoadDeclarations(path)
	assert.ErrorContains(t, err, "duplicate group id")
}

func TestLoadDeclarationsRejectsUnknownAction(t *testing.T) {
	path := writeDeclarations(t, `
rules:
  - name: bad
    severity: WARN
    action: MAYBE
    path_patterns: ["**"]
`)

	_, err := LoadDeclarations(path)
	assert.ErrorContains(t, err, "unknown action")
}

func TestLoadDeclarationsMissingFile(t *testing.T) {
	_, err := LoadDeclarations(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
