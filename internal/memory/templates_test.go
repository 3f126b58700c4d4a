package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/models"
)

func TestTemplates_RenderDefaults(t *testing.T) {
	tpl := DefaultTemplates()

	for _, level := range []models.MemoryLevel{models.LevelOrg, models.LevelDomain, models.LevelProject, models.LevelCircle, models.LevelUser} {
		title, content, err := tpl.Render(level, map[string]string{"org_name": "Acme", "entity_name": "Payments"})
		require.NoError(t, err, level)
		assert.NotEmpty(t, title, level)
		assert.NotEmpty(t, Chunk(content), "template for %s has no sections", level)
		assert.NotContains(t, content, "{{", level)
	}

	title, _, err := tpl.Render(models.LevelOrg, map[string]string{"org_name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "Acme organization memory", title)
}

func TestTemplates_UnknownPlaceholderRendersEmpty(t *testing.T) {
	assert.Equal(t, "Hello !", substitute("Hello {{ missing }}!", nil))
	assert.Equal(t, "Hello Ada!", substitute("Hello {{name}}!", map[string]string{"name": "Ada"}))
}

func TestTemplates_ReloadMergesLevels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`templates:
  user:
    title: "{{entity_name}} notes"
    content: |
      # Notes

      ## Style

      Short answers.
`), 0o644))

	tpl, err := LoadTemplates(path)
	require.NoError(t, err)

	title, content, err := tpl.Render(models.LevelUser, map[string]string{"entity_name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada notes", title)
	assert.Contains(t, content, "Short answers.")

	// Levels missing from the file keep the built-in template
	_, content, err = tpl.Render(models.LevelProject, map[string]string{"entity_name": "checkout"})
	require.NoError(t, err)
	assert.Contains(t, content, "# checkout project")
}

func TestTemplates_RejectsUnknownLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates:\n  galaxy:\n    title: x\n    content: y\n"), 0o644))

	_, err := LoadTemplates(path)
	assert.Error(t, err)

	tpl := DefaultTemplates()
	assert.Error(t, tpl.Reload(path))
	_, _, err = tpl.Render(models.LevelOrg, nil)
	assert.NoError(t, err, "a failed reload keeps the previous templates")
}
