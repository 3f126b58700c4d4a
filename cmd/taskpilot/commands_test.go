package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/memory"
	"taskpilot/internal/models"
	"taskpilot/pkg/auth"
)

// run executes the root command with fresh flag values. Commands are
// package-level so flag state would otherwise leak between tests.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	reset := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	reset(rootCmd.PersistentFlags())
	for _, c := range rootCmd.Commands() {
		reset(c.Flags())
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestClassifyCommand_JSON(t *testing.T) {
	out, err := run(t, "classify", "-j", "Write a function to fix the login bug in auth.ts")
	require.NoError(t, err)

	var result models.ClassificationResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, models.MethodPattern, result.Method)
	assert.Equal(t, 90, result.CodePercentage)
	assert.NotEmpty(t, result.RecommendedModel)
}

func TestClassifyCommand_Forced(t *testing.T) {
	out, err := run(t, "classify", "--force", "gpt-4o", "anything")
	require.NoError(t, err)

	assert.Contains(t, out, "Model:       gpt-4o")
	assert.Contains(t, out, "Method:      forced")
}

func TestClassifyCommand_RequiresText(t *testing.T) {
	_, err := run(t, "classify")
	assert.Error(t, err)
}

func TestChunkCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "org.md")
	require.NoError(t, os.WriteFile(path, []byte("## Notes\n\na\n\n## Notes\n\nb\n"), 0o600))

	out, err := run(t, "chunk", "--json", path)
	require.NoError(t, err)

	var sections []memory.Section
	require.NoError(t, json.Unmarshal([]byte(out), &sections))
	require.Len(t, sections, 2)
	assert.Equal(t, "notes", sections[0].ID)
	assert.Equal(t, "notes-2", sections[1].ID)

	out, err = run(t, "chunk", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ID"))
	assert.Contains(t, out, "notes-2")
}

func TestChunkCommand_MissingFile(t *testing.T) {
	_, err := run(t, "chunk", filepath.Join(t.TempDir(), "missing.md"))
	assert.ErrorContains(t, err, "failed to read document")
}

func TestKeywordsCommand(t *testing.T) {
	out, err := run(t, "keywords", "I need the `retry_policy` for PaymentGateway")
	require.NoError(t, err)
	assert.NotContains(t, out, "No keywords found.")

	out, err = run(t, "keywords", "the and of")
	require.NoError(t, err)
	assert.Contains(t, out, "No keywords found.")
}

func TestTiersCommand(t *testing.T) {
	out, err := run(t, "tiers")
	require.NoError(t, err)

	for _, id := range []string{"claude-sonnet", "gpt-4o", "deepseek-chat", "gpt-4o-mini"} {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "roles: code=claude-sonnet")
}

func TestTiersCommand_BadFile(t *testing.T) {
	_, err := run(t, "tiers", "--tiers", filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorContains(t, err, "failed to load tiers")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	out, err := run(t, "token", "user-1", "org-1", "--role", "admin")
	require.NoError(t, err)

	jwtAuth, err := auth.NewLocalJWTAuth("test-secret", 0)
	require.NoError(t, err)
	user, err := jwtAuth.VerifyAccessToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "org-1", user.OrgID)
	assert.Equal(t, "admin", user.Role)
}

func TestTokenCommand_NoSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := run(t, "token", "user-1", "org-1")
	assert.Error(t, err)
}
