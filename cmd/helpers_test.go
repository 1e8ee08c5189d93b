// cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/observability"
)

// resetForTest isolates a test from the developer's environment and from the
// global logger other tests installed.
func resetForTest(t *testing.T) {
	t.Helper()
	for _, name := range []string{"RECAPTCHA_SOLVER_DEBUG", "DEBUG", "GEMINI_API_KEY", "OPENAI_API_KEY", "RECAPTCHA_TRANSCRIBER_API_KEY"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	observability.ResetForTest()
	observability.SetLogger(zaptest.NewLogger(t))
	t.Cleanup(observability.ResetForTest)
}

// writeConfig stores a YAML config file and returns its path.
func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recaptcha.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

// quietConfig selects a backend that needs no credentials and silences the
// console logger.
const quietConfig = `
logger:
  level: error
transcriber:
  provider: whisper
  endpoint: http://127.0.0.1:9/v1/audio/transcriptions
`

// execute runs a fresh command tree with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// findCommand returns the named subcommand of root.
func findCommand(t *testing.T, root *cobra.Command, name string) *cobra.Command {
	t.Helper()
	c, _, err := root.Find([]string{name})
	require.NoError(t, err)
	return c
}
