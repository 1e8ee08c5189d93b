// internal/network/helpers_test.go
package network

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/observability"
)

// SetupObservability routes the global logger to the test output.
func SetupObservability(t *testing.T) {
	t.Helper()
	observability.SetLogger(zaptest.NewLogger(t))
	t.Cleanup(observability.ResetForTest)
}
