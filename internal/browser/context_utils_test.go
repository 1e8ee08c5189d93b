// internal/browser/context_utils_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey string

func TestCombineContext(t *testing.T) {
	const key ctxKey = "target"

	t.Run("inherits values from session", func(t *testing.T) {
		session := context.WithValue(context.Background(), key, "tab-1")
		ctx, cancel := CombineContext(session, context.Background())
		defer cancel()

		assert.Equal(t, "tab-1", ctx.Value(key))
		assert.NoError(t, ctx.Err())
	})

	t.Run("cancelled by session", func(t *testing.T) {
		session, cancelSession := context.WithCancel(context.Background())
		ctx, cancel := CombineContext(session, context.Background())
		defer cancel()

		cancelSession()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("cancelled by operation", func(t *testing.T) {
		op, cancelOp := context.WithCancel(context.Background())
		ctx, cancel := CombineContext(context.Background(), op)
		defer cancel()

		cancelOp()
		assert.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("copies operation deadline", func(t *testing.T) {
		deadline := time.Now().Add(time.Hour)
		op, cancelOp := context.WithDeadline(context.Background(), deadline)
		defer cancelOp()

		ctx, cancel := CombineContext(context.Background(), op)
		defer cancel()

		got, ok := ctx.Deadline()
		require.True(t, ok)
		assert.True(t, got.Equal(deadline))
	})

	t.Run("cancel releases the operation hook", func(t *testing.T) {
		op, cancelOp := context.WithCancel(context.Background())
		defer cancelOp()

		ctx, cancel := CombineContext(context.Background(), op)
		cancel()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})
}

func TestDetach(t *testing.T) {
	const key ctxKey = "target"
	parent, cancel := context.WithTimeout(context.WithValue(context.Background(), key, "tab-2"), time.Millisecond)
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	assert.Nil(t, detached.Done())
	_, ok := detached.Deadline()
	assert.False(t, ok)
	assert.Equal(t, "tab-2", detached.Value(key))
}
