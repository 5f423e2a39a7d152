package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entity string

func (e entity) String() string { return string(e) }

func TestErrorString(t *testing.T) {
	err := New(CodeCycleDetected, "edge closes a loop").
		WithInvariant("acyclic_hierarchy").
		WithEntities(entity("a"), entity("b"))

	assert.Equal(t,
		"cycle_detected: edge closes a loop [invariant=acyclic_hierarchy] [entities=a,b]",
		err.Error())
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeInternal, "commit failed")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal: commit failed: connection refused", err.Error())
}

func TestCodeOf(t *testing.T) {
	t.Run("outermost code wins", func(t *testing.T) {
		inner := New(CodeNotFound, "identity not found")
		outer := Wrap(inner, CodeInvalidState, "cannot merge")
		assert.Equal(t, CodeInvalidState, CodeOf(outer))
	})

	t.Run("survives fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("dispatch: %w", New(CodeConflict, "duplicate"))
		assert.Equal(t, CodeConflict, CodeOf(err))
	})

	t.Run("plain errors are internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	})
}

func TestHasCode(t *testing.T) {
	inner := New(CodeNotFound, "identity not found")
	outer := Wrap(fmt.Errorf("lookup: %w", inner), CodeInvalidState, "cannot merge")

	assert.True(t, HasCode(outer, CodeInvalidState))
	assert.True(t, HasCode(outer, CodeNotFound), "codes further down the chain count")
	assert.False(t, HasCode(outer, CodeTimeout))
	assert.False(t, HasCode(nil, CodeInternal))
	assert.False(t, HasCode(errors.New("boom"), CodeInternal))
}

func TestAs(t *testing.T) {
	de, ok := As(fmt.Errorf("x: %w", Newf(CodeValidation, "step %q", "a")))
	require.True(t, ok)
	assert.Equal(t, `step "a"`, de.Message)

	_, ok = As(errors.New("boom"))
	assert.False(t, ok)
}
