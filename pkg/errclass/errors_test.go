package errclass_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoError_Error(t *testing.T) {
	err := errclass.ErrAlreadyLocked.WithMessage("/a is locked")
	assert.Equal(t, "E_ALREADY_LOCKED: /a is locked", err.Error())
}

func TestRepoError_ErrorWithoutMessage(t *testing.T) {
	err := &errclass.RepoError{Code: "E_TEST"}
	assert.Equal(t, "E_TEST", err.Error())
}

func TestRepoError_Is(t *testing.T) {
	err := errclass.ErrTokenNotHeld.WithMessagef("token %s", "abc")
	require.True(t, errors.Is(err, errclass.ErrTokenNotHeld))
	require.False(t, errors.Is(err, errclass.ErrTokenAlreadyHeld))
	require.False(t, errors.Is(err, errors.New("E_TOKEN_NOT_HELD")))
}

func TestRepoError_IsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("lock /a: %w", errclass.ErrNotLocked.WithMessage("/a"))
	require.ErrorIs(t, err, errclass.ErrNotLocked)
}

func TestRepoError_Wrap(t *testing.T) {
	cause := errors.New("disk on fire")
	err := errclass.ErrStoreTransient.Wrap(cause, "write ledger")
	assert.Equal(t, "E_STORE_TRANSIENT: write ledger: disk on fire", err.Error())
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, errclass.ErrStoreTransient)
}

func TestTransient(t *testing.T) {
	require.NoError(t, errclass.Transient(nil, "noop"))

	classed := errclass.ErrLockFailed.WithMessage("refused")
	assert.Same(t, classed, errclass.Transient(classed, "ignored"))

	raw := errors.New("connection reset")
	err := errclass.Transient(raw, "read ledger")
	require.ErrorIs(t, err, errclass.ErrStoreTransient)
	require.ErrorIs(t, err, raw)
}

func TestRepoError_CodesAreDistinct(t *testing.T) {
	all := []*errclass.RepoError{
		errclass.ErrNotLockable,
		errclass.ErrAlreadyLocked,
		errclass.ErrStaleState,
		errclass.ErrLockFailed,
		errclass.ErrTokenNotHeld,
		errclass.ErrTokenAlreadyHeld,
		errclass.ErrNotLocked,
		errclass.ErrInvalidLockToken,
		errclass.ErrStoreTransient,
		errclass.ErrPathNotFound,
		errclass.ErrNameInvalid,
		errclass.ErrSessionClosed,
		errclass.ErrConfigInvalid,
		errclass.ErrRepositoryUnknown,
	}
	seen := make(map[string]bool)
	for _, e := range all {
		assert.False(t, seen[e.Code], "duplicate code %s", e.Code)
		seen[e.Code] = true
	}
}
