package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("exit status 1")
	err := Wrap(ErrScoring, cause, "lighthouse failed")

	require.ErrorIs(t, err, ErrScoring)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrLaunch)
	require.Equal(t, "lighthouse failed: exit status 1", err.Error())
	require.Equal(t, ErrScoring, KindOf(err))
	require.Equal(t, "exit status 1", Details(err))
	require.Equal(t, "lighthouse failed", Message(err))
}

func TestKindOfSeesThroughFmtWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("audit: %w", New(ErrInput, "url is required"))
	require.Equal(t, ErrInput, KindOf(err))
	require.Empty(t, Details(err))
	require.Nil(t, KindOf(errors.New("plain")))
}

func TestErrorStringFallbacks(t *testing.T) {
	t.Parallel()

	require.Equal(t, "NOT_FOUND", (&Error{kind: ErrNotFound}).Error())
	require.Equal(t, "boom", (&Error{err: errors.New("boom")}).Error())
	var nilErr *Error
	require.Equal(t, "<nil>", nilErr.Error())
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := map[Kind]int{
		ErrInput:       http.StatusBadRequest,
		ErrNotFound:    http.StatusNotFound,
		ErrLaunch:      http.StatusInternalServerError,
		ErrScoring:     http.StatusInternalServerError,
		ErrPersistence: http.StatusInternalServerError,
		ErrCorrupt:     http.StatusInternalServerError,
	}
	for k, want := range tests {
		require.Equal(t, want, HTTPStatus(k), k.Error())
	}
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(nil))
}
