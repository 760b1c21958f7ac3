package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapMatchesKindThroughFmtWrapping(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("stream: %w", Wrap(ErrUpstreamUnavailable, "the assistant is unavailable", cause))

	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrUpstreamProtocol)
	assert.Equal(t, ErrUpstreamUnavailable, Kind(err))
	assert.True(t, IsUpstream(err))
}

func TestStatusAndMessage(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{New(ErrValidation, "title is required"), http.StatusBadRequest, "title is required"},
		{New(ErrConflict, "Email already registered"), http.StatusBadRequest, "Email already registered"},
		{New(ErrUnauthenticated, "invalid token"), http.StatusUnauthorized, "invalid token"},
		{New(ErrNotFound, "conversation not found"), http.StatusNotFound, "conversation not found"},
		{Wrap(ErrPersistence, "could not save", errors.New("boom")), http.StatusInternalServerError, "could not save"},
		{errors.New("raw"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, Status(tt.err), tt.err.Error())
		assert.Equal(t, tt.message, Message(tt.err), tt.err.Error())
	}
}

func TestErrorTextKeepsCauseForLogs(t *testing.T) {
	err := Wrap(ErrPersistence, "could not save", errors.New("write timeout"))
	assert.Equal(t, "could not save: write timeout", err.Error())
}
