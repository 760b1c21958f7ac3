package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
)

func TestRespondAppError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{apperr.New(apperr.ErrNotFound, "Conversation not found"), http.StatusNotFound, "Conversation not found"},
		{apperr.New(apperr.ErrUnauthenticated, "Unauthorized"), http.StatusUnauthorized, "Unauthorized"},
		{errors.New("boom"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondAppError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)

		require.Equal(t, tc.status, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body ErrorBody
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, tc.msg, body.Message)
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Title string `json:"title"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":"Trip"}`))
	require.NoError(t, DecodeJSON(req, &dst))
	require.Equal(t, "Trip", dst.Title)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	require.ErrorIs(t, DecodeJSON(req, &dst), apperr.ErrValidation)
}

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	require.NoError(t, SendSSEEvent(rec, rec, "message-chunk", map[string]string{"content": "Hi"}))
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "event: message-chunk\ndata: {\"content\":\"Hi\"}\n\n", rec.Body.String())
	require.True(t, rec.Flushed)
}
