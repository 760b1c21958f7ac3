package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	"github.com/zhouzirui/llm-hub/backend/internal/metrics"
	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
	"github.com/zhouzirui/llm-hub/backend/internal/relay"
	"github.com/zhouzirui/llm-hub/backend/internal/service/completion"
	"github.com/zhouzirui/llm-hub/backend/internal/service/completion/completiontest"
	convservice "github.com/zhouzirui/llm-hub/backend/internal/service/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/store/memory"
)

type staticAuth map[string]user.Identity

func (a staticAuth) Authenticate(_ context.Context, token string) (user.Identity, error) {
	identity, ok := a[token]
	if !ok {
		return user.Identity{}, apperr.New(apperr.ErrUnauthenticated, "Unauthorized")
	}
	return identity, nil
}

type fixture struct {
	server  *httptest.Server
	handler *WebSocketHandler
	model   *completiontest.ChatModel
}

func newFixture(t *testing.T, cfg relay.Config, replies ...completiontest.Reply) *fixture {
	t.Helper()
	fake := completiontest.New(replies...)
	client := completion.NewService(fake, completion.Config{Model: "test-model"}, nil)
	relays := relay.NewService(client, convservice.NewService(memory.New(), nil), cfg, metrics.New(), nil)

	authn := staticAuth{"good": {UserID: "u1", Email: "user@example.com"}}
	handler := NewWebSocketHandler(authn, relays, []string{"http://localhost:3000"}, metrics.New(), nil)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, handler: handler, model: fake}
}

func (f *fixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer good")
	conn, _, err := websocket.DefaultDialer.Dial(f.url(""), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ev := read(t, conn)
	require.Equal(t, EventConnected, ev.Event)
	var hello ConnectedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &hello))
	require.NotEmpty(t, hello.ConnectionID)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Envelope
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: payload}))
}

// readTurn collects events up to and including the terminal one.
func readTurn(t *testing.T, conn *websocket.Conn) []Envelope {
	t.Helper()
	var events []Envelope
	for {
		ev := read(t, conn)
		events = append(events, ev)
		switch ev.Event {
		case relay.EventComplete, relay.EventStreamError, relay.EventError:
			return events
		}
	}
}

func chunkText(t *testing.T, events []Envelope) string {
	t.Helper()
	var sb strings.Builder
	for _, ev := range events {
		if ev.Event != relay.EventChunk {
			continue
		}
		var chunk relay.ChunkPayload
		require.NoError(t, json.Unmarshal(ev.Data, &chunk))
		sb.WriteString(chunk.Content)
	}
	return sb.String()
}

func TestUnauthenticatedConnectionIsRefused(t *testing.T) {
	f := newFixture(t, relay.Config{})

	for _, target := range []string{f.url(""), f.url("?token=bad")} {
		conn, resp, err := websocket.DefaultDialer.Dial(target, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Nil(t, conn)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
	require.Empty(t, f.model.Calls())
}

func TestTokenQueryParameterIsAccepted(t *testing.T) {
	f := newFixture(t, relay.Config{})

	conn, _, err := websocket.DefaultDialer.Dial(f.url("?token=good"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, read(t, conn).Event)
}

func TestDisallowedOriginIsRefused(t *testing.T) {
	f := newFixture(t, relay.Config{})

	header := http.Header{}
	header.Set("Authorization", "Bearer good")
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(f.url(""), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestSendMessageStreamsReply(t *testing.T) {
	f := newFixture(t, relay.Config{Persist: true}, completiontest.Reply{Fragments: []string{"Hel", "lo"}})
	conn := f.dial(t)

	send(t, conn, EventSendMessage, relay.Request{Message: "hi"})
	events := readTurn(t, conn)

	last := events[len(events)-1]
	require.Equal(t, relay.EventComplete, last.Event)
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, relay.EventChunk, ev.Event)
	}
	require.Equal(t, "Hello", chunkText(t, events))

	var done relay.CompletePayload
	require.NoError(t, json.Unmarshal(last.Data, &done))
	require.NotEmpty(t, done.ConversationID)
}

func TestUpstreamTimeoutLeavesConnectionUsable(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	f := newFixture(t, relay.Config{UpstreamTimeout: 50 * time.Millisecond},
		completiontest.Reply{Fragments: []string{"late"}, Gate: gate},
		completiontest.Reply{Fragments: []string{"on ", "time"}},
	)
	conn := f.dial(t)

	send(t, conn, EventSendMessage, relay.Request{Message: "first"})
	events := readTurn(t, conn)
	require.Len(t, events, 1)
	require.Equal(t, relay.EventStreamError, events[0].Event)

	send(t, conn, EventSendMessage, relay.Request{Message: "second"})
	events = readTurn(t, conn)
	require.Equal(t, relay.EventComplete, events[len(events)-1].Event)
	require.Equal(t, "on time", chunkText(t, events))
}

func TestStopGeneration(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	f := newFixture(t, relay.Config{}, completiontest.Reply{Fragments: []string{"never"}, Gate: gate})
	conn := f.dial(t)

	send(t, conn, EventSendMessage, relay.Request{Message: "hi"})
	send(t, conn, EventStopGeneration, struct{}{})

	events := readTurn(t, conn)
	require.Len(t, events, 1)
	require.Equal(t, relay.EventStreamError, events[0].Event)
	var payload relay.ErrorPayload
	require.NoError(t, json.Unmarshal(events[0].Data, &payload))
	require.Equal(t, "Generation stopped", payload.Message)
}

func TestInvalidFramesGetErrorEvents(t *testing.T) {
	f := newFixture(t, relay.Config{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.Equal(t, relay.EventError, read(t, conn).Event)

	send(t, conn, "dance", struct{}{})
	require.Equal(t, relay.EventError, read(t, conn).Event)

	require.NoError(t, conn.WriteJSON(Envelope{Event: EventSendMessage}))
	require.Equal(t, relay.EventError, read(t, conn).Event)

	send(t, conn, EventSendMessage, relay.Request{Message: "still here"})
	events := readTurn(t, conn)
	require.Equal(t, relay.EventComplete, events[len(events)-1].Event)
}

func TestShutdownClosesConnections(t *testing.T) {
	f := newFixture(t, relay.Config{})
	conn := f.dial(t)

	f.handler.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	header := http.Header{}
	header.Set("Authorization", "Bearer good")
	_, resp, err := websocket.DefaultDialer.Dial(f.url(""), header)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}
