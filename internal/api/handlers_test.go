package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eventchat/go-eventchat/internal/config"
	"github.com/eventchat/go-eventchat/internal/server"
	"github.com/eventchat/go-eventchat/internal/stats"
	"github.com/eventchat/go-eventchat/internal/store"
	"github.com/eventchat/go-eventchat/internal/testutil"
	"github.com/eventchat/go-eventchat/internal/types"
)

func newTestApp(t *testing.T, st store.MessageStore) *EventChatApp {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)
	cs, err := server.NewChatServer(logger, st, su)
	require.NoError(t, err, "failed to create chat server")

	cfg := &config.Config{ServerAddr: "localhost:0", RedisAddr: "localhost:6379", MessageWindow: store.DefaultWindow}
	return NewEventChatApp(http.NewServeMux(), logger, cs, st, cfg)
}

func Test_getMessages(t *testing.T) {
	history := []types.Message{
		{Id: "m1", Text: "first", SenderId: "a", SentAt: 1000},
		{Id: "m2", Text: "second", SenderId: "b", SentAt: 2000},
	}

	tcases := []struct {
		name     string
		history  []types.Message
		mockErr  error
		wantCode int
		wantBody []types.Message
	}{
		{
			name:     "returns stored history",
			history:  history,
			wantCode: http.StatusOK,
			wantBody: history,
		},
		{
			name:     "expired room yields empty array",
			history:  nil,
			wantCode: http.StatusOK,
			wantBody: []types.Message{},
		},
		{
			name:     "store failure is retryable",
			mockErr:  errors.New("connection refused"),
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			st := &store.MockMessageStore{}
			st.On("History", mock.Anything, "picnic").Return(tc.history, tc.mockErr).Once()
			defer st.AssertExpectations(t)

			app := newTestApp(t, st)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/messages/picnic", nil)
			req.SetPathValue("room", "picnic")
			app.getMessages(rr, req)

			assert.Equal(t, tc.wantCode, rr.Code, "unexpected status code")
			if tc.wantBody != nil {
				var got []types.Message
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got), "failed to decode body")
				assert.Equal(t, tc.wantBody, got, "unexpected history")
			}
		})
	}
}

func Test_getMessages_MissingRoom(t *testing.T) {
	app := newTestApp(t, &store.MockMessageStore{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/messages/", nil)
	app.getMessages(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected bad request without a room key")
}

func Test_health(t *testing.T) {
	tcases := []struct {
		name     string
		mockErr  error
		wantCode int
	}{
		{
			name:     "healthy",
			mockErr:  nil,
			wantCode: http.StatusOK,
		},
		{
			name:     "store unreachable",
			mockErr:  errors.New("connection refused"),
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			st := &store.MockMessageStore{}
			st.On("Ping", mock.Anything).Return(tc.mockErr).Once()
			defer st.AssertExpectations(t)

			app := newTestApp(t, st)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			app.health(rr, req)

			assert.Equal(t, tc.wantCode, rr.Code, "unexpected status code")
		})
	}
}

func Test_diagnostics_NonRedisStore(t *testing.T) {
	app := newTestApp(t, &store.MockMessageStore{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/diagnostics", nil)
	app.diagnostics(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected diagnostics to be unavailable without the redis store")
}

func Test_serveWs(t *testing.T) {
	st := &store.MockMessageStore{}
	app := newTestApp(t, st)
	go app.cs.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, app.cs.Shutdown(ctx))
	}()

	srv := httptest.NewServer(http.HandlerFunc(app.serveWs))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "failed to dial websocket")
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode, "expected protocol upgrade")

	// a join over the upgraded connection is acked by the broker
	require.NoError(t, conn.WriteJSON(&server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: 1},
		Join:        &server.Join{RoomId: "picnic"},
	}))

	var msg server.ServerMessage
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&msg), "failed to read join ack")
	require.NotNil(t, msg.Response, "expected a response message")
	assert.Equal(t, http.StatusOK, msg.Response.ResponseCode, "expected join to be acked")
}

func Test_serveWs_RejectsDisallowedOrigin(t *testing.T) {
	app := newTestApp(t, &store.MockMessageStore{})
	app.allowedOrigins = []string{"http://allowed.example"}

	srv := httptest.NewServer(http.HandlerFunc(app.serveWs))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.Error(t, err, "expected upgrade to fail for a disallowed origin")
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "expected forbidden status")
	}
}
