package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/jamhub-relay/backend/model"
	"github.com/adwski/jamhub-relay/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRelay struct {
	lastPath string
	shutdown atomic.Bool
}

func (m *mockRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.lastPath = r.URL.Path
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (m *mockRelay) Shutdown(context.Context) error {
	m.shutdown.Store(true)
	return nil
}

type nopEndpoint struct{}

func (nopEndpoint) Send(context.Context, []byte) error { return nil }

func newTestServer(addr string) (*Server, *memory.MemStore, *mockRelay) {
	logger := zerolog.Nop()
	store := memory.NewMemStore(&logger)
	relay := &mockRelay{}
	return NewServer(Config{
		Logger:     &logger,
		RoomStore:  store,
		Relay:      relay,
		ListenAddr: addr,
	}), store, relay
}

func TestServer_Routes(t *testing.T) {
	srv, store, relay := newTestServer("")
	store.GetOrCreateRoom("jam").Add(context.Background(), model.User{ID: "u1", Emoji: "🐺"}, nopEndpoint{})
	store.GetOrCreateRoom("idle")

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{
			name:     "stats",
			method:   http.MethodGet,
			path:     "/api/stats",
			wantCode: http.StatusOK,
			wantBody: `{"online":1,"rooms":[
				{"name":"idle","users":[],"online":0},
				{"name":"jam","users":[{"id":"u1","emoji":"🐺","mute":false}],"online":1}]}`,
		},
		{
			name:     "room",
			method:   http.MethodGet,
			path:     "/api/rooms/jam",
			wantCode: http.StatusOK,
			wantBody: `{"name":"jam","users":[{"id":"u1","emoji":"🐺","mute":false}],"online":1}`,
		},
		{
			name:     "unknown room",
			method:   http.MethodGet,
			path:     "/api/rooms/nope",
			wantCode: http.StatusNotFound,
			wantBody: `{"error":"room is not found"}`,
		},
		{
			name:     "cors preflight",
			method:   http.MethodOptions,
			path:     "/api/stats",
			wantCode: http.StatusNoContent,
		},
		{
			name:     "relay",
			method:   http.MethodGet,
			path:     "/abc123",
			wantCode: http.StatusSwitchingProtocols,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
	assert.Equal(t, "/abc123", relay.lastPath)
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := newTestServer("")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "UP", resp.Status)
}

func TestServer_RunShutsDownRelay(t *testing.T) {
	srv, _, relay := newTestServer("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, relay.shutdown.Load())
}

func TestServer_RunListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	srv, _, relay := newTestServer(l.Addr().String())
	err = srv.Run(context.Background())

	assert.ErrorIs(t, err, ErrUnexpected)
	assert.False(t, relay.shutdown.Load())
}

func TestServer_RunAfterServeFailure(t *testing.T) {
	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := free.Addr().String()
	require.NoError(t, free.Close())

	srv, _, relay := newTestServer(addr)

	// a failed Serve leaves the server reusable for plain http
	broken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, broken.Close())
	require.Error(t, srv.Serve(broken))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, relay.shutdown.Load())
}
