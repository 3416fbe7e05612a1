package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roomrelay/internal/coordinator"
	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/registry"
	"github.com/Tyrowin/roomrelay/internal/relay"
	"github.com/Tyrowin/roomrelay/internal/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testOriginURL = "http://localhost:8080"

// testEnv is one relay process behind an httptest server.
type testEnv struct {
	hub    *Hub
	server *httptest.Server
	wsURL  string
}

// newTestEnv starts a hub on st and rl. The coordinator, hub and server are
// torn down when the test ends.
func newTestEnv(t *testing.T, st store.Store, rl relay.Relay, customize func(cfg *Config)) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	coord := coordinator.New(st, rl, registry.New(), logger)
	require.NoError(t, coord.Start(context.Background()))

	cfg := NewConfig()
	cfg.Store.Backend = BackendMemory
	cfg.Relay.Backend = BackendLocal
	if customize != nil {
		customize(cfg)
	}

	hub := NewHub(coord, *cfg, logger)
	StartHub(hub)

	srv := httptest.NewServer(SetupRoutes(hub))
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Shutdown(5 * time.Second)
		coord.Stop()
	})

	return &testEnv{
		hub:    hub,
		server: srv,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

// newLocalEnv starts a single process on in-memory backends.
func newLocalEnv(t *testing.T, customize func(cfg *Config)) *testEnv {
	t.Helper()
	rl := relay.NewLocalRelay()
	t.Cleanup(func() { _ = rl.Close() })
	return newTestEnv(t, store.NewMemoryStore(), rl, customize)
}

func newOriginHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}

// testConn is a client connection that has already consumed its connected
// greeting.
type testConn struct {
	t      *testing.T
	conn   *websocket.Conn
	userID string
}

// connect dials env and waits for the connected greeting.
func connect(t *testing.T, env *testEnv) *testConn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(env.wsURL, newOriginHeader(testOriginURL))
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testConn{t: t, conn: conn}
	greeting := c.expect(protocol.TypeConnected)
	require.NotEmpty(t, greeting["userId"])
	c.userID = greeting["userId"].(string)
	return c
}

func (c *testConn) send(frame any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(frame))
}

func (c *testConn) sendRaw(payload string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (c *testConn) join(roomID, username string) map[string]any {
	c.t.Helper()
	c.send(map[string]string{"type": "join", "roomId": roomID, "username": username})
	return c.expect(protocol.TypeRoomJoined)
}

// read returns the next frame as a generic JSON object.
func (c *testConn) read() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	var frame map[string]any
	require.NoError(c.t, json.Unmarshal(payload, &frame), string(payload))
	return frame
}

// expect reads the next frame and requires it to be of type typ.
func (c *testConn) expect(typ protocol.Type) map[string]any {
	c.t.Helper()
	frame := c.read()
	require.Equal(c.t, string(typ), frame["type"], "frame: %v", frame)
	return frame
}

// expectNoMessage requires that nothing arrives within timeout.
func (c *testConn) expectNoMessage(timeout time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	_, payload, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("Expected no message, got %s", payload)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	c.t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

func (c *testConn) close() {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

// makeRequest issues an HTTP request against env with a short timeout.
func makeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
