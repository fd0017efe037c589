package cdp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEndpoint is a devtools endpoint stub. The handler receives each decoded
// command and writes whatever frames it likes through the send function.
type fakeEndpoint struct {
	server *httptest.Server
	// handle is invoked per inbound command from the client.
	handle func(req map[string]interface{}, send func(v interface{}))
	// conns receives the server side of each upgraded websocket, so tests
	// can sever a connection (httptest forgets hijacked conns, making
	// CloseClientConnections a no-op for them).
	conns chan *websocket.Conn
}

func newFakeEndpoint(t *testing.T, handle func(req map[string]interface{}, send func(v interface{}))) *fakeEndpoint {
	t.Helper()
	fe := &fakeEndpoint{handle: handle, conns: make(chan *websocket.Conn, 4)}

	upgrader := websocket.Upgrader{}
	fe.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		select {
		case fe.conns <- ws:
		default:
		}

		send := func(v interface{}) {
			payload, err := json.Marshal(v)
			require.NoError(t, err)
			_ = ws.WriteMessage(websocket.TextMessage, payload)
		}

		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]interface{}
			require.NoError(t, json.Unmarshal(payload, &req))
			if fe.handle != nil {
				fe.handle(req, send)
			}
		}
	}))
	t.Cleanup(fe.server.Close)
	return fe
}

func (fe *fakeEndpoint) wsURL() string {
	return "ws" + strings.TrimPrefix(fe.server.URL, "http")
}

func dialFake(t *testing.T, fe *fakeEndpoint) *Conn {
	t.Helper()
	conn, err := Dial(context.Background(), fe.wsURL(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestConn_CallRoundTrip(t *testing.T) {
	fe := newFakeEndpoint(t, func(req map[string]interface{}, send func(v interface{})) {
		assert.Equal(t, "Browser.getVersion", req["method"])
		send(map[string]interface{}{
			"id":     req["id"],
			"result": map[string]string{"product": "HeadlessChrome/130.0"},
		})
	})
	conn := dialFake(t, fe)

	var result struct {
		Product string `json:"product"`
	}
	err := conn.Call(context.Background(), "", "Browser.getVersion", nil, &result)
	require.NoError(t, err)
	assert.Equal(t, "HeadlessChrome/130.0", result.Product)
}

func TestConn_CallSessionScoping(t *testing.T) {
	fe := newFakeEndpoint(t, func(req map[string]interface{}, send func(v interface{})) {
		assert.Equal(t, "session-123", req["sessionId"])
		send(map[string]interface{}{"id": req["id"], "result": map[string]interface{}{}})
	})
	conn := dialFake(t, fe)

	err := conn.Call(context.Background(), "session-123", "Page.enable", nil, nil)
	require.NoError(t, err)
}

func TestConn_CallProtocolError(t *testing.T) {
	fe := newFakeEndpoint(t, func(req map[string]interface{}, send func(v interface{})) {
		send(map[string]interface{}{
			"id":    req["id"],
			"error": map[string]interface{}{"code": -32601, "message": "'Bogus.method' wasn't found"},
		})
	})
	conn := dialFake(t, fe)

	err := conn.Call(context.Background(), "", "Bogus.method", nil, nil)
	require.Error(t, err)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, int64(-32601), protoErr.Code)
}

func TestConn_CallTimeout(t *testing.T) {
	// The endpoint swallows the command and never replies.
	fe := newFakeEndpoint(t, func(req map[string]interface{}, send func(v interface{})) {})
	conn := dialFake(t, fe)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := conn.Call(ctx, "", "Page.navigate", nil, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestConn_CloseReleasesPendingCalls(t *testing.T) {
	fe := newFakeEndpoint(t, func(req map[string]interface{}, send func(v interface{})) {})
	conn := dialFake(t, fe)

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Call(context.Background(), "", "Page.navigate", nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not released on close")
	}
}

func TestConn_CallAfterClose(t *testing.T) {
	fe := newFakeEndpoint(t, nil)
	conn := dialFake(t, fe)
	require.NoError(t, conn.Close())

	err := conn.Call(context.Background(), "", "Page.enable", nil, nil)
	require.ErrorIs(t, err, ErrConnectionClosed)

	err = conn.Send("", "Page.enable", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConn_SubscribeFiltersByMethod(t *testing.T) {
	fe := newFakeEndpoint(t, func(req map[string]interface{}, send func(v interface{})) {
		// Any command triggers a burst of events followed by the reply.
		send(map[string]interface{}{
			"method":    "Network.webSocketCreated",
			"sessionId": "sess-1",
			"params":    map[string]string{"requestId": "r-1", "url": "wss://example.test/chat"},
		})
		send(map[string]interface{}{
			"method": "Network.requestWillBeSent",
			"params": map[string]string{"requestId": "r-2"},
		})
		send(map[string]interface{}{"id": req["id"], "result": map[string]interface{}{}})
	})
	conn := dialFake(t, fe)

	sub := conn.Subscribe("Network.webSocketCreated")
	defer sub.Unsubscribe()

	require.NoError(t, conn.Call(context.Background(), "", "Network.enable", nil, nil))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "Network.webSocketCreated", ev.Method)
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.Contains(t, string(ev.Params), "wss://example.test/chat")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a webSocketCreated event")
	}

	// The filtered-out event must never arrive.
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event: %s", ev.Method)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConn_UnsubscribeClosesChannel(t *testing.T) {
	fe := newFakeEndpoint(t, nil)
	conn := dialFake(t, fe)

	sub := conn.Subscribe("Network.webSocketFrameReceived")
	sub.Unsubscribe()
	sub.Unsubscribe() // second call is a no-op

	_, ok := <-sub.Events()
	assert.False(t, ok, "events channel should be closed after unsubscribe")
}

func TestConn_ServerCloseCompletesDone(t *testing.T) {
	fe := newFakeEndpoint(t, nil)
	conn := dialFake(t, fe)

	// Close the server side of the websocket directly:
	// CloseClientConnections does not touch hijacked connections.
	serverWS := <-fe.conns
	require.NoError(t, serverWS.Close())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done was not closed after server dropped the connection")
	}
}
