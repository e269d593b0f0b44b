package worldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

// minimal server side of the peer protocol for exercising Connection in
// isolation. handle returns the response to send, or nil to stay silent.
type testPeerServer struct {
	handle       func(request Message) Message
	upgradeDelay time.Duration

	upgrader websocket.Upgrader

	mutex        sync.Mutex
	upgradeCount int
	conns        []*websocket.Conn
	queries      []url.Values
}

func newTestPeerServer(handle func(request Message) Message) *testPeerServer {
	return &testPeerServer{
		handle: handle,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *testPeerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if self.upgradeDelay != 0 {
		time.Sleep(self.upgradeDelay)
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	self.mutex.Lock()
	self.upgradeCount += 1
	self.conns = append(self.conns, ws)
	self.queries = append(self.queries, r.URL.Query())
	self.mutex.Unlock()

	writeMutex := &sync.Mutex{}
	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(b) == 0 {
			continue
		}
		request, err := DecodeMessage(b)
		if err != nil {
			continue
		}
		response := self.handle(request)
		if response == nil {
			continue
		}
		responseBytes, err := EncodeMessage(response)
		if err != nil {
			continue
		}
		writeMutex.Lock()
		ws.WriteMessage(websocket.TextMessage, responseBytes)
		writeMutex.Unlock()
	}
}

func (self *testPeerServer) upgrades() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.upgradeCount
}

func (self *testPeerServer) query(i int) url.Values {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.queries[i]
}

func (self *testPeerServer) dropConns() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, ws := range self.conns {
		ws.Close()
	}
	self.conns = nil
}

func (self *testPeerServer) push(t *testing.T, message Message) {
	b, err := EncodeMessage(message)
	assert.Equal(t, err, nil)
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, ws := range self.conns {
		ws.WriteMessage(websocket.TextMessage, b)
	}
}

func echoHandler(request Message) Message {
	switch v := request.(type) {
	case *QueryRequest:
		result, _ := json.Marshal(map[string]any{
			"echo": v.Query,
		})
		return NewQueryResponse(v.RequestId, result)
	case *ReflectPublishRequest:
		return NewReflectAckResponse(v.RequestId, v.SyncGroup, v.Channel, 0)
	}
	return nil
}

func silentHandler(request Message) Message {
	return nil
}

func testConnectionSettings() *ConnectionSettings {
	settings := DefaultConnectionSettings()
	settings.ConnectTimeout = 5 * time.Second
	settings.QueryTimeout = 5 * time.Second
	settings.ReconnectDelay = 10 * time.Millisecond
	return settings
}

func testAuth() *ConnectionAuth {
	return &ConnectionAuth{
		Token:    "token",
		Provider: "anon",
	}
}

func TestConnectionConnect(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(echoHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	info, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, info.IsConnected, true)
	assert.Equal(t, info.State, ConnectionStateConnected)

	// idempotent while connected
	info, err = connection.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, info.IsConnected, true)
	assert.Equal(t, peerServer.upgrades(), 1)

	connection.Disconnect()
	assert.Equal(t, connection.Info().State, ConnectionStateDisconnected)

	// reconnect opens a fresh transport
	info, err = connection.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, info.IsConnected, true)
	assert.Equal(t, peerServer.upgrades(), 2)
}

func TestConnectionConnectCoalesces(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(echoHandler)
	peerServer.upgradeDelay = 200 * time.Millisecond
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	n := 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := connection.Connect(ctx)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, <-errs, nil)
	}

	// all callers share one in-flight attempt and one transport
	assert.Equal(t, peerServer.upgrades(), 1)
	assert.Equal(t, connection.Info().IsConnected, true)
}

func TestConnectionConnectTimeout(t *testing.T) {
	ctx := context.Background()

	// a listener that accepts and never completes the handshake
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	settings := testConnectionSettings()
	settings.ConnectTimeout = 100 * time.Millisecond
	connection := NewConnection(
		ctx,
		fmt.Sprintf("ws://%s", listener.Addr()),
		testAuth(),
		settings,
	)
	defer connection.Close()

	startTime := time.Now()
	_, err = connection.Connect(ctx)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, time.Since(startTime) < 2*time.Second, true)
	assert.Equal(t, connection.Info().State, ConnectionStateDisconnected)

	// a stale timeout leaves no residue: a connect against a responsive
	// server succeeds cleanly afterward
	peerServer := newTestPeerServer(echoHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection2 := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection2.Close()
	info, err := connection2.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, info.IsConnected, true)
}

func TestConnectionConnectWithRetry(t *testing.T) {
	ctx := context.Background()

	settings := testConnectionSettings()
	settings.ConnectTimeout = 50 * time.Millisecond
	settings.MaxConnectAttempts = 3

	// nothing listening here
	connection := NewConnection(ctx, "ws://127.0.0.1:1", testAuth(), settings)
	defer connection.Close()

	_, err := connection.ConnectWithRetry(ctx)
	assert.NotEqual(t, err, nil)
	assert.MatchRegex(t, err.Error(), "after 3 attempts")
}

func TestConnectionDisconnectAbortsConnect(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(echoHandler)
	peerServer.upgradeDelay = 300 * time.Millisecond
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := connection.Connect(ctx)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	connection.Disconnect()

	assert.Equal(t, errors.Is(<-errs, ErrConnectionClosed), true)

	// the dial completing after the disconnect must not resurrect the
	// connection
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, connection.Info().IsConnected, false)
	assert.Equal(t, connection.Info().State, ConnectionStateDisconnected)
}

func TestConnectionReconnectSessionContinuity(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(echoHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, peerServer.query(0).Get("token"), "token")
	assert.Equal(t, peerServer.query(0).Get("provider"), "anon")
	assert.Equal(t, peerServer.query(0).Get("sessionId"), "")

	sessionId := NewId().String()
	peerServer.push(t, NewSessionInfoResponse(NewId().String(), sessionId))

	deadline := time.Now().Add(2 * time.Second)
	for connection.Info().SessionId != sessionId {
		if time.Now().After(deadline) {
			t.Fatal("session info not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the server drops the socket; the reconnect dial carries the known
	// session id to request continuity
	peerServer.dropConns()
	deadline = time.Now().Add(2 * time.Second)
	for connection.Info().IsConnected {
		if time.Now().After(deadline) {
			t.Fatal("close not observed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err = connection.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, peerServer.upgrades(), 2)
	assert.Equal(t, peerServer.query(1).Get("sessionId"), sessionId)
}

func TestConnectionQuery(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(echoHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)

	n := 32
	var waitGroup sync.WaitGroup
	for i := 0; i < n; i++ {
		waitGroup.Add(1)
		go func(i int) {
			defer waitGroup.Done()
			query := fmt.Sprintf("SELECT %d", i)
			response, err := connection.Query(ctx, query, nil)
			assert.Equal(t, err, nil)

			var result map[string]any
			assert.Equal(t, json.Unmarshal(response.Result, &result), nil)
			// each response correlates back to its own request
			assert.Equal(t, result["echo"], query)
		}(i)
	}
	waitGroup.Wait()

	assert.Equal(t, len(connection.Info().PendingRequestIds), 0)
}

func TestConnectionQueryNotConnected(t *testing.T) {
	ctx := context.Background()
	connection := NewConnection(ctx, "ws://127.0.0.1:1", testAuth(), testConnectionSettings())
	defer connection.Close()

	_, err := connection.Query(ctx, "SELECT 1", nil)
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)
}

func TestConnectionQueryTimeout(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(silentHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)

	_, err = connection.QueryWithTimeout(ctx, "SELECT 1", nil, 50*time.Millisecond)
	assert.Equal(t, errors.Is(err, ErrRequestTimeout), true)

	// the timeout removed the pending entry but kept the connection
	assert.Equal(t, len(connection.Info().PendingRequestIds), 0)
	assert.Equal(t, connection.Info().IsConnected, true)
}

func TestConnectionQueryErrorResponse(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(func(request Message) Message {
		response := NewQueryResponse(request.Head().RequestId, nil)
		response.SetErrorMessage("no such table: missing")
		return response
	})
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)

	_, err = connection.Query(ctx, "SELECT * FROM missing", nil)
	assert.NotEqual(t, err, nil)
	assert.MatchRegex(t, err.Error(), "no such table")
}

func TestConnectionDisconnectRejectsPending(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(silentHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)

	n := 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := connection.Query(ctx, "SELECT 1", nil)
			errs <- err
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(connection.Info().PendingRequestIds) < n {
		if time.Now().After(deadline) {
			t.Fatal("requests did not register")
		}
		time.Sleep(10 * time.Millisecond)
	}

	connection.Disconnect()

	for i := 0; i < n; i++ {
		assert.Equal(t, errors.Is(<-errs, ErrConnectionClosed), true)
	}
	assert.Equal(t, len(connection.Info().PendingRequestIds), 0)
}

func TestConnectionSessionInfoPush(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(echoHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	statusChanges := make(chan struct{}, 32)
	connection.AddStatusChangeListener(func() {
		select {
		case statusChanges <- struct{}{}:
		default:
		}
	})

	_, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)

	agentId := NewId().String()
	sessionId := NewId().String()
	peerServer.push(t, NewSessionInfoResponse(agentId, sessionId))

	deadline := time.Now().Add(2 * time.Second)
	for connection.Info().SessionId != sessionId {
		if time.Now().After(deadline) {
			t.Fatal("session info not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	info := connection.Info()
	assert.Equal(t, info.AgentId, agentId)
	assert.Equal(t, info.FullSessionId, fmt.Sprintf("%s-%s", sessionId, info.InstanceId))
	assert.Equal(t, 0 < len(statusChanges), true)
}

func TestConnectionReflectListeners(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(echoHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)

	deliveries := make(chan *ReflectMessageDelivery, 32)
	unsubscribe := connection.SubscribeReflect("g", "entities", func(delivery *ReflectMessageDelivery) {
		deliveries <- delivery
	})
	otherDeliveries := make(chan *ReflectMessageDelivery, 32)
	connection.SubscribeReflect("g", "chat", func(delivery *ReflectMessageDelivery) {
		otherDeliveries <- delivery
	})

	payload := json.RawMessage(`{"x":1}`)
	peerServer.push(t, NewReflectMessageDelivery("g", "entities", payload, "session-remote"))

	select {
	case delivery := <-deliveries:
		assert.Equal(t, string(delivery.Payload), string(payload))
		assert.Equal(t, delivery.FromSessionId, "session-remote")
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not received")
	}
	// listeners filter on syncGroup:channel
	assert.Equal(t, len(otherDeliveries), 0)

	unsubscribe()
	peerServer.push(t, NewReflectMessageDelivery("g", "entities", payload, "session-remote"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(deliveries), 0)
}

func TestConnectionTickListeners(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(echoHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)

	ticks := make(chan *TickNotificationResponse, 32)
	connection.SubscribeTick(func(tick *TickNotificationResponse) {
		ticks <- tick
	})

	peerServer.push(t, NewTickNotificationResponse(json.RawMessage(`{"tickNumber":7}`)))

	select {
	case tick := <-ticks:
		var body map[string]any
		assert.Equal(t, json.Unmarshal(tick.Tick, &body), nil)
		assert.Equal(t, body["tickNumber"], float64(7))
	case <-time.After(2 * time.Second):
		t.Fatal("tick not received")
	}
}

func TestConnectionMalformedFrameIsolated(t *testing.T) {
	ctx := context.Background()
	peerServer := newTestPeerServer(echoHandler)
	server := httptest.NewServer(peerServer)
	defer server.Close()

	connection := NewConnection(ctx, server.URL, testAuth(), testConnectionSettings())
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.Equal(t, err, nil)

	peerServer.mutex.Lock()
	ws := peerServer.conns[0]
	peerServer.mutex.Unlock()
	err = ws.WriteMessage(websocket.TextMessage, []byte("not json"))
	assert.Equal(t, err, nil)

	// the bad frame is dropped per frame; requests still work after it
	response, err := connection.Query(ctx, "SELECT 1", nil)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, response, nil)
	assert.Equal(t, connection.Info().IsConnected, true)
}

func TestConnectionClassifyAuthFailure(t *testing.T) {
	ctx := context.Background()

	// rejects every handshake
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Token has expired.", http.StatusUnauthorized)
	}))
	defer server.Close()

	settings := testConnectionSettings()
	settings.ValidateSession = func(ctx context.Context, token string, provider string) (bool, error) {
		return false, nil
	}
	connection := NewConnection(ctx, server.URL, testAuth(), settings)
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.NotEqual(t, err, nil)
	// never connected before, so a failed validation reads as invalid
	assert.MatchRegex(t, err.Error(), "invalid session")
	validation := connection.Info().SessionValidation
	assert.NotEqual(t, validation, nil)
	assert.Equal(t, validation.Status, SessionStatusInvalid)
}

func TestConnectionClassifyNetworkFailure(t *testing.T) {
	ctx := context.Background()

	settings := testConnectionSettings()
	settings.ConnectTimeout = 100 * time.Millisecond
	settings.ValidateSession = func(ctx context.Context, token string, provider string) (bool, error) {
		// the session itself is fine, the server is just unreachable
		return true, nil
	}
	connection := NewConnection(ctx, "ws://127.0.0.1:1", testAuth(), settings)
	defer connection.Close()

	_, err := connection.Connect(ctx)
	assert.NotEqual(t, err, nil)
	assert.MatchRegex(t, err.Error(), "session valid")
	validation := connection.Info().SessionValidation
	assert.NotEqual(t, validation, nil)
	assert.Equal(t, validation.Status, SessionStatusValid)
}
