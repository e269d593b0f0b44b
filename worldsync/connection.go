package worldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
)

type SessionStatus string

const (
	SessionStatusValid      SessionStatus = "valid"
	SessionStatusValidating SessionStatus = "validating"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusInvalid    SessionStatus = "invalid"
)

var ErrNotConnected = errors.New("not connected to server")
var ErrConnectionClosed = errors.New("connection closed")
var ErrRequestTimeout = errors.New("request timeout")
var ErrConnectTimeout = errors.New("connection timeout")

type ConnectionSettings struct {
	ConnectTimeout        time.Duration
	QueryTimeout          time.Duration
	ReflectPublishTimeout time.Duration
	WriteTimeout          time.Duration
	PingTimeout           time.Duration

	// reconnection bounds for ConnectWithRetry
	MaxConnectAttempts int
	ReconnectDelay     time.Duration

	// optional diagnostic fallback against the backing authentication
	// service, used only to classify a failed connect attempt, never as
	// the primary auth path
	ValidateSession ValidateSessionFunc
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		ConnectTimeout:        30 * time.Second,
		QueryTimeout:          10 * time.Second,
		ReflectPublishTimeout: 5 * time.Second,
		WriteTimeout:          5 * time.Second,
		PingTimeout:           15 * time.Second,
		MaxConnectAttempts:    3,
		ReconnectDelay:        5 * time.Second,
	}
}

// (ctx, token, provider)
type ValidateSessionFunc func(ctx context.Context, token string, provider string) (bool, error)

type ConnectionAuth struct {
	Token    string
	Provider string
	// set after a session info push. Included on reconnect to request
	// continuity
	SessionId string
}

type SessionValidation struct {
	Status      SessionStatus
	LastChecked time.Time
	Error       string
}

type CloseInfo struct {
	Code   int
	Reason string
}

type ConnectionInfo struct {
	State              ConnectionState
	IsConnected        bool
	IsConnecting       bool
	ConnectionDuration time.Duration
	PendingRequestIds  []string
	AgentId            string
	SessionId          string
	InstanceId         string
	FullSessionId      string
	SessionValidation  *SessionValidation
	LastClose          *CloseInfo
}

type ReflectListener func(delivery *ReflectMessageDelivery)
type TickListener func(tick *TickNotificationResponse)

type pendingResult struct {
	message Message
	err     error
}

type pendingRequest struct {
	requestId string
	result    chan pendingResult
	timer     *time.Timer
}

type connectAttempt struct {
	done   chan struct{}
	cancel context.CancelFunc
	info   *ConnectionInfo
	err    error
}

// one Connection per peer socket. All configuration is constructor
// injected; there is no ambient global state, so a process can hold
// multiple independent connections.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	rawUrl   string
	auth     *ConnectionAuth
	settings *ConnectionSettings

	instanceId string

	// guards everything below. Message arrival, timeout firing, and API
	// calls race with each other
	mutex            sync.Mutex
	state            ConnectionState
	ws               *websocket.Conn
	readCancel       context.CancelFunc
	attempt          *connectAttempt
	connectStartTime time.Time
	agentId          string
	sessionId        string
	validation       *SessionValidation
	wasSessionValid  bool
	lastClose        *CloseInfo
	pending          map[string]*pendingRequest

	// single writer for the websocket
	writeMutex sync.Mutex

	reflectMutex     sync.Mutex
	reflectListeners map[string]*CallbackList[ReflectListener]

	tickListeners   CallbackList[TickListener]
	statusListeners CallbackList[func()]
}

func NewConnectionWithDefaults(ctx context.Context, rawUrl string, auth *ConnectionAuth) *Connection {
	return NewConnection(ctx, rawUrl, auth, DefaultConnectionSettings())
}

func NewConnection(ctx context.Context, rawUrl string, auth *ConnectionAuth, settings *ConnectionSettings) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:              cancelCtx,
		cancel:           cancel,
		rawUrl:           rawUrl,
		auth:             auth,
		settings:         settings,
		instanceId:       ProcessInstanceId(),
		state:            ConnectionStateDisconnected,
		pending:          map[string]*pendingRequest{},
		reflectListeners: map[string]*CallbackList[ReflectListener]{},
	}
}

// upgrades the configured url scheme to the websocket equivalent and
// attaches the auth query parameters. auth fields are snapshotted under
// the mutex since a late session info push writes `auth.SessionId`
// concurrently with a reconnect dial.
func (self *Connection) connectUrl() (string, error) {
	self.mutex.Lock()
	token := self.auth.Token
	provider := self.auth.Provider
	sessionId := self.auth.SessionId
	self.mutex.Unlock()

	u, err := url.Parse(self.rawUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	query := u.Query()
	query.Set("token", token)
	query.Set("provider", provider)
	if sessionId != "" {
		query.Set("sessionId", sessionId)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// idempotent while connected. Concurrent calls while connecting coalesce
// onto the same in-flight attempt; exactly one transport is opened.
func (self *Connection) Connect(ctx context.Context) (*ConnectionInfo, error) {
	self.mutex.Lock()
	if self.state == ConnectionStateConnected {
		info := self.infoLocked()
		self.mutex.Unlock()
		return info, nil
	}
	if self.attempt != nil {
		attempt := self.attempt
		self.mutex.Unlock()
		select {
		case <-attempt.done:
			return attempt.info, attempt.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Disconnect aborts the attempt via this cancel
	attemptCtx, attemptCancel := context.WithCancel(ctx)
	attempt := &connectAttempt{
		done:   make(chan struct{}),
		cancel: attemptCancel,
	}
	self.attempt = attempt
	self.state = ConnectionStateConnecting
	self.mutex.Unlock()
	self.notifyStatusChange()

	info, err := self.dial(attemptCtx)
	attemptCancel()

	self.mutex.Lock()
	self.attempt = nil
	self.mutex.Unlock()

	attempt.info = info
	attempt.err = err
	close(attempt.done)
	self.notifyStatusChange()
	return info, err
}

func (self *Connection) dial(ctx context.Context) (*ConnectionInfo, error) {
	urlStr, err := self.connectUrl()
	if err != nil {
		self.setDisconnected(nil)
		return nil, err
	}

	glog.V(1).Infof("[c]%s connect %s\n", self.instanceId, urlStr)

	// first-wins arbiter for {open, error, close, timeout}: the dial
	// context deadline covers the race, and gorilla reports whichever
	// loses as the dial error
	dialCtx, dialCancel := context.WithTimeout(ctx, self.settings.ConnectTimeout)
	defer dialCancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.ConnectTimeout,
	}
	ws, _, err := dialer.DialContext(dialCtx, urlStr, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// aborted by Disconnect or the caller, not an auth failure
			self.setDisconnected(nil)
			return nil, ErrConnectionClosed
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, self.settings.ConnectTimeout)
		}
		self.setDisconnected(nil)
		return nil, self.classifyConnectError(ctx, err)
	}

	readCtx, readCancel := context.WithCancel(self.ctx)

	self.mutex.Lock()
	if ctx.Err() != nil {
		// Disconnect won the race against a successful dial. The fresh
		// socket must not resurrect the connection.
		self.state = ConnectionStateDisconnected
		self.mutex.Unlock()
		readCancel()
		ws.Close()
		return nil, ErrConnectionClosed
	}
	self.ws = ws
	self.readCancel = readCancel
	self.state = ConnectionStateConnected
	self.connectStartTime = time.Now()
	// clear validation memory from prior attempts, but keep enough to
	// disambiguate a future failure as expired vs never-valid
	self.validation = nil
	self.wasSessionValid = true
	info := self.infoLocked()
	self.mutex.Unlock()

	go self.readLoop(readCtx, ws)
	go self.pingLoop(readCtx, ws)

	glog.V(1).Infof("[c]%s connected\n", self.instanceId)
	return info, nil
}

// keepalive so the authority's read deadline does not drop a quiet peer
func (self *Connection) pingLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		self.writeMutex.Lock()
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0))
		self.writeMutex.Unlock()
		if err != nil {
			// note that for websocket a deadline timeout cannot be recovered
			return
		}
	}
}

// advisory classification attached to the error, not a different control
// path: a failed connect is re-labeled using the injected validation
// callback when one is configured
func (self *Connection) classifyConnectError(ctx context.Context, connectErr error) error {
	if self.settings.ValidateSession == nil {
		return connectErr
	}

	glog.V(1).Infof("[c]%s connect failed, validating session = %s\n", self.instanceId, connectErr)

	self.mutex.Lock()
	wasSessionValid := self.wasSessionValid
	self.validation = &SessionValidation{
		Status:      SessionStatusValidating,
		LastChecked: time.Now(),
	}
	self.mutex.Unlock()

	validation := &SessionValidation{
		LastChecked: time.Now(),
	}
	success, validateErr := self.settings.ValidateSession(ctx, self.auth.Token, self.auth.Provider)
	switch {
	case validateErr != nil:
		if wasSessionValid {
			validation.Status = SessionStatusExpired
		} else {
			validation.Status = SessionStatusInvalid
		}
		validation.Error = validateErr.Error()
	case success:
		validation.Status = SessionStatusValid
	default:
		if wasSessionValid {
			validation.Status = SessionStatusExpired
		} else {
			validation.Status = SessionStatusInvalid
		}
	}

	self.mutex.Lock()
	self.validation = validation
	self.mutex.Unlock()

	switch validation.Status {
	case SessionStatusValid:
		return fmt.Errorf("connection failed (session valid): %w. This may be due to network issues or server downtime.", connectErr)
	case SessionStatusExpired:
		return fmt.Errorf("authentication failed (session expired): %w", connectErr)
	default:
		return fmt.Errorf("authentication failed (invalid session): %w", connectErr)
	}
}

// bounded reconnection: a fixed delay between attempts and a maximum
// attempt count. Exhausting the attempts is a terminal, reported failure.
func (self *Connection) ConnectWithRetry(ctx context.Context) (*ConnectionInfo, error) {
	var lastErr error
	for i := 0; i < self.settings.MaxConnectAttempts; i += 1 {
		if i != 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-self.ctx.Done():
				return nil, ErrConnectionClosed
			case <-time.After(self.settings.ReconnectDelay):
			}
		}
		info, err := self.Connect(ctx)
		if err == nil {
			return info, nil
		}
		lastErr = err
		glog.Infof("[c]%s connect attempt %d/%d failed = %s\n", self.instanceId, i+1, self.settings.MaxConnectAttempts, err)
	}
	return nil, fmt.Errorf("connect failed after %d attempts: %w", self.settings.MaxConnectAttempts, lastErr)
}

func (self *Connection) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		self.mutex.Lock()
		interrupted := self.ws == ws
		self.mutex.Unlock()
		if interrupted {
			self.handleSocketClosed(ws)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messageType, b, err := ws.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				self.recordClose(closeErr.Code, closeErr.Text)
			}
			glog.V(1).Infof("[c]%s<- read error = %s\n", self.instanceId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(b) == 0 {
				// ping
				continue
			}
			message, err := DecodeMessage(b)
			if err != nil {
				// malformed frames are isolated per frame and must not
				// corrupt the pending table for other requests
				glog.Infof("[c]%s<- malformed frame dropped = %s\n", self.instanceId, err)
				continue
			}
			self.route(message)
		default:
		}
	}
}

// the one shared arrival handler. Unsolicited pushes go to their
// dedicated listeners; everything else demultiplexes by requestId
// against the pending table.
func (self *Connection) route(message Message) {
	switch v := message.(type) {
	case *SessionInfoResponse:
		self.mutex.Lock()
		self.agentId = v.AgentId
		self.sessionId = v.SessionId
		self.auth.SessionId = v.SessionId
		self.mutex.Unlock()
		glog.V(1).Infof("[c]%s<- session info agent %s session %s\n", self.instanceId, v.AgentId, v.SessionId)
		self.notifyStatusChange()
		return
	case *ReflectMessageDelivery:
		self.deliverReflect(v)
		return
	case *TickNotificationResponse:
		for _, listener := range self.tickListeners.Get() {
			listener := listener
			safeCallback(func() {
				listener(v)
			})
		}
		return
	}

	head := message.Head()
	self.mutex.Lock()
	request, ok := self.pending[head.RequestId]
	if ok {
		request.timer.Stop()
		delete(self.pending, head.RequestId)
	}
	self.mutex.Unlock()

	if !ok {
		// may belong to a just-timed-out or cancelled request
		glog.V(2).Infof("[c]%s<- drop uncorrelated %s %s\n", self.instanceId, head.Type, head.RequestId)
		return
	}

	if err := head.Err(); err != nil {
		request.result <- pendingResult{
			err: fmt.Errorf("request %s failed: %w", head.RequestId, err),
		}
		return
	}
	request.result <- pendingResult{
		message: message,
	}
}

func (self *Connection) deliverReflect(delivery *ReflectMessageDelivery) {
	key := reflectKey(delivery.SyncGroup, delivery.Channel)
	self.reflectMutex.Lock()
	listenerList := self.reflectListeners[key]
	self.reflectMutex.Unlock()
	if listenerList == nil {
		glog.V(2).Infof("[c]%s<- reflect %s no listeners\n", self.instanceId, key)
		return
	}
	// synchronous, in registration order. A panicking listener must not
	// prevent delivery to subsequent listeners
	for _, listener := range listenerList.Get() {
		listener := listener
		safeCallback(func() {
			listener(delivery)
		})
	}
}

// registers a local listener for deliveries on syncGroup:channel.
// Returns the unsubscribe closure.
func (self *Connection) SubscribeReflect(syncGroup string, channel string, listener ReflectListener) func() {
	key := reflectKey(syncGroup, channel)
	self.reflectMutex.Lock()
	listenerList := self.reflectListeners[key]
	if listenerList == nil {
		listenerList = &CallbackList[ReflectListener]{}
		self.reflectListeners[key] = listenerList
	}
	self.reflectMutex.Unlock()

	handle := listenerList.Add(listener)
	var once sync.Once
	return func() {
		once.Do(func() {
			listenerList.Remove(handle)
		})
	}
}

func (self *Connection) SubscribeTick(listener TickListener) func() {
	handle := self.tickListeners.Add(listener)
	var once sync.Once
	return func() {
		once.Do(func() {
			self.tickListeners.Remove(handle)
		})
	}
}

func (self *Connection) AddStatusChangeListener(listener func()) func() {
	handle := self.statusListeners.Add(listener)
	var once sync.Once
	return func() {
		once.Do(func() {
			self.statusListeners.Remove(handle)
		})
	}
}

func (self *Connection) notifyStatusChange() {
	for _, listener := range self.statusListeners.Get() {
		listener := listener
		safeCallback(listener)
	}
}

// registers a pending entry keyed by a fresh request id, sends the
// request, and waits for the correlated response, the timeout, or ctx.
// The timeout removes the pending entry but does not close the
// connection.
func (self *Connection) sendRequest(ctx context.Context, message Message, timeout time.Duration) (Message, error) {
	head := message.Head()
	requestId := head.RequestId

	b, err := EncodeMessage(message)
	if err != nil {
		return nil, err
	}

	request := &pendingRequest{
		requestId: requestId,
		result:    make(chan pendingResult, 1),
	}

	self.mutex.Lock()
	if self.state != ConnectionStateConnected || self.ws == nil {
		self.mutex.Unlock()
		return nil, ErrNotConnected
	}
	ws := self.ws
	if _, ok := self.pending[requestId]; ok {
		self.mutex.Unlock()
		// a duplicate id is a programming error, not a protocol case
		return nil, fmt.Errorf("duplicate request id %s", requestId)
	}
	request.timer = time.AfterFunc(timeout, func() {
		// if the response won the race this is a no-op
		self.mutex.Lock()
		pending, ok := self.pending[requestId]
		if ok {
			delete(self.pending, requestId)
		}
		self.mutex.Unlock()
		if ok {
			pending.result <- pendingResult{
				err: fmt.Errorf("%w after %s (request %s)", ErrRequestTimeout, timeout, requestId),
			}
		}
	})
	self.pending[requestId] = request
	self.mutex.Unlock()

	self.writeMutex.Lock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err = ws.WriteMessage(websocket.TextMessage, b)
	self.writeMutex.Unlock()
	if err != nil {
		self.mutex.Lock()
		if pending, ok := self.pending[requestId]; ok {
			pending.timer.Stop()
			delete(self.pending, requestId)
		}
		self.mutex.Unlock()
		return nil, err
	}

	glog.V(2).Infof("[c]%s-> %s %s\n", self.instanceId, head.Type, requestId)

	select {
	case result := <-request.result:
		return result.message, result.err
	case <-ctx.Done():
		self.mutex.Lock()
		if pending, ok := self.pending[requestId]; ok {
			pending.timer.Stop()
			delete(self.pending, requestId)
		}
		self.mutex.Unlock()
		return nil, ctx.Err()
	}
}

// a generic data operation against the authority's backing store. Store
// rejections come back as an error carrying the response's errorMessage.
func (self *Connection) Query(ctx context.Context, query string, parameters []any) (*QueryResponse, error) {
	return self.QueryWithTimeout(ctx, query, parameters, self.settings.QueryTimeout)
}

func (self *Connection) QueryWithTimeout(ctx context.Context, query string, parameters []any, timeout time.Duration) (*QueryResponse, error) {
	requestId := NewId().String()
	message, err := self.sendRequest(ctx, NewQueryRequest(requestId, query, parameters), timeout)
	if err != nil {
		return nil, err
	}
	response, ok := message.(*QueryResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T for query %s", message, requestId)
	}
	return response, nil
}

func (self *Connection) PublishReflect(ctx context.Context, syncGroup string, channel string, payload any) (*ReflectAckResponse, error) {
	return self.PublishReflectWithTimeout(ctx, syncGroup, channel, payload, self.settings.ReflectPublishTimeout)
}

func (self *Connection) PublishReflectWithTimeout(ctx context.Context, syncGroup string, channel string, payload any, timeout time.Duration) (*ReflectAckResponse, error) {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	requestId := NewId().String()
	message, err := self.sendRequest(ctx, NewReflectPublishRequest(requestId, syncGroup, channel, payloadJson), timeout)
	if err != nil {
		return nil, err
	}
	response, ok := message.(*ReflectAckResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T for publish %s", message, requestId)
	}
	return response, nil
}

func (self *Connection) recordClose(code int, reason string) {
	self.mutex.Lock()
	self.lastClose = &CloseInfo{
		Code:   code,
		Reason: reason,
	}
	self.mutex.Unlock()
}

// the socket dropped out from under us
func (self *Connection) handleSocketClosed(ws *websocket.Conn) {
	self.mutex.Lock()
	if self.ws != ws {
		// a newer socket took over
		self.mutex.Unlock()
		return
	}
	self.ws = nil
	self.state = ConnectionStateDisconnected
	self.connectStartTime = time.Time{}
	pending := self.pending
	self.pending = map[string]*pendingRequest{}
	self.mutex.Unlock()

	ws.Close()
	for _, request := range pending {
		request.timer.Stop()
		request.result <- pendingResult{
			err: ErrConnectionClosed,
		}
	}
	self.notifyStatusChange()
}

// deliberate shutdown: rejects every outstanding request, detaches the
// socket handlers so the close produces no reconnect or error side
// effects, and transitions to disconnected
func (self *Connection) Disconnect() {
	self.mutex.Lock()
	attempt := self.attempt
	ws := self.ws
	readCancel := self.readCancel
	self.ws = nil
	self.readCancel = nil
	self.state = ConnectionStateDisconnected
	self.connectStartTime = time.Time{}
	self.validation = nil
	self.wasSessionValid = false
	self.auth.SessionId = ""
	pending := self.pending
	self.pending = map[string]*pendingRequest{}
	self.mutex.Unlock()

	if attempt != nil {
		attempt.cancel()
	}
	if readCancel != nil {
		readCancel()
	}
	for _, request := range pending {
		request.timer.Stop()
		request.result <- pendingResult{
			err: ErrConnectionClosed,
		}
	}
	if ws != nil {
		ws.Close()
	}
	glog.V(1).Infof("[c]%s disconnected\n", self.instanceId)
	self.notifyStatusChange()
}

func (self *Connection) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *Connection) Info() *ConnectionInfo {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.infoLocked()
}

func (self *Connection) infoLocked() *ConnectionInfo {
	info := &ConnectionInfo{
		State:             self.state,
		IsConnected:       self.state == ConnectionStateConnected,
		IsConnecting:      self.state == ConnectionStateConnecting,
		PendingRequestIds: maps.Keys(self.pending),
		AgentId:           self.agentId,
		SessionId:         self.sessionId,
		InstanceId:        self.instanceId,
		SessionValidation: self.validation,
		LastClose:         self.lastClose,
	}
	if !self.connectStartTime.IsZero() {
		info.ConnectionDuration = time.Since(self.connectStartTime)
	}
	if self.sessionId != "" {
		info.FullSessionId = fmt.Sprintf("%s-%s", self.sessionId, self.instanceId)
	}
	return info
}

func (self *Connection) setDisconnected(lastClose *CloseInfo) {
	self.mutex.Lock()
	self.state = ConnectionStateDisconnected
	if lastClose != nil {
		self.lastClose = lastClose
	}
	self.mutex.Unlock()
}
