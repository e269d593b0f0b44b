package worldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const peerSendBufferSize = 32

type AuthoritySettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	QueryTimeout time.Duration
}

func DefaultAuthoritySettings() *AuthoritySettings {
	return &AuthoritySettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingTimeout:  15 * time.Second,
		QueryTimeout: 10 * time.Second,
	}
}

// the authority side of the protocol: authenticates each upgrade,
// pushes session info, demultiplexes query and reflect publish
// requests, and broadcasts ticks. Serves as an http.Handler.
type Authority struct {
	ctx    context.Context
	cancel context.CancelFunc

	validator *SessionValidator
	registry  *SessionRegistry
	acl       *AclCache
	router    *ReflectRouter
	store     *WorldStore

	settings *AuthoritySettings
	upgrader websocket.Upgrader

	mutex sync.Mutex
	peers map[*peer]bool
}

func NewAuthorityWithDefaults(
	ctx context.Context,
	validator *SessionValidator,
	registry *SessionRegistry,
	acl *AclCache,
	router *ReflectRouter,
	store *WorldStore,
) *Authority {
	return NewAuthority(ctx, validator, registry, acl, router, store, DefaultAuthoritySettings())
}

func NewAuthority(
	ctx context.Context,
	validator *SessionValidator,
	registry *SessionRegistry,
	acl *AclCache,
	router *ReflectRouter,
	store *WorldStore,
	settings *AuthoritySettings,
) *Authority {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Authority{
		ctx:       cancelCtx,
		cancel:    cancel,
		validator: validator,
		registry:  registry,
		acl:       acl,
		router:    router,
		store:     store,
		settings:  settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		peers: map[*peer]bool{},
	}
}

func (self *Authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	providerName := r.URL.Query().Get("provider")

	claims := self.validator.Validate(r.Context(), providerName, token)
	if !claims.IsValid {
		glog.Infof("[a]reject connect = %s\n", claims.ErrorReason)
		http.Error(w, claims.ErrorReason, http.StatusUnauthorized)
		return
	}

	session, err := self.registry.ActiveSession(r.Context(), claims.SessionId)
	if err != nil {
		glog.Infof("[a]reject connect session %s = %s\n", claims.SessionId, err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if !self.acl.IsWarmed(claims.AgentId) {
		if err := self.acl.Warm(r.Context(), claims.AgentId); err != nil {
			glog.Infof("[a]warm error agent %s = %s\n", claims.AgentId, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[a]upgrade error = %s\n", err)
		return
	}

	p := &peer{
		authority: self,
		ws:        ws,
		agentId:   claims.AgentId,
		sessionId: session.SessionId,
		send:      make(chan []byte, peerSendBufferSize),
	}
	p.ctx, p.cancel = context.WithCancel(self.ctx)

	self.mutex.Lock()
	self.peers[p] = true
	self.mutex.Unlock()

	// the wire protocol has no subscribe message. A connected peer is
	// registered for every sync group its agent can read; channel
	// filtering happens peer side
	for _, group := range self.acl.ReadableGroups(claims.AgentId) {
		p.unsubscribes = append(p.unsubscribes, self.router.Subscribe(group, ChannelWildcard, p))
	}

	glog.V(1).Infof("[a]peer connected agent %s session %s\n", p.agentId, p.sessionId)

	go p.writeLoop()
	p.sendMessage(NewSessionInfoResponse(p.agentId, p.sessionId))
	p.readLoop()

	self.removePeer(p)
}

func (self *Authority) removePeer(p *peer) {
	self.mutex.Lock()
	delete(self.peers, p)
	self.mutex.Unlock()
	p.close()
	glog.V(1).Infof("[a]peer disconnected session %s\n", p.sessionId)
}

// pushes an opaque tick payload to every connected peer
func (self *Authority) BroadcastTick(tick json.RawMessage) {
	self.mutex.Lock()
	peers := make([]*peer, 0, len(self.peers))
	for p := range self.peers {
		peers = append(peers, p)
	}
	self.mutex.Unlock()

	message := NewTickNotificationResponse(tick)
	for _, p := range peers {
		p.sendMessage(message)
	}
	glog.V(2).Infof("[a]tick -> %d peers\n", len(peers))
}

func (self *Authority) PeerCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.peers)
}

func (self *Authority) Close() {
	self.cancel()
	self.mutex.Lock()
	peers := make([]*peer, 0, len(self.peers))
	for p := range self.peers {
		peers = append(peers, p)
	}
	self.peers = map[*peer]bool{}
	self.mutex.Unlock()
	for _, p := range peers {
		p.close()
	}
}

// one connected peer socket on the authority side. The websocket has a
// single writer goroutine fed by the send channel.
type peer struct {
	authority *Authority
	ws        *websocket.Conn
	agentId   string
	sessionId string

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte

	unsubscribes []func()
	closeOnce    sync.Once
}

// ReflectSubscriber

func (self *peer) SessionId() string {
	return self.sessionId
}

func (self *peer) DeliverReflect(ctx context.Context, delivery *ReflectMessageDelivery) error {
	b, err := EncodeMessage(delivery)
	if err != nil {
		return err
	}
	select {
	case self.send <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrConnectionClosed
	}
}

func (self *peer) sendMessage(message Message) {
	b, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[a]encode error session %s = %s\n", self.sessionId, err)
		return
	}
	select {
	case self.send <- b:
	case <-self.ctx.Done():
	default:
		// backpressure: the peer is not draining its socket
		glog.Infof("[a]drop %s -> session %s\n", message.Head().Type, self.sessionId)
	}
}

func (self *peer) writeLoop() {
	defer self.cancel()

	settings := self.authority.settings
	for {
		select {
		case <-self.ctx.Done():
			return
		case b, ok := <-self.send:
			if !ok {
				return
			}
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				glog.V(1).Infof("[a]session %s-> write error = %s\n", self.sessionId, err)
				return
			}
		case <-time.After(settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *peer) readLoop() {
	defer self.cancel()

	settings := self.authority.settings
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		_, b, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[a]session %s<- read error = %s\n", self.sessionId, err)
			return
		}
		if len(b) == 0 {
			// ping
			continue
		}

		message, err := DecodeMessage(b)
		if err != nil {
			// malformed inbound frame: logged and dropped, never fatal
			glog.Infof("[a]session %s<- malformed frame dropped = %s\n", self.sessionId, err)
			continue
		}
		self.handleMessage(message)
	}
}

func (self *peer) handleMessage(message Message) {
	switch v := message.(type) {
	case *QueryRequest:
		self.handleQuery(v)
	case *ReflectPublishRequest:
		response := self.authority.router.Publish(self.ctx, self.agentId, self.sessionId, v)
		self.sendMessage(response)
	default:
		head := message.Head()
		glog.V(1).Infof("[a]session %s<- unexpected %s\n", self.sessionId, head.Type)
		if head.RequestId != "" {
			self.sendMessage(NewGeneralErrorResponse(
				head.RequestId,
				fmt.Sprintf("unexpected message type: %s", head.Type),
			))
		}
	}
}

// the peer query surface is read only. Writes to shared state flow
// through the reflect path or the authority's own endpoints, never raw
// peer SQL against the store.
func (self *peer) authorizeQuery(query string) error {
	if len(self.authority.acl.ReadableGroups(self.agentId)) == 0 {
		return fmt.Errorf("permission denied: agent has no readable sync groups")
	}
	statement := strings.TrimSpace(query)
	if strings.ContainsRune(strings.TrimSuffix(statement, ";"), ';') {
		return fmt.Errorf("permission denied: compound statements are not allowed")
	}
	keyword := ""
	if fields := strings.Fields(statement); 0 < len(fields) {
		keyword = strings.ToUpper(fields[0])
	}
	switch keyword {
	case "SELECT", "WITH":
		return nil
	}
	return fmt.Errorf("permission denied: query class %q is not allowed", keyword)
}

// authorization and store rejections resolve the request with an
// errorMessage rather than failing the connection
func (self *peer) handleQuery(request *QueryRequest) {
	if err := self.authorizeQuery(request.Query); err != nil {
		glog.V(1).Infof("[a]session %s<- deny query %s = %s\n", self.sessionId, request.RequestId, err)
		response := NewQueryResponse(request.RequestId, nil)
		response.SetErrorMessage(err.Error())
		self.sendMessage(response)
		return
	}

	queryCtx, cancel := context.WithTimeout(self.ctx, self.authority.settings.QueryTimeout)
	defer cancel()

	glog.V(2).Infof("[a]session %s<- query %s\n", self.sessionId, request.RequestId)

	result, err := self.authority.store.ExecQuery(queryCtx, request.Query, request.Parameters)
	if err != nil {
		response := NewQueryResponse(request.RequestId, nil)
		response.SetErrorMessage(err.Error())
		self.sendMessage(response)
		return
	}
	self.sendMessage(NewQueryResponse(request.RequestId, result))
}

func (self *peer) close() {
	self.closeOnce.Do(func() {
		for _, unsubscribe := range self.unsubscribes {
			unsubscribe()
		}
		self.cancel()
		self.ws.Close()
	})
}
