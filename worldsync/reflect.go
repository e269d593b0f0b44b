package worldsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// matches every channel in a sync group. Used for peer registrations,
// since the wire protocol has no explicit subscribe message and channel
// filtering happens on the peer side.
const ChannelWildcard = "*"

type ReflectRouterSettings struct {
	// per-recipient bound on a single delivery. Fan-out runs deliveries
	// concurrently, so a publish blocks at most this long in total
	DeliveryTimeout time.Duration

	// when set, the publishing session does not receive its own message
	ExcludeSender bool
}

func DefaultReflectRouterSettings() *ReflectRouterSettings {
	return &ReflectRouterSettings{
		DeliveryTimeout: 1 * time.Second,
		ExcludeSender:   true,
	}
}

// the receiving end of a reflect delivery: a connected peer socket or an
// in-process component
type ReflectSubscriber interface {
	SessionId() string
	DeliverReflect(ctx context.Context, delivery *ReflectMessageDelivery) error
}

type reflectHandle struct {
	subscriber ReflectSubscriber
	closed     atomic.Bool
}

// maintains the live subscriber set per syncGroup:channel, enforces the
// authorization cache on publish, fans out deliveries, and produces
// delivered-count acks. Membership changes are visible to the next
// publish immediately.
type ReflectRouter struct {
	acl      *AclCache
	settings *ReflectRouterSettings

	mutex       sync.RWMutex
	subscribers map[string][]*reflectHandle
}

func NewReflectRouterWithDefaults(acl *AclCache) *ReflectRouter {
	return NewReflectRouter(acl, DefaultReflectRouterSettings())
}

func NewReflectRouter(acl *AclCache, settings *ReflectRouterSettings) *ReflectRouter {
	return &ReflectRouter{
		acl:         acl,
		settings:    settings,
		subscribers: map[string][]*reflectHandle{},
	}
}

func reflectKey(syncGroup string, channel string) string {
	return fmt.Sprintf("%s:%s", syncGroup, channel)
}

// channel may be ChannelWildcard to receive every channel in the group.
// The returned closure unsubscribes; after it returns, the subscriber
// receives no further deliveries, including from publishes already in
// flight.
func (self *ReflectRouter) Subscribe(syncGroup string, channel string, subscriber ReflectSubscriber) func() {
	handle := &reflectHandle{
		subscriber: subscriber,
	}
	key := reflectKey(syncGroup, channel)

	self.mutex.Lock()
	self.subscribers[key] = append(self.subscribers[key], handle)
	self.mutex.Unlock()

	glog.V(1).Infof("[r]subscribe %s session %s\n", key, subscriber.SessionId())

	var once sync.Once
	return func() {
		once.Do(func() {
			handle.closed.Store(true)
			self.mutex.Lock()
			handles := self.subscribers[key]
			for i, h := range handles {
				if h == handle {
					next := make([]*reflectHandle, 0, len(handles)-1)
					next = append(next, handles[0:i]...)
					next = append(next, handles[i+1:]...)
					if len(next) == 0 {
						delete(self.subscribers, key)
					} else {
						self.subscribers[key] = next
					}
					break
				}
			}
			self.mutex.Unlock()
		})
	}
}

func (self *ReflectRouter) SubscriberCount(syncGroup string, channel string) int {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	return len(self.subscribers[reflectKey(syncGroup, channel)]) +
		len(self.subscribers[reflectKey(syncGroup, ChannelWildcard)])
}

// authorizes and fans out one publish. Reflect is a state-push/signaling
// path, so the gate is the write-class insert permission on the sync
// group; read permission only gates receiving. Returns the ack to send
// to the publisher, or a correlated error response when the publisher is
// not authorized.
func (self *ReflectRouter) Publish(ctx context.Context, fromAgentId string, fromSessionId string, request *ReflectPublishRequest) Message {
	if !self.acl.CanInsert(fromAgentId, request.SyncGroup) {
		glog.V(1).Infof("[r]deny publish %s:%s agent %s\n", request.SyncGroup, request.Channel, fromAgentId)
		return NewGeneralErrorResponse(
			request.RequestId,
			fmt.Sprintf("permission denied: agent cannot publish to sync group '%s'", request.SyncGroup),
		)
	}

	self.mutex.RLock()
	exact := self.subscribers[reflectKey(request.SyncGroup, request.Channel)]
	wildcard := self.subscribers[reflectKey(request.SyncGroup, ChannelWildcard)]
	handles := make([]*reflectHandle, 0, len(exact)+len(wildcard))
	handles = append(handles, exact...)
	handles = append(handles, wildcard...)
	self.mutex.RUnlock()

	delivery := NewReflectMessageDelivery(request.SyncGroup, request.Channel, request.Payload, fromSessionId)

	var delivered atomic.Int64
	var waitGroup sync.WaitGroup
	for _, handle := range handles {
		if self.settings.ExcludeSender && handle.subscriber.SessionId() == fromSessionId {
			continue
		}
		waitGroup.Add(1)
		go func(handle *reflectHandle) {
			defer waitGroup.Done()
			if handle.closed.Load() {
				return
			}
			deliverCtx, cancel := context.WithTimeout(ctx, self.settings.DeliveryTimeout)
			defer cancel()
			if err := handle.subscriber.DeliverReflect(deliverCtx, delivery); err != nil {
				// best effort. the subscriber missed this one
				glog.V(1).Infof("[r]drop %s:%s -> session %s = %s\n",
					request.SyncGroup, request.Channel, handle.subscriber.SessionId(), err)
				return
			}
			if handle.closed.Load() {
				return
			}
			delivered.Add(1)
		}(handle)
	}
	waitGroup.Wait()

	glog.V(2).Infof("[r]publish %s:%s delivered=%d\n", request.SyncGroup, request.Channel, delivered.Load())

	return NewReflectAckResponse(request.RequestId, request.SyncGroup, request.Channel, int(delivered.Load()))
}
