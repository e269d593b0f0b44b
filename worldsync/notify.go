package worldsync

import (
	"context"
	"errors"
	"sync"
)

// role-change notifications arrive out of band whenever an agent's sync
// group roles change. The cache consumes them as a stream so it has no
// dependency on the transport delivering the invalidations.

type RoleChange struct {
	AgentId string `json:"agentId"`
}

type RoleChangeStream interface {
	// blocks until the next change is available, ctx is done, or the
	// stream is closed
	Next(ctx context.Context) (*RoleChange, error)

	Close() error
}

var errStreamClosed = errors.New("role change stream closed")

// in-process notifier for single-node deployments and tests
type MemoryRoleChangeNotifier struct {
	mutex   sync.Mutex
	closed  bool
	streams map[*memoryRoleChangeStream]bool
}

func NewMemoryRoleChangeNotifier() *MemoryRoleChangeNotifier {
	return &MemoryRoleChangeNotifier{
		streams: map[*memoryRoleChangeStream]bool{},
	}
}

func (self *MemoryRoleChangeNotifier) Publish(change RoleChange) {
	self.mutex.Lock()
	streams := make([]*memoryRoleChangeStream, 0, len(self.streams))
	for stream := range self.streams {
		streams = append(streams, stream)
	}
	self.mutex.Unlock()

	for _, stream := range streams {
		select {
		case stream.changes <- &change:
		default:
			// subscriber not keeping up. drop, the next notification
			// re-warms the same agent anyway
		}
	}
}

func (self *MemoryRoleChangeNotifier) Subscribe() RoleChangeStream {
	stream := &memoryRoleChangeStream{
		notifier: self,
		changes:  make(chan *RoleChange, notifyBufferSize),
		done:     make(chan struct{}),
	}
	self.mutex.Lock()
	if self.closed {
		close(stream.done)
	} else {
		self.streams[stream] = true
	}
	self.mutex.Unlock()
	return stream
}

func (self *MemoryRoleChangeNotifier) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return
	}
	self.closed = true
	for stream := range self.streams {
		close(stream.done)
	}
	self.streams = map[*memoryRoleChangeStream]bool{}
}

const notifyBufferSize = 32

type memoryRoleChangeStream struct {
	notifier *MemoryRoleChangeNotifier
	changes  chan *RoleChange
	done     chan struct{}
	once     sync.Once
}

func (self *memoryRoleChangeStream) Next(ctx context.Context) (*RoleChange, error) {
	select {
	case change := <-self.changes:
		return change, nil
	case <-self.done:
		return nil, errStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *memoryRoleChangeStream) Close() error {
	self.once.Do(func() {
		self.notifier.mutex.Lock()
		delete(self.notifier.streams, self)
		closed := self.notifier.closed
		self.notifier.mutex.Unlock()
		if !closed {
			close(self.done)
		}
	})
	return nil
}
