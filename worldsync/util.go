package worldsync

import (
	"slices"
	"sync"
)

// makes a copy of the list on update, so `get` results are safe to
// iterate while listeners are added or removed concurrently.
// entries keep registration order.
type CallbackList[T any] struct {
	mutex      sync.Mutex
	nextHandle int
	entries    []callbackEntry[T]
}

type callbackEntry[T any] struct {
	handle   int
	callback T
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	handle := self.nextHandle
	self.nextHandle += 1
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		handle:   handle,
		callback: callback,
	})
	self.entries = nextEntries
	return handle
}

func (self *CallbackList[T]) Remove(handle int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackEntry[T]) bool {
		return entry.handle == handle
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

// callbacks are wrapped to recover from errors so that one failing
// listener cannot prevent delivery to subsequent listeners
func safeCallback(callback func()) {
	defer func() {
		recover()
	}()
	callback()
}
