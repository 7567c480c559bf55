package changestream

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// emitter is the listener registry behind the push mode and the
// instrumentation notifications. Listeners fire in subscription order, on
// the goroutine that produced the notification.
type emitter struct {
	mu     sync.Mutex
	nextID int64

	change     []listener[*ChangeEvent]
	errors     []listener[error]
	tokens     []listener[bson.Raw]
	cursor     []listener[CursorEvent]
	closeHooks []listener[struct{}]
	endHooks   []listener[struct{}]
}

type listener[T any] struct {
	id int64
	fn func(T)
}

func newEmitter() *emitter {
	return &emitter{}
}

func addListener[T any](e *emitter, list *[]listener[T], fn func(T)) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	*list = append(*list, listener[T]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range *list {
			if l.id == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

func emitTo[T any](e *emitter, list *[]listener[T], value T) int {
	e.mu.Lock()
	snapshot := make([]listener[T], len(*list))
	copy(snapshot, *list)
	e.mu.Unlock()
	for _, l := range snapshot {
		l.fn(value)
	}
	return len(snapshot)
}

func (e *emitter) changeListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.change)
}
