package changestream

import (
	"context"
	"sync"
)

// streamBridge pumps the pull cursor into the listener registry. One bridge
// serves the stream across cursor generations: a resume swaps the cursor
// underneath it without tearing the pump down.
type streamBridge struct {
	cancelFn context.CancelFunc
	done     chan struct{}
}

func (b *streamBridge) cancel() {
	b.cancelFn()
}

// stop cancels the pump and waits for it to drain.
func (b *streamBridge) stop() {
	b.cancelFn()
	<-b.done
}

// OnChange subscribes a change listener, switching the stream into emitter
// mode. The returned remove function detaches the listener; removing the
// last one pauses delivery but keeps the stream open for resubscription.
func (s *ChangeStream) OnChange(fn func(*ChangeEvent)) (remove func(), err error) {
	if err := s.enterMode(modeEmitter); err != nil {
		return nil, err
	}
	removeListener := addListener(s.emitter, &s.emitter.change, fn)
	s.ensureBridge()
	var once sync.Once
	return func() {
		once.Do(func() {
			removeListener()
			if s.emitter.changeListenerCount() == 0 {
				s.pauseBridge()
			}
		})
	}, nil
}

// ensureBridge starts the pump goroutine unless one is already running or
// the stream is closed.
func (s *ChangeStream) ensureBridge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.bridge != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	bridge := &streamBridge{cancelFn: cancel, done: make(chan struct{})}
	s.bridge = bridge
	go s.pump(ctx, bridge)
}

// pauseBridge detaches the pump without closing the stream.
func (s *ChangeStream) pauseBridge() {
	s.mu.Lock()
	bridge := s.bridge
	s.bridge = nil
	s.mu.Unlock()
	if bridge != nil {
		bridge.stop()
	}
}

// pump is the emitter-mode driver: it forwards events through the regular
// on-change path and routes errors through the recovery matrix.
func (s *ChangeStream) pump(ctx context.Context, bridge *streamBridge) {
	defer close(bridge.done)
	for {
		if ctx.Err() != nil {
			return
		}
		cursor, err := s.activeCursor()
		if err != nil {
			return
		}
		event, err := cursor.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.isClosed() {
				return
			}
			if s.handleCursorError(ctx, err) != nil {
				// terminal: closeWithError already notified listeners
				return
			}
			continue
		}
		if event == nil {
			s.implicitClose()
			return
		}
		surfaced, err := s.processNewChange(event)
		if err != nil {
			return
		}
		emitTo(s.emitter, &s.emitter.change, surfaced)
	}
}

// StreamOptions configures the channel handle returned by Stream.
type StreamOptions struct {
	// BufferSize is the event channel capacity. The pump blocks once the
	// buffer is full, which is the backpressure consumers get.
	BufferSize int
}

// EventStream is a channel-shaped handle over emitter mode.
type EventStream struct {
	events chan *ChangeEvent
	done   chan struct{}

	mu      sync.Mutex
	err     error
	detach  []func()
	stopped bool
	senders sync.WaitGroup
}

// Stream switches the stream into emitter mode and returns a channel handle.
// It fails with ErrNoCursor when no server cursor is active.
func (s *ChangeStream) Stream(opts StreamOptions) (*EventStream, error) {
	s.mu.Lock()
	hasCursor := s.cursor != nil
	s.mu.Unlock()
	if !hasCursor {
		return nil, ErrNoCursor
	}

	es := &EventStream{
		events: make(chan *ChangeEvent, opts.BufferSize),
		done:   make(chan struct{}),
	}
	removeChange, err := s.OnChange(es.forward)
	if err != nil {
		return nil, err
	}
	removeErr := s.OnError(es.fail)
	removeClose := s.OnClose(es.finish)
	es.detach = []func(){removeChange, removeErr, removeClose}
	return es, nil
}

// Events yields change events in server order. The channel closes when the
// stream closes or the handle is detached.
func (es *EventStream) Events() <-chan *ChangeEvent {
	return es.events
}

// Err reports the terminal error, nil after a clean close.
func (es *EventStream) Err() error {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.err
}

// Close detaches the handle from the stream. The stream itself stays open.
func (es *EventStream) Close() {
	es.finish()
}

func (es *EventStream) forward(event *ChangeEvent) {
	es.mu.Lock()
	if es.stopped {
		es.mu.Unlock()
		return
	}
	es.senders.Add(1)
	es.mu.Unlock()
	defer es.senders.Done()
	select {
	case es.events <- event:
	case <-es.done:
	}
}

func (es *EventStream) fail(err error) {
	es.mu.Lock()
	es.err = err
	es.mu.Unlock()
}

func (es *EventStream) finish() {
	es.mu.Lock()
	if es.stopped {
		es.mu.Unlock()
		return
	}
	es.stopped = true
	detach := es.detach
	es.detach = nil
	es.mu.Unlock()

	close(es.done)
	for _, remove := range detach {
		remove()
	}
	// no new forwards start once stopped is set; wait out the in-flight ones
	// before closing the consumer-facing channel
	es.senders.Wait()
	close(es.events)
}
