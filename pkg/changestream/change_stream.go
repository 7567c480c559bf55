package changestream

import (
	"context"
	"sync"
	"time"

	"github.com/mongoflow/changestream/pkg/stats"
	"go.mongodb.org/mongo-driver/bson"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/log/nop"
)

type streamMode int

const (
	modeUnset streamMode = iota
	modeIterator
	modeEmitter
)

// cursorCloseTimeout bounds the best-effort kill of a cursor that is being
// replaced or torn down.
const cursorCloseTimeout = 5 * time.Second

// ChangeStream is a resumable, ordered stream of change events over a
// collection, a database, or the whole cluster.
//
// A stream is consumed either by iterating (Next, TryNext, HasNext) or by
// subscribing listeners (OnChange, Stream); the first use picks the mode and
// the other mode is rejected for the stream's lifetime. Concurrent parallel
// consumption of one stream is not supported.
type ChangeStream struct {
	logger     log.Logger
	deployment Deployment
	scope      Scope
	pipeline   []bson.D
	options    Options
	stats      *stats.ChangeStreamStats
	emitter    *emitter
	hooks      *cursorHooks

	mu       sync.Mutex
	mode     streamMode
	closed   bool
	closeErr error
	cursor   *changeStreamCursor
	state    *resumeState
	bridge   *streamBridge
	doneCh   chan struct{}

	// iterMu serializes iterator consumers; waiters blocked on it resume in
	// FIFO order after an in-flight call (or a resume inside it) completes.
	iterMu sync.Mutex
	peeked *ChangeEvent
}

// New opens a change stream over the given scope. The server cursor is
// created eagerly: a failed aggregate surfaces here.
func New(ctx context.Context, deployment Deployment, scope Scope, pipeline []bson.D, options *Options) (*ChangeStream, error) {
	if options == nil {
		options = &Options{}
	}
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = &nop.Logger{}
	}
	logger = log.With(logger, log.String("scope", scope.String()))

	s := &ChangeStream{
		logger:     logger,
		deployment: deployment,
		scope:      scope,
		pipeline:   pipeline,
		options:    *options,
		stats:      stats.NewChangeStreamStats(options.Registry),
		emitter:    newEmitter(),
		hooks:      nil,
		mu:         sync.Mutex{},
		mode:       modeUnset,
		closed:     false,
		closeErr:   nil,
		cursor:     nil,
		state:      newResumeState(options),
		bridge:     nil,
		doneCh:     make(chan struct{}),
		iterMu:     sync.Mutex{},
		peeked:     nil,
	}
	s.hooks = &cursorHooks{
		onCursorEvent: s.onCursorEvent,
		onTokenChanged: func(token bson.Raw) {
			emitTo(s.emitter, &s.emitter.tokens, token)
		},
		onDecode: s.stats.DecodeTime.RecordDuration,
	}
	cursor, err := newChangeStreamCursor(ctx, deployment, scope, pipeline, &s.options, s.state, s.hooks, logger)
	if err != nil {
		return nil, err
	}
	s.cursor = cursor
	return s, nil
}

// ResumeToken returns the latest cached resume position, nil before any
// token has been observed.
func (s *ChangeStream) ResumeToken() bson.Raw {
	return s.state.token()
}

// Next blocks until the next event is available. It switches the stream into
// iterator mode.
func (s *ChangeStream) Next(ctx context.Context) (*ChangeEvent, error) {
	if s.isClosed() {
		return nil, s.closedError()
	}
	if err := s.enterMode(modeIterator); err != nil {
		return nil, err
	}
	s.iterMu.Lock()
	defer s.iterMu.Unlock()
	if event := s.takePeeked(); event != nil {
		return event, nil
	}
	return s.fetch(ctx, true)
}

// TryNext returns the next event, or (nil, nil) when none is available after
// at most one server round. It switches the stream into iterator mode.
func (s *ChangeStream) TryNext(ctx context.Context) (*ChangeEvent, error) {
	if s.isClosed() {
		return nil, s.closedError()
	}
	if err := s.enterMode(modeIterator); err != nil {
		return nil, err
	}
	s.iterMu.Lock()
	defer s.iterMu.Unlock()
	if event := s.takePeeked(); event != nil {
		return event, nil
	}
	return s.fetch(ctx, false)
}

// HasNext blocks until an event is available and reports true; the event is
// kept for the following Next. It switches the stream into iterator mode.
func (s *ChangeStream) HasNext(ctx context.Context) (bool, error) {
	if s.isClosed() {
		return false, s.closedError()
	}
	if err := s.enterMode(modeIterator); err != nil {
		return false, err
	}
	s.iterMu.Lock()
	defer s.iterMu.Unlock()
	if s.peeked != nil {
		return true, nil
	}
	event, err := s.fetch(ctx, true)
	if err != nil {
		return false, err
	}
	s.peeked = event
	return true, nil
}

func (s *ChangeStream) takePeeked() *ChangeEvent {
	event := s.peeked
	s.peeked = nil
	return event
}

// fetch drives the active cursor, transparently resuming across retryable
// errors. With blocking unset it performs at most one server round and
// reports (nil, nil) when no event arrived.
func (s *ChangeStream) fetch(ctx context.Context, blocking bool) (*ChangeEvent, error) {
	for {
		cursor, err := s.activeCursor()
		if err != nil {
			return nil, err
		}
		cctx, cancel := s.consumeContext(ctx)
		var event *ChangeEvent
		if blocking {
			event, err = cursor.next(cctx)
		} else {
			event, err = cursor.tryNext(cctx)
		}
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if s.isClosed() {
				return nil, s.closedError()
			}
			if rerr := s.handleCursorError(ctx, err); rerr != nil {
				return nil, rerr
			}
			continue
		}
		if event == nil {
			if cursor.exhausted {
				s.implicitClose()
				return nil, s.closedError()
			}
			if !blocking {
				return nil, nil
			}
			continue
		}
		return s.processNewChange(event)
	}
}

// handleCursorError applies the recovery matrix: retryable errors trigger an
// in-place resume and a nil return, terminal ones close the stream and are
// handed back.
func (s *ChangeStream) handleCursorError(ctx context.Context, cause error) error {
	s.stats.Errors.Inc()
	if !s.deployment.IsResumableError(cause, s.deployment.WireVersion()) {
		s.stats.Fatal.Inc()
		s.closeWithError(cause)
		return cause
	}
	return s.resume(ctx, cause)
}

// processNewChange validates and records one surfaced event. The cached
// token advances, listeners observe the new token, and only then is the
// event handed to the consumer.
func (s *ChangeStream) processNewChange(event *ChangeEvent) (*ChangeEvent, error) {
	if s.isClosed() {
		return nil, s.closedError()
	}
	if len(event.ID) == 0 {
		err := &MissingResumeTokenError{OperationType: event.OperationType}
		s.closeWithError(err)
		return nil, err
	}
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()
	if cursor != nil {
		cursor.cacheResumeToken(event.ID)
	}
	s.state.markReceived()
	s.stats.Events.Inc()
	return event, nil
}

// resume tears down the broken cursor, waits for the deployment to come
// back, and opens a replacement positioned at the cached token. A failed
// resume closes the stream.
func (s *ChangeStream) resume(ctx context.Context, cause error) error {
	s.logger.Warn("change stream hit a retryable error, resuming", log.Error(cause))
	s.stats.Resumes.Inc()
	started := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closedError()
	}
	old := s.cursor
	s.cursor = nil
	s.mu.Unlock()

	if old != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cursorCloseTimeout)
		old.close(closeCtx)
		cancel()
	}

	if err := awaitTopologyConnected(ctx, s.deployment.Topology(), s.logger); err != nil {
		s.stats.Fatal.Inc()
		s.closeWithError(err)
		return err
	}

	cursor, err := newChangeStreamCursor(ctx, s.deployment, s.scope, s.pipeline, &s.options, s.state, s.hooks, s.logger)
	if err != nil {
		s.stats.Fatal.Inc()
		s.closeWithError(err)
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), cursorCloseTimeout)
		cursor.close(closeCtx)
		cancel()
		return s.closedError()
	}
	s.cursor = cursor
	s.mu.Unlock()
	s.stats.ResumeTime.RecordDuration(time.Since(started))
	s.logger.Info("change stream resumed", log.Duration("elapsed", time.Since(started)))
	return nil
}

// Close tears the stream down. It is idempotent and authoritative: the
// closed flag is set synchronously, no event is delivered afterwards.
func (s *ChangeStream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.doneCh)
	cursor := s.cursor
	s.cursor = nil
	bridge := s.bridge
	s.bridge = nil
	s.mu.Unlock()

	if bridge != nil {
		bridge.stop()
	}
	if cursor != nil {
		cursor.close(ctx)
	}
	emitTo(s.emitter, &s.emitter.closeHooks, struct{}{})
	return nil
}

// closeWithError closes the stream because of a terminal error and notifies
// error listeners. Safe to call from the bridge goroutine: the bridge is
// cancelled, not awaited.
func (s *ChangeStream) closeWithError(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = cause
	close(s.doneCh)
	cursor := s.cursor
	s.cursor = nil
	bridge := s.bridge
	s.bridge = nil
	s.mu.Unlock()

	if bridge != nil {
		bridge.cancel()
	}
	if cursor != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cursorCloseTimeout)
		cursor.close(closeCtx)
		cancel()
	}
	s.logger.Error("change stream closed on terminal error", log.Error(cause))
	emitTo(s.emitter, &s.emitter.errors, cause)
	emitTo(s.emitter, &s.emitter.closeHooks, struct{}{})
}

// implicitClose handles the server ending the stream without an error: the
// cursor reported exhaustion, which is terminal but not a failure.
func (s *ChangeStream) implicitClose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.doneCh)
	cursor := s.cursor
	s.cursor = nil
	bridge := s.bridge
	s.bridge = nil
	s.mu.Unlock()

	if bridge != nil {
		bridge.cancel()
	}
	if cursor != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cursorCloseTimeout)
		cursor.close(closeCtx)
		cancel()
	}
	s.logger.Info("change stream ended by the server")
	emitTo(s.emitter, &s.emitter.endHooks, struct{}{})
	emitTo(s.emitter, &s.emitter.closeHooks, struct{}{})
}

func (s *ChangeStream) enterMode(mode streamMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == modeUnset {
		s.mode = mode
		return nil
	}
	if s.mode != mode {
		return ErrModeConflict
	}
	return nil
}

func (s *ChangeStream) activeCursor() (*changeStreamCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.closedErrorLocked()
	}
	if s.cursor == nil {
		return nil, ErrNoCursor
	}
	return s.cursor, nil
}

func (s *ChangeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *ChangeStream) closedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErrorLocked()
}

func (s *ChangeStream) closedErrorLocked() error {
	if s.closeErr != nil {
		return ErrStreamClosed.Wrap(s.closeErr)
	}
	return ErrStreamClosed
}

// consumeContext derives a context that is cancelled both by the caller and
// by Close, so a blocked consumer observes teardown promptly.
func (s *ChangeStream) consumeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.doneCh:
			cancel()
		case <-cctx.Done():
		}
	}()
	return cctx, cancel
}

func (s *ChangeStream) onCursorEvent(event CursorEvent) {
	switch event.Kind {
	case CursorEventResponse:
		s.stats.Batches.Inc()
		if event.BatchLength == 0 {
			s.stats.EmptyBatches.Inc()
		}
	default:
	}
	emitTo(s.emitter, &s.emitter.cursor, event)
}

// OnCursorEvent subscribes to instrumentation notifications (init, more,
// response). Allowed in both modes.
func (s *ChangeStream) OnCursorEvent(fn func(CursorEvent)) (remove func()) {
	return addListener(s.emitter, &s.emitter.cursor, fn)
}

// OnResumeTokenChanged fires after the cached token advances and before the
// event that produced it is delivered. Allowed in both modes.
func (s *ChangeStream) OnResumeTokenChanged(fn func(bson.Raw)) (remove func()) {
	return addListener(s.emitter, &s.emitter.tokens, fn)
}

// OnError fires for every terminal error. Allowed in both modes.
func (s *ChangeStream) OnError(fn func(error)) (remove func()) {
	return addListener(s.emitter, &s.emitter.errors, fn)
}

// OnEnd fires when the server ends the stream. Allowed in both modes.
func (s *ChangeStream) OnEnd(fn func()) (remove func()) {
	return addListener(s.emitter, &s.emitter.endHooks, func(struct{}) { fn() })
}

// OnClose fires once when the stream closes for any reason. Allowed in both
// modes.
func (s *ChangeStream) OnClose(fn func()) (remove func()) {
	return addListener(s.emitter, &s.emitter.closeHooks, func(struct{}) { fn() })
}
