package changestream

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// CursorEventKind tags instrumentation notifications emitted while the
// underlying aggregation cursor is driven.
type CursorEventKind string

const (
	// CursorEventInit fires once per opened server cursor.
	CursorEventInit CursorEventKind = "init"
	// CursorEventMore fires before a getMore round.
	CursorEventMore CursorEventKind = "more"
	// CursorEventResponse fires after every server response.
	CursorEventResponse CursorEventKind = "response"
)

// CursorEvent describes one instrumentation notification.
type CursorEvent struct {
	Kind                 CursorEventKind
	CursorID             int64
	BatchLength          int
	PostBatchResumeToken bson.Raw
}

// cursorHooks are the callbacks a cursor reports through; owned by the
// controller.
type cursorHooks struct {
	onCursorEvent  func(CursorEvent)
	onTokenChanged func(bson.Raw)
	onDecode       func(time.Duration)
}

func (h *cursorHooks) cursorEvent(ev CursorEvent) {
	if h != nil && h.onCursorEvent != nil {
		h.onCursorEvent(ev)
	}
}

func (h *cursorHooks) tokenChanged(token bson.Raw) {
	if h != nil && h.onTokenChanged != nil {
		h.onTokenChanged(token)
	}
}

// changeStreamCursor drives one generation of the server cursor. It buffers
// the current batch, intercepts post-batch resume tokens, captures the
// initial operationTime, and knows how to describe an equivalent cursor for
// resumption through the shared resume state.
type changeStreamCursor struct {
	logger     log.Logger
	deployment Deployment
	scope      Scope
	pipeline   []bson.D // user stages, $changeStream excluded
	options    *Options
	state      *resumeState
	hooks      *cursorHooks

	base      AggregateCursor
	buffer    []bson.Raw
	postBatch bson.Raw
	exhausted bool
}

// newChangeStreamCursor opens the server cursor eagerly and captures the
// start-at-operation-time fallback when applicable.
func newChangeStreamCursor(
	ctx context.Context,
	deployment Deployment,
	scope Scope,
	pipeline []bson.D,
	options *Options,
	state *resumeState,
	hooks *cursorHooks,
	logger log.Logger,
) (*changeStreamCursor, error) {
	wireVersion := deployment.WireVersion()
	plan := &CursorPlan{
		Database:       scope.Database(),
		Collection:     scope.Collection(),
		Pipeline:       buildPipeline(scope, pipeline, options, state, wireVersion),
		BatchSize:      options.BatchSize,
		MaxAwaitTime:   options.MaxAwaitTime,
		Collation:      options.Collation,
		Comment:        options.Comment,
		ReadPreference: options.ReadPreference,
	}
	base, err := deployment.OpenCursor(ctx, plan)
	if err != nil {
		return nil, xerrors.Errorf("cannot open aggregation cursor for %s: %w", scope.String(), err)
	}
	state.captureOperationTime(base.OperationTime(), wireVersion)
	cursor := &changeStreamCursor{
		logger:     logger,
		deployment: deployment,
		scope:      scope,
		pipeline:   pipeline,
		options:    options,
		state:      state,
		hooks:      hooks,
		base:       base,
		buffer:     nil,
		postBatch:  nil,
		exhausted:  false,
	}
	hooks.cursorEvent(CursorEvent{Kind: CursorEventInit, CursorID: base.ID()})
	return cursor, nil
}

func buildPipeline(scope Scope, userStages []bson.D, options *Options, state *resumeState, wireVersion int32) []bson.D {
	pipeline := make([]bson.D, 0, len(userStages)+1)
	pipeline = append(pipeline, changeStreamStage(scope, options, state, wireVersion))
	pipeline = append(pipeline, userStages...)
	return pipeline
}

// next blocks until a change document is available, the cursor is exhausted
// (nil, nil), or an error occurs. Each underlying round may already wait up
// to the server-side await budget.
func (c *changeStreamCursor) next(ctx context.Context) (*ChangeEvent, error) {
	for {
		if event, err := c.popBuffered(); event != nil || err != nil {
			return event, err
		}
		if c.exhausted {
			return nil, nil
		}
		exhausted, err := c.fetchBatch(ctx)
		if err != nil {
			return nil, err
		}
		if exhausted {
			return nil, nil
		}
	}
}

// tryNext performs at most one server round. A (nil, nil) result means no
// document is available right now.
func (c *changeStreamCursor) tryNext(ctx context.Context) (*ChangeEvent, error) {
	if event, err := c.popBuffered(); event != nil || err != nil {
		return event, err
	}
	if c.exhausted {
		return nil, nil
	}
	exhausted, err := c.fetchBatch(ctx)
	if err != nil || exhausted {
		return nil, err
	}
	return c.popBuffered()
}

func (c *changeStreamCursor) popBuffered() (*ChangeEvent, error) {
	if len(c.buffer) == 0 {
		return nil, nil
	}
	doc := c.buffer[0]
	c.buffer = c.buffer[1:]
	started := time.Now()
	event, err := decodeChangeEvent(doc)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode change event: %w", err)
	}
	if c.hooks != nil && c.hooks.onDecode != nil {
		c.hooks.onDecode(time.Since(started))
	}
	return event, nil
}

// fetchBatch performs one getMore round and intercepts the response: the
// post-batch token is remembered, and an empty batch advances the stream
// position to it immediately.
func (c *changeStreamCursor) fetchBatch(ctx context.Context) (exhausted bool, err error) {
	c.hooks.cursorEvent(CursorEvent{Kind: CursorEventMore, CursorID: c.base.ID()})
	batch, err := c.base.NextBatch(ctx)
	if err != nil {
		return false, err
	}
	if batch == nil {
		c.exhausted = true
		return true, nil
	}
	if len(batch.PostBatchResumeToken) > 0 {
		c.postBatch = batch.PostBatchResumeToken
		c.state.notePostBatch(batch.PostBatchResumeToken)
	}
	if len(batch.Documents) == 0 && len(c.postBatch) > 0 {
		if c.state.advanceTo(c.postBatch) {
			c.hooks.tokenChanged(c.state.token())
		}
	}
	c.buffer = append(c.buffer, batch.Documents...)
	c.hooks.cursorEvent(CursorEvent{
		Kind:                 CursorEventResponse,
		CursorID:             c.base.ID(),
		BatchLength:          len(batch.Documents),
		PostBatchResumeToken: batch.PostBatchResumeToken,
	})
	return false, nil
}

// cacheResumeToken records the position of a surfaced event. The post-batch
// token marks the batch boundary and therefore wins over the event id once
// the batch is fully drained.
func (c *changeStreamCursor) cacheResumeToken(id bson.Raw) {
	token := id
	if len(c.buffer) == 0 && len(c.postBatch) > 0 {
		token = c.postBatch
	}
	if c.state.advanceTo(token) {
		c.hooks.tokenChanged(c.state.token())
	}
}

func (c *changeStreamCursor) resumeToken() bson.Raw {
	return c.state.token()
}

// close releases the server cursor. Errors are logged and swallowed: a
// cursor being torn down for resumption is expected to be broken already.
func (c *changeStreamCursor) close(ctx context.Context) {
	if err := c.base.Close(ctx); err != nil {
		c.logger.Warn("cannot close aggregation cursor", log.String("scope", c.scope.String()), log.Error(err))
	}
}
