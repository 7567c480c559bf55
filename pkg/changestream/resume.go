package changestream

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// minWireVersionOperationTime is the first wire version whose aggregate
// responses carry an operationTime usable as a startAtOperationTime anchor.
const minWireVersionOperationTime = 7

// resumeState is the per-stream resume bookkeeping. It is shared between
// cursor generations, so the position survives cursor swaps. Token fields
// are written only through advance paths, in server order; reads may come
// from any goroutine, hence the lock.
type resumeState struct {
	mu sync.Mutex

	resumeToken          bson.Raw
	postBatchResumeToken bson.Raw
	startAtOperationTime *primitive.Timestamp

	startAfter  bson.Raw
	resumeAfter bson.Raw
	hasReceived bool
}

func newResumeState(opts *Options) *resumeState {
	// a user anchor seeds the token cache so that the very first stage and
	// any resume before the first event replay the user's position
	seed := opts.StartAfter
	if len(seed) == 0 {
		seed = opts.ResumeAfter
	}
	return &resumeState{
		mu:                   sync.Mutex{},
		resumeToken:          seed,
		postBatchResumeToken: nil,
		startAtOperationTime: opts.StartAtOperationTime,
		startAfter:           opts.StartAfter,
		resumeAfter:          opts.ResumeAfter,
		hasReceived:          false,
	}
}

func (r *resumeState) token() bson.Raw {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeToken
}

// hasUserAnchor reports whether the starting position is already pinned,
// by a user anchor or by an earlier operationTime capture. Such a stream
// must not capture a server operationTime.
func (r *resumeState) hasUserAnchor() bool {
	return len(r.startAfter) > 0 || len(r.resumeAfter) > 0 || r.startAtOperationTime != nil
}

// advanceTo moves the cached resume token forward. Batches and events arrive
// in server order, so the newest observed token is always the right one to
// keep. Returns false when the token is unchanged.
func (r *resumeState) advanceTo(token bson.Raw) bool {
	if len(token) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if bytesEqual(r.resumeToken, token) {
		return false
	}
	r.resumeToken = token
	return true
}

func (r *resumeState) notePostBatch(token bson.Raw) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postBatchResumeToken = token
}

func (r *resumeState) markReceived() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasReceived = true
	// an event-derived position supersedes the captured start time; keeping
	// both would render two anchors into the next resume stage
	r.startAtOperationTime = nil
}

// captureOperationTime records the aggregate response operationTime as the
// fallback anchor. Only taken once, and only when the user supplied no
// anchor and no token has been observed yet.
func (r *resumeState) captureOperationTime(ts *primitive.Timestamp, wireVersion int32) {
	if ts == nil || wireVersion < minWireVersionOperationTime {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasUserAnchor() || len(r.resumeToken) > 0 {
		return
	}
	r.startAtOperationTime = ts
}

// anchor renders at most one resume anchor into dst, per the resumption
// rules: a cached token wins and is sent as startAfter only while no event
// has been surfaced on a startAfter stream, otherwise as resumeAfter; with
// no token, a known operation time is used when the server is recent enough.
func (r *resumeState) anchor(dst bson.D, wireVersion int32) bson.D {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.resumeToken) > 0 {
		if len(r.startAfter) > 0 && !r.hasReceived {
			return append(dst, bson.E{Key: "startAfter", Value: r.resumeToken})
		}
		return append(dst, bson.E{Key: "resumeAfter", Value: r.resumeToken})
	}
	if r.startAtOperationTime != nil && wireVersion >= minWireVersionOperationTime {
		return append(dst, bson.E{Key: "startAtOperationTime", Value: *r.startAtOperationTime})
	}
	return dst
}

// changeStreamStage renders the synthetic first pipeline stage from the
// current resume state and the pass-through stage options.
func changeStreamStage(scope Scope, opts *Options, state *resumeState, wireVersion int32) bson.D {
	spec := bson.D{}
	if scope.IsCluster() {
		spec = append(spec, bson.E{Key: "allChangesForCluster", Value: true})
	}
	if opts.FullDocument != "" {
		spec = append(spec, bson.E{Key: "fullDocument", Value: opts.FullDocument})
	}
	spec = state.anchor(spec, wireVersion)
	return bson.D{{Key: "$changeStream", Value: spec}}
}

func bytesEqual(a, b bson.Raw) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
