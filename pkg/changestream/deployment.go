package changestream

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ServerBatch is one server response to an aggregate or getMore round.
type ServerBatch struct {
	Documents            []bson.Raw
	PostBatchResumeToken bson.Raw
}

// AggregateCursor is an open server-side aggregation cursor. One call to
// NextBatch performs at most one wire round and may block up to the
// server-side await budget. A (nil, nil) result means the server closed the
// cursor and every buffered batch was already surfaced.
type AggregateCursor interface {
	NextBatch(ctx context.Context) (*ServerBatch, error)
	// OperationTime returns the operationTime of the initial aggregate
	// response, nil when the server did not report one.
	OperationTime() *primitive.Timestamp
	ID() int64
	Close(ctx context.Context) error
}

// CursorPlan is everything a deployment needs to open one aggregation cursor.
// Pipeline already has the rendered $changeStream stage in front.
type CursorPlan struct {
	Database       string
	Collection     string // empty for database- and cluster-wide aggregations
	Pipeline       []bson.D
	BatchSize      int32
	MaxAwaitTime   time.Duration
	Collation      bson.Raw
	Comment        interface{}
	ReadPreference *readpref.ReadPref
}

// Deployment is the dispatch layer the stream runs on. Implemented by
// pkg/driver over a real client; faked in tests.
type Deployment interface {
	OpenCursor(ctx context.Context, plan *CursorPlan) (AggregateCursor, error)
	// WireVersion is the max wire version of the selected server.
	WireVersion() int32
	Topology() Topology
	// IsResumableError classifies a cursor error: true means the stream may
	// reopen a cursor and continue, false means the error is terminal.
	IsResumableError(err error, wireVersion int32) bool
}

// Topology reports deployment health. Accessed concurrently; implementations
// must be safe for parallel use.
type Topology interface {
	IsConnected(ctx context.Context) bool
}
