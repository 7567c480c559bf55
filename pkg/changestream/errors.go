package changestream

import (
	"fmt"
	"time"

	"go.ytsaurus.tech/library/go/core/xerrors"
)

var (
	// ErrStreamClosed is returned by Next, TryNext and HasNext once the
	// stream was closed by Close, by a terminal error, or by the server
	// ending it.
	ErrStreamClosed = xerrors.NewSentinel("change stream is closed")
	// ErrModeConflict is returned when a stream already consumed through one
	// of the two modes (iterator, emitter) is accessed through the other.
	ErrModeConflict = xerrors.NewSentinel("change stream is already consumed in a different mode")
	// ErrNoCursor is returned by Stream when no server cursor is active.
	ErrNoCursor = xerrors.NewSentinel("change stream has no active cursor")
)

// MissingResumeTokenError reports a change document that arrived without an
// _id field. Such a document cannot anchor resumption, so the stream closes.
type MissingResumeTokenError struct {
	OperationType OperationType
}

func (e *MissingResumeTokenError) Error() string {
	return fmt.Sprintf("change event %q carries no resume token (_id)", e.OperationType)
}

// TopologyTimeoutError reports that the deployment did not become reachable
// within the resume wait budget.
type TopologyTimeoutError struct {
	Elapsed time.Duration
}

func (e *TopologyTimeoutError) Error() string {
	return fmt.Sprintf("deployment was not reachable after %s of waiting", e.Elapsed)
}

// InvalidScopeError reports a watch scope that is neither a collection, nor a
// database, nor the whole cluster.
type InvalidScopeError struct {
	Reason string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("invalid watch scope: %s", e.Reason)
}
