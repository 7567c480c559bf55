package changestream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// scripted server responses: each step is either a batch or an error; a
// drained script behaves like a server-closed cursor.
type fakeStep struct {
	batch *ServerBatch
	err   error
}

type fakeCursor struct {
	mu            sync.Mutex
	steps         []fakeStep
	operationTime *primitive.Timestamp
	closed        bool
	// gate, when set, feeds steps one by one under test control
	gate chan fakeStep
	// blocking makes a drained script wait for cancellation instead of
	// reporting a server-closed cursor
	blocking bool
}

func (c *fakeCursor) NextBatch(ctx context.Context) (*ServerBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case step, ok := <-c.gate:
			if !ok {
				return nil, nil
			}
			return step.batch, step.err
		}
	}
	c.mu.Lock()
	if len(c.steps) == 0 {
		c.mu.Unlock()
		if c.blocking {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, nil
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	c.mu.Unlock()
	return step.batch, step.err
}

func (c *fakeCursor) OperationTime() *primitive.Timestamp {
	return c.operationTime
}

func (c *fakeCursor) ID() int64 {
	return 42
}

func (c *fakeCursor) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeTopology struct {
	mu sync.Mutex
	// probes left before IsConnected starts reporting true; negative means
	// never
	connectAfter int
}

func (t *fakeTopology) IsConnected(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectAfter < 0 {
		return false
	}
	if t.connectAfter > 0 {
		t.connectAfter--
		return false
	}
	return true
}

type fakeDeployment struct {
	mu       sync.Mutex
	wire     int32
	cursors  []*fakeCursor
	openErrs []error
	plans    []*CursorPlan
	topology *fakeTopology
	// resumable marks every error retryable unless overridden
	resumable func(err error, wire int32) bool
}

func newFakeDeployment(wire int32, cursors ...*fakeCursor) *fakeDeployment {
	return &fakeDeployment{
		wire:     wire,
		cursors:  cursors,
		topology: &fakeTopology{},
	}
}

func (d *fakeDeployment) OpenCursor(ctx context.Context, plan *CursorPlan) (AggregateCursor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans = append(d.plans, plan)
	generation := len(d.plans) - 1
	if generation < len(d.openErrs) && d.openErrs[generation] != nil {
		return nil, d.openErrs[generation]
	}
	if generation >= len(d.cursors) {
		return nil, xerrors.New("fake deployment ran out of scripted cursors")
	}
	return d.cursors[generation], nil
}

func (d *fakeDeployment) WireVersion() int32 {
	return d.wire
}

func (d *fakeDeployment) Topology() Topology {
	return d.topology
}

func (d *fakeDeployment) IsResumableError(err error, wire int32) bool {
	if d.resumable != nil {
		return d.resumable(err, wire)
	}
	return true
}

func (d *fakeDeployment) openedPlans() []*CursorPlan {
	d.mu.Lock()
	defer d.mu.Unlock()
	plans := make([]*CursorPlan, len(d.plans))
	copy(plans, d.plans)
	return plans
}

func mustRaw(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func testToken(t *testing.T, data string) bson.Raw {
	t.Helper()
	return mustRaw(t, bson.D{{Key: "_data", Value: data}})
}

func insertEventDoc(t *testing.T, tokenData string, id int32) bson.Raw {
	t.Helper()
	return mustRaw(t, bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: tokenData}}},
		{Key: "operationType", Value: "insert"},
		{Key: "clusterTime", Value: primitive.Timestamp{T: 100, I: 1}},
		{Key: "ns", Value: bson.D{{Key: "db", Value: "testdb"}, {Key: "coll", Value: "items"}}},
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: id}}},
		{Key: "fullDocument", Value: bson.D{{Key: "_id", Value: id}}},
	})
}

// stageAnchors extracts the $changeStream stage of an opened plan as a map.
func stageAnchors(t *testing.T, plan *CursorPlan) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, plan.Pipeline)
	stage := plan.Pipeline[0]
	require.Equal(t, "$changeStream", stage[0].Key)
	spec, ok := stage[0].Value.(bson.D)
	require.True(t, ok)
	anchors := map[string]interface{}{}
	for _, element := range spec {
		anchors[element.Key] = element.Value
	}
	return anchors
}
