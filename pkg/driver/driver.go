package driver

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mongoflow/changestream/pkg/changestream"
	"github.com/mongoflow/changestream/pkg/util"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/atomic"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

const (
	// minWireVersionComment is the first wire version (server 4.4) that
	// accepts a comment on cursor commands; older servers reject it, so it
	// is omitted there.
	minWireVersionComment = 9

	connectAttempts  = 5
	defaultTimeout   = 30 * time.Second
	topologyProbeTTL = 2 * time.Second
)

// Dispatcher runs aggregation cursors on a deployment. It implements
// changestream.Deployment.
type Dispatcher struct {
	logger      log.Logger
	client      *mongo.Client
	wireVersion atomic.Int32
}

// Connect establishes and verifies the client connection, then discovers the
// wire version of the deployment.
func Connect(ctx context.Context, connOpts *ConnectionOptions, lgr log.Logger) (*Dispatcher, error) {
	rollbacks := util.Rollbacks{}
	defer rollbacks.Do()

	timeout := connOpts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clientOptions := options.Client().
		ApplyURI(connOpts.connectionString()).
		SetConnectTimeout(timeout)
	if connOpts.User != "" {
		credential := options.Credential{
			AuthSource: connOpts.AuthSource,
			Username:   connOpts.User,
			Password:   connOpts.Password,
		}
		clientOptions = clientOptions.SetAuth(credential)
	}
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, xerrors.Errorf("unable to create client: %w", err)
	}
	rollbacks.Add(func() {
		if err := client.Disconnect(context.Background()); err != nil {
			lgr.Warn("cannot disconnect client", log.Error(err))
		}
	})

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return client.Ping(pingCtx, readpref.Primary())
	}
	err = backoff.RetryNotify(
		ping,
		backoff.WithContext(backoff.WithMaxRetries(util.NewExponentialBackOff(), connectAttempts), ctx),
		util.BackoffLoggerWarn(lgr, "ping deployment"),
	)
	if err != nil {
		return nil, xerrors.Errorf("unable to reach deployment: %w", err)
	}

	d := &Dispatcher{
		logger:      lgr,
		client:      client,
		wireVersion: atomic.Int32{},
	}
	wire, err := d.discoverWireVersion(ctx)
	if err != nil {
		return nil, xerrors.Errorf("unable to discover wire version: %w", err)
	}
	d.wireVersion.Store(wire)
	rollbacks.Cancel()
	return d, nil
}

// NewDispatcher wraps an already-connected client.
func NewDispatcher(ctx context.Context, client *mongo.Client, lgr log.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger:      lgr,
		client:      client,
		wireVersion: atomic.Int32{},
	}
	wire, err := d.discoverWireVersion(ctx)
	if err != nil {
		return nil, xerrors.Errorf("unable to discover wire version: %w", err)
	}
	d.wireVersion.Store(wire)
	return d, nil
}

func (d *Dispatcher) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

func (d *Dispatcher) Client() *mongo.Client {
	return d.client
}

func (d *Dispatcher) WireVersion() int32 {
	return d.wireVersion.Load()
}

func (d *Dispatcher) Topology() changestream.Topology {
	return d
}

// IsConnected probes the deployment with a short deadline.
func (d *Dispatcher) IsConnected(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, topologyProbeTTL)
	defer cancel()
	return d.client.Ping(probeCtx, readpref.Primary()) == nil
}

type helloResponse struct {
	MaxWireVersion int32 `bson:"maxWireVersion"`
}

func (d *Dispatcher) discoverWireVersion(ctx context.Context) (int32, error) {
	result := d.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}})
	raw, err := result.DecodeBytes()
	if err != nil {
		// pre-5.0 servers know the command under its legacy name
		result = d.client.Database("admin").RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}})
		if raw, err = result.DecodeBytes(); err != nil {
			return 0, xerrors.Errorf("hello command failed: %w", err)
		}
	}
	var hello helloResponse
	if err := bson.Unmarshal(raw, &hello); err != nil {
		return 0, xerrors.Errorf("cannot decode hello response: %w", err)
	}
	return hello.MaxWireVersion, nil
}

type cursorPayload struct {
	ID                   int64      `bson:"id"`
	NS                   string     `bson:"ns"`
	FirstBatch           []bson.Raw `bson:"firstBatch,omitempty"`
	NextBatch            []bson.Raw `bson:"nextBatch,omitempty"`
	PostBatchResumeToken bson.Raw   `bson:"postBatchResumeToken,omitempty"`
}

type cursorResponse struct {
	Cursor        cursorPayload        `bson:"cursor"`
	OperationTime *primitive.Timestamp `bson:"operationTime,omitempty"`
}

// OpenCursor runs the aggregate command and hands back a getMore-driven
// cursor over its batches.
func (d *Dispatcher) OpenCursor(ctx context.Context, plan *changestream.CursorPlan) (changestream.AggregateCursor, error) {
	cmd := buildAggregateCommand(plan, d.WireVersion())
	runOpts := options.RunCmd()
	if plan.ReadPreference != nil {
		runOpts = runOpts.SetReadPreference(plan.ReadPreference)
	}
	result := d.client.Database(plan.Database).RunCommand(ctx, cmd, runOpts)
	raw, err := result.DecodeBytes()
	if err != nil {
		return nil, xerrors.Errorf("aggregate failed: %w", err)
	}
	var response cursorResponse
	if err := bson.Unmarshal(raw, &response); err != nil {
		return nil, xerrors.Errorf("cannot decode aggregate response: %w", err)
	}
	collection := collectionFromNS(response.Cursor.NS)
	if collection == "" {
		return nil, xerrors.Errorf("aggregate response carries unusable cursor namespace %q", response.Cursor.NS)
	}
	return &serverCursor{
		logger:     d.logger,
		client:     d.client,
		database:   plan.Database,
		collection: collection,
		id:         response.Cursor.ID,
		pending: &changestream.ServerBatch{
			Documents:            response.Cursor.FirstBatch,
			PostBatchResumeToken: response.Cursor.PostBatchResumeToken,
		},
		operationTime: response.OperationTime,
		batchSize:     plan.BatchSize,
		maxAwaitTime:  plan.MaxAwaitTime,
		comment:       plan.Comment,
		wireVersion:   d.WireVersion(),
		readPref:      plan.ReadPreference,
	}, nil
}

func buildAggregateCommand(plan *changestream.CursorPlan, wireVersion int32) bson.D {
	cmd := bson.D{}
	if plan.Collection != "" {
		cmd = append(cmd, bson.E{Key: "aggregate", Value: plan.Collection})
	} else {
		cmd = append(cmd, bson.E{Key: "aggregate", Value: 1})
	}
	cmd = append(cmd, bson.E{Key: "pipeline", Value: plan.Pipeline})
	cursorSpec := bson.D{}
	if plan.BatchSize > 0 {
		cursorSpec = append(cursorSpec, bson.E{Key: "batchSize", Value: plan.BatchSize})
	}
	cmd = append(cmd, bson.E{Key: "cursor", Value: cursorSpec})
	if len(plan.Collation) > 0 {
		cmd = append(cmd, bson.E{Key: "collation", Value: plan.Collation})
	}
	if plan.Comment != nil && wireVersion >= minWireVersionComment {
		cmd = append(cmd, bson.E{Key: "comment", Value: plan.Comment})
	}
	return cmd
}

func collectionFromNS(ns string) string {
	parts := strings.SplitN(ns, ".", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// serverCursor is one open server cursor driven by getMore rounds.
type serverCursor struct {
	logger        log.Logger
	client        *mongo.Client
	database      string
	collection    string
	id            int64
	pending       *changestream.ServerBatch
	operationTime *primitive.Timestamp
	batchSize     int32
	maxAwaitTime  time.Duration
	comment       interface{}
	wireVersion   int32
	readPref      *readpref.ReadPref
}

func (c *serverCursor) OperationTime() *primitive.Timestamp {
	return c.operationTime
}

func (c *serverCursor) ID() int64 {
	return c.id
}

// NextBatch surfaces the buffered initial batch first, then performs one
// getMore per call. A nil batch means the server closed the cursor.
func (c *serverCursor) NextBatch(ctx context.Context) (*changestream.ServerBatch, error) {
	if c.pending != nil {
		batch := c.pending
		c.pending = nil
		return batch, nil
	}
	if c.id == 0 {
		return nil, nil
	}
	cmd := bson.D{
		{Key: "getMore", Value: c.id},
		{Key: "collection", Value: c.collection},
	}
	if c.batchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: c.batchSize})
	}
	if c.maxAwaitTime > 0 {
		cmd = append(cmd, bson.E{Key: "maxTimeMS", Value: c.maxAwaitTime.Milliseconds()})
	}
	if c.comment != nil && c.wireVersion >= minWireVersionComment {
		cmd = append(cmd, bson.E{Key: "comment", Value: c.comment})
	}
	runOpts := options.RunCmd()
	if c.readPref != nil {
		runOpts = runOpts.SetReadPreference(c.readPref)
	}
	result := c.client.Database(c.database).RunCommand(ctx, cmd, runOpts)
	raw, err := result.DecodeBytes()
	if err != nil {
		return nil, xerrors.Errorf("getMore failed: %w", err)
	}
	var response cursorResponse
	if err := bson.Unmarshal(raw, &response); err != nil {
		return nil, xerrors.Errorf("cannot decode getMore response: %w", err)
	}
	c.id = response.Cursor.ID
	return &changestream.ServerBatch{
		Documents:            response.Cursor.NextBatch,
		PostBatchResumeToken: response.Cursor.PostBatchResumeToken,
	}, nil
}

// Close kills the server cursor if it is still open.
func (c *serverCursor) Close(ctx context.Context) error {
	c.pending = nil
	if c.id == 0 {
		return nil
	}
	cmd := bson.D{
		{Key: "killCursors", Value: c.collection},
		{Key: "cursors", Value: bson.A{c.id}},
	}
	c.id = 0
	if err := c.client.Database(c.database).RunCommand(ctx, cmd).Err(); err != nil {
		return xerrors.Errorf("killCursors failed: %w", err)
	}
	return nil
}
