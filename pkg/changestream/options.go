package changestream

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/metrics"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

const (
	// adminDatabase hosts cluster-wide aggregations.
	adminDatabase = "admin"
)

type scopeKind int

const (
	scopeInvalid scopeKind = iota
	scopeCollection
	scopeDatabase
	scopeCluster
)

// Scope selects which part of the deployment the stream observes: one
// collection, one database, or the whole cluster.
type Scope struct {
	kind       scopeKind
	database   string
	collection string
}

func CollectionScope(database, collection string) Scope {
	return Scope{kind: scopeCollection, database: database, collection: collection}
}

func DatabaseScope(database string) Scope {
	return Scope{kind: scopeDatabase, database: database, collection: ""}
}

func ClusterScope() Scope {
	return Scope{kind: scopeCluster, database: adminDatabase, collection: ""}
}

func (s Scope) IsCluster() bool {
	return s.kind == scopeCluster
}

func (s Scope) Database() string {
	return s.database
}

func (s Scope) Collection() string {
	return s.collection
}

func (s Scope) String() string {
	switch s.kind {
	case scopeCollection:
		return s.database + "." + s.collection
	case scopeDatabase:
		return s.database
	case scopeCluster:
		return "cluster"
	default:
		return "invalid"
	}
}

func (s Scope) validate() error {
	switch s.kind {
	case scopeCollection:
		if s.database == "" || s.collection == "" {
			return &InvalidScopeError{Reason: "collection scope requires both database and collection names"}
		}
	case scopeDatabase:
		if s.database == "" {
			return &InvalidScopeError{Reason: "database scope requires a database name"}
		}
	case scopeCluster:
	default:
		return &InvalidScopeError{Reason: "scope must be a collection, a database, or the cluster"}
	}
	return nil
}

// Options configures one stream. Zero values mean "absent": absent fields are
// not sent to the server.
type Options struct {
	// FullDocument is forwarded verbatim inside the $changeStream stage.
	// It is deliberately not validated so that future server modes pass
	// through untouched.
	FullDocument string
	// ResumeAfter and StartAfter are user-supplied anchors, mutually
	// exclusive with each other and with StartAtOperationTime.
	ResumeAfter          bson.Raw
	StartAfter           bson.Raw
	StartAtOperationTime *primitive.Timestamp

	BatchSize      int32
	MaxAwaitTime   time.Duration
	Collation      bson.Raw
	Comment        interface{}
	ReadPreference *readpref.ReadPref

	Logger   log.Logger
	Registry metrics.Registry
}

func (o *Options) validate() error {
	anchors := 0
	if len(o.ResumeAfter) > 0 {
		anchors++
	}
	if len(o.StartAfter) > 0 {
		anchors++
	}
	if o.StartAtOperationTime != nil {
		anchors++
	}
	if anchors > 1 {
		return xerrors.New("resumeAfter, startAfter and startAtOperationTime are mutually exclusive")
	}
	return nil
}
