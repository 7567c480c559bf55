package driver

import (
	"testing"
	"time"

	"github.com/mongoflow/changestream/pkg/changestream"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func commandKeys(cmd bson.D) map[string]interface{} {
	keys := map[string]interface{}{}
	for _, element := range cmd {
		keys[element.Key] = element.Value
	}
	return keys
}

func TestBuildAggregateCommandForCollection(t *testing.T) {
	plan := &changestream.CursorPlan{
		Database:   "shop",
		Collection: "orders",
		Pipeline: []bson.D{
			{{Key: "$changeStream", Value: bson.D{}}},
		},
		BatchSize:    100,
		MaxAwaitTime: time.Second,
	}
	cmd := buildAggregateCommand(plan, 9)
	require.Equal(t, "aggregate", cmd[0].Key)
	require.Equal(t, "orders", cmd[0].Value)

	keys := commandKeys(cmd)
	require.Contains(t, keys, "pipeline")
	cursorSpec, ok := keys["cursor"].(bson.D)
	require.True(t, ok)
	require.Equal(t, bson.D{{Key: "batchSize", Value: int32(100)}}, cursorSpec)
	require.NotContains(t, keys, "comment")
	require.NotContains(t, keys, "collation")
}

func TestBuildAggregateCommandForDatabaseWideStream(t *testing.T) {
	plan := &changestream.CursorPlan{
		Database: "shop",
		Pipeline: []bson.D{
			{{Key: "$changeStream", Value: bson.D{}}},
		},
	}
	cmd := buildAggregateCommand(plan, 9)
	require.Equal(t, "aggregate", cmd[0].Key)
	require.Equal(t, 1, cmd[0].Value)
	cursorSpec, ok := commandKeys(cmd)["cursor"].(bson.D)
	require.True(t, ok)
	require.Empty(t, cursorSpec)
}

func TestCommentIsGatedByWireVersion(t *testing.T) {
	plan := &changestream.CursorPlan{
		Database:   "shop",
		Collection: "orders",
		Pipeline:   []bson.D{{{Key: "$changeStream", Value: bson.D{}}}},
		Comment:    "audit trail",
	}
	// servers 4.4+ receive the comment verbatim
	keys := commandKeys(buildAggregateCommand(plan, 9))
	require.Equal(t, "audit trail", keys["comment"])
	// older servers reject it, so it is dropped
	keys = commandKeys(buildAggregateCommand(plan, 8))
	require.NotContains(t, keys, "comment")

	// structured comment values pass through unchanged
	plan.Comment = bson.D{{Key: "ticket", Value: "OPS-1"}}
	keys = commandKeys(buildAggregateCommand(plan, 9))
	require.Equal(t, bson.D{{Key: "ticket", Value: "OPS-1"}}, keys["comment"])
}

func TestCollectionFromNS(t *testing.T) {
	require.Equal(t, "orders", collectionFromNS("shop.orders"))
	require.Equal(t, "$cmd.aggregate", collectionFromNS("admin.$cmd.aggregate"))
	require.Equal(t, "", collectionFromNS("oddball"))
}

func TestConnectionString(t *testing.T) {
	opts := &ConnectionOptions{Hosts: []string{"mongo1", "mongo2"}, Port: 27018, ReplicaSet: "rs0"}
	require.Equal(t, "mongodb://mongo1:27018,mongo2:27018/?replicaSet=rs0", opts.connectionString())

	opts = &ConnectionOptions{Hosts: []string{"cluster0.example.net"}, SRVMode: true}
	require.Equal(t, "mongodb+srv://cluster0.example.net/", opts.connectionString())

	opts = &ConnectionOptions{Hosts: []string{"localhost"}, Direct: true}
	require.Equal(t, "mongodb://localhost/?directConnection=true", opts.connectionString())

	opts = &ConnectionOptions{URI: "mongodb://explicit:27017"}
	require.Equal(t, "mongodb://explicit:27017", opts.connectionString())
}
