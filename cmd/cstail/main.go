package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mongoflow/changestream/internal/logger"
	"github.com/mongoflow/changestream/pkg/changestream"
	"github.com/mongoflow/changestream/pkg/driver"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.ytsaurus.tech/library/go/core/metrics/solomon"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

var (
	uri          string
	database     string
	collection   string
	cluster      bool
	fullDocument string
	batchSize    int32
	maxAwait     time.Duration
	pipelineJSON string
	startAfter   string
	resumeAfter  string
)

func main() {
	rootCommand := &cobra.Command{
		Use:          "cstail",
		Short:        "Tail a MongoDB change stream and print events as extended JSON",
		Example:      "./cstail --uri mongodb://localhost:27017 --database shop --collection orders",
		SilenceUsage: true,
		RunE:         run,
	}
	rootCommand.Flags().StringVar(&uri, "uri", "mongodb://localhost:27017", "connection string")
	rootCommand.Flags().StringVar(&database, "database", "", "database to watch; omit with --cluster")
	rootCommand.Flags().StringVar(&collection, "collection", "", "collection to watch; omit to watch the whole database")
	rootCommand.Flags().BoolVar(&cluster, "cluster", false, "watch the whole cluster")
	rootCommand.Flags().StringVar(&fullDocument, "full-document", "", "fullDocument mode, forwarded to the server verbatim")
	rootCommand.Flags().Int32Var(&batchSize, "batch-size", 0, "cursor batch size")
	rootCommand.Flags().DurationVar(&maxAwait, "max-await", 0, "server-side await budget per getMore")
	rootCommand.Flags().StringVar(&pipelineJSON, "pipeline", "", "extra aggregation stages, extended JSON array")
	rootCommand.Flags().StringVar(&startAfter, "start-after", "", "startAfter resume token, extended JSON")
	rootCommand.Flags().StringVar(&resumeAfter, "resume-after", "", "resumeAfter resume token, extended JSON")

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func watchScope() (changestream.Scope, error) {
	switch {
	case cluster:
		return changestream.ClusterScope(), nil
	case collection != "":
		return changestream.CollectionScope(database, collection), nil
	case database != "":
		return changestream.DatabaseScope(database), nil
	default:
		return changestream.Scope{}, xerrors.New("either --cluster, --database or --database with --collection is required")
	}
}

func parseToken(raw string) (bson.Raw, error) {
	if raw == "" {
		return nil, nil
	}
	var token bson.Raw
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &token); err != nil {
		return nil, xerrors.Errorf("cannot parse resume token: %w", err)
	}
	return token, nil
}

func parsePipeline(raw string) ([]bson.D, error) {
	if raw == "" {
		return nil, nil
	}
	var stages []bson.D
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &stages); err != nil {
		return nil, xerrors.Errorf("cannot parse pipeline: %w", err)
	}
	return stages, nil
}

func toJSON(value interface{}) string {
	canonical := true
	escapeHTML := false
	data, err := bson.MarshalExtJSON(value, canonical, escapeHTML)
	if err != nil {
		logger.Log.Warnf("Cannot marshal BSON value to JSON: %v", err)
		return ""
	}
	return string(data)
}

func run(_ *cobra.Command, _ []string) error {
	lgr := logger.Log
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scope, err := watchScope()
	if err != nil {
		return err
	}
	stages, err := parsePipeline(pipelineJSON)
	if err != nil {
		return err
	}
	startToken, err := parseToken(startAfter)
	if err != nil {
		return err
	}
	resumeToken, err := parseToken(resumeAfter)
	if err != nil {
		return err
	}

	dispatcher, err := driver.Connect(ctx, &driver.ConnectionOptions{URI: uri}, lgr)
	if err != nil {
		return xerrors.Errorf("cannot connect: %w", err)
	}
	defer func() {
		if err := dispatcher.Close(context.Background()); err != nil {
			lgr.Warn("cannot disconnect")
		}
	}()

	stream, err := changestream.New(ctx, dispatcher, scope, stages, &changestream.Options{
		FullDocument: fullDocument,
		StartAfter:   startToken,
		ResumeAfter:  resumeToken,
		BatchSize:    batchSize,
		MaxAwaitTime: maxAwait,
		Logger:       lgr,
		Registry:     solomon.NewRegistry(solomon.NewRegistryOpts()),
	})
	if err != nil {
		return xerrors.Errorf("cannot open change stream: %w", err)
	}
	defer func() {
		_ = stream.Close(context.Background())
	}()

	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || xerrors.Is(err, changestream.ErrStreamClosed) {
				return nil
			}
			return xerrors.Errorf("change stream failed: %w", err)
		}
		fmt.Println(toJSON(event))
	}
}
