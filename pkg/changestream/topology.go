package changestream

import (
	"context"
	"time"

	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

var (
	// topologyPollInterval is deliberately coarse: server discovery is the
	// underlying source of truth, polling merely observes it.
	topologyPollInterval = 500 * time.Millisecond
	topologyWaitBudget   = 30 * time.Second
)

// awaitTopologyConnected polls deployment health until it reports connected
// or the wait budget elapses. The deadline is anchored at the first probe.
func awaitTopologyConnected(ctx context.Context, topology Topology, logger log.Logger) error {
	started := time.Now()
	for {
		if topology.IsConnected(ctx) {
			return nil
		}
		elapsed := time.Since(started)
		if elapsed >= topologyWaitBudget {
			return &TopologyTimeoutError{Elapsed: elapsed}
		}
		logger.Debug("deployment is not reachable yet", log.Duration("elapsed", elapsed))
		select {
		case <-ctx.Done():
			return xerrors.Errorf("interrupted while waiting for the deployment: %w", ctx.Err())
		case <-time.After(topologyPollInterval):
		}
	}
}
