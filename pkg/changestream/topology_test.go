package changestream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.ytsaurus.tech/library/go/core/log/nop"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

func TestAwaitTopologyImmediateSuccess(t *testing.T) {
	topology := &fakeTopology{}
	require.NoError(t, awaitTopologyConnected(context.Background(), topology, &nop.Logger{}))
}

func TestAwaitTopologyDelayedSuccess(t *testing.T) {
	savedInterval := topologyPollInterval
	topologyPollInterval = time.Millisecond
	defer func() { topologyPollInterval = savedInterval }()

	topology := &fakeTopology{connectAfter: 5}
	require.NoError(t, awaitTopologyConnected(context.Background(), topology, &nop.Logger{}))
}

func TestAwaitTopologyTimesOut(t *testing.T) {
	savedInterval, savedBudget := topologyPollInterval, topologyWaitBudget
	topologyPollInterval, topologyWaitBudget = time.Millisecond, 5*time.Millisecond
	defer func() {
		topologyPollInterval, topologyWaitBudget = savedInterval, savedBudget
	}()

	topology := &fakeTopology{connectAfter: -1}
	err := awaitTopologyConnected(context.Background(), topology, &nop.Logger{})
	timeout := new(TopologyTimeoutError)
	require.True(t, xerrors.As(err, &timeout))
	require.GreaterOrEqual(t, timeout.Elapsed, 5*time.Millisecond)
}

func TestAwaitTopologyHonorsCancellation(t *testing.T) {
	savedInterval := topologyPollInterval
	topologyPollInterval = 10 * time.Millisecond
	defer func() { topologyPollInterval = savedInterval }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	topology := &fakeTopology{connectAfter: -1}
	err := awaitTopologyConnected(ctx, topology, &nop.Logger{})
	require.True(t, xerrors.Is(err, context.Canceled))
}
