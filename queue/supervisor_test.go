package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalwatch/config"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := &config.Config{
		QueueBackend:      config.QueueBackendKVStore,
		KVURL:             "redis://" + mr.Addr(),
		DBURL:             "unused",
		WorkerConcurrency: 2,
		PollInterval:      10 * time.Millisecond,
	}
	logger := zap.NewNop().Sugar()
	sup := NewSupervisor(cfg, logger)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(func() { sup.Shutdown() })
	return sup
}

func TestSupervisorQueueIsCached(t *testing.T) {
	sup := newTestSupervisor(t)

	q1, err := sup.Queue("alerts")
	require.NoError(t, err)
	q2, err := sup.Queue("alerts")
	require.NoError(t, err)
	require.Same(t, q1, q2)

	q3, err := sup.Queue("other")
	require.NoError(t, err)
	require.NotSame(t, q1, q3)
}

func TestSupervisorWorkerIgnoresProcessorOnSecondRequest(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx := context.Background()

	firstCalled := make(chan struct{}, 1)
	w1, err := sup.Worker(ctx, "alerts", func(ctx context.Context, job *Job) error {
		firstCalled <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	secondCalled := make(chan struct{}, 1)
	w2, err := sup.Worker(ctx, "alerts", func(ctx context.Context, job *Job) error {
		secondCalled <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.Same(t, w1, w2)

	q, err := sup.Queue("alerts")
	require.NoError(t, err)
	_, err = q.Add(ctx, "alerts", "payload", AddOptions{})
	require.NoError(t, err)

	select {
	case <-firstCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("first registered processor never ran")
	}
	select {
	case <-secondCalled:
		t.Fatal("second processor should have been ignored")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSupervisorShutdownIsIdempotentAndSafeWhenUnstarted(t *testing.T) {
	logger := zap.NewNop().Sugar()
	sup := NewSupervisor(&config.Config{QueueBackend: config.QueueBackendKVStore}, logger)
	require.NoError(t, sup.Shutdown())
	require.NoError(t, sup.Shutdown())

	sup2 := newTestSupervisor(t)
	require.NoError(t, sup2.Shutdown())
	require.NoError(t, sup2.Shutdown())
}

func TestSupervisorStatusAggregatesQueues(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx := context.Background()

	q, err := sup.Queue("alerts")
	require.NoError(t, err)
	_, err = q.Add(ctx, "alerts", "payload", AddOptions{})
	require.NoError(t, err)

	status, err := sup.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status["alerts"].Waiting)
}
