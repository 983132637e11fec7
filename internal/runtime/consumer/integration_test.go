package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nsai/internal/natstest"
	"github.com/drblury/nsai/internal/runtime/envelope"
	"github.com/drblury/nsai/internal/runtime/gateway"
	"github.com/drblury/nsai/internal/runtime/metrics"
	"github.com/drblury/nsai/internal/runtime/pipeline"
	"github.com/drblury/nsai/internal/runtime/stages"
)

func TestLoopAgainstBroker(t *testing.T) {
	ns, nc := natstest.Start(t)
	ctx := context.Background()

	g, err := gateway.Connect(ctx, gateway.ConnectConfig{URL: ns.ClientURL()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	stream, err := g.EnsureStream(ctx, "INFERENCE_JOBS", []string{"disinfo.raw"})
	require.NoError(t, err)
	cons, err := g.EnsureConsumer(ctx, stream, gateway.ConsumerConfig{
		Durable:       "detector_worker",
		FilterSubject: "disinfo.raw",
		AckWait:       30 * time.Second,
	})
	require.NoError(t, err)

	js := natstest.JetStream(t, nc)
	for _, hash := range []string{"h1", "h2", "h3"} {
		_, err := js.Publish(ctx, "disinfo.raw", envelope.Encode(envelope.AnalysisInput{ContentHash: hash, SourceID: "source-1"}))
		require.NoError(t, err)
	}
	_, err = js.Publish(ctx, "disinfo.raw", []byte{0x0a, 0x09, 'x'})
	require.NoError(t, err)

	registry := metrics.NewRegistry()
	orch, err := pipeline.New(pipeline.Dependencies{
		Extractor: stages.NewStaticExtractor(),
		Facts:     stages.NewStaticFactSource(),
		Engine:    stages.NewRuleEngine(),
		Recorder:  registry,
		Acker:     g,
	})
	require.NoError(t, err)

	sub, err := g.Pull(cons, gateway.PullConfig{BatchSize: 1, Expiry: time.Second})
	require.NoError(t, err)

	loop, err := New(sub, orch, registry)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- loop.Run(runCtx) }()

	require.Eventually(t, func() bool { return loop.Stats().Delivered == 4 }, 10*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	snap := registry.Snapshot()
	assert.Equal(t, uint64(3), snap.Processed)
	assert.Equal(t, uint64(1), snap.Errors)
	assert.Equal(t, uint64(1), loop.Stats().Failed)

	require.Eventually(t, func() bool {
		info, err := cons.Info(ctx)
		return err == nil && info.NumAckPending == 0 && info.NumPending == 0
	}, 5*time.Second, 50*time.Millisecond)
}
