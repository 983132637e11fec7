package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nsai/internal/runtime/envelope"
	errspkg "github.com/drblury/nsai/internal/runtime/errors"
	"github.com/drblury/nsai/internal/runtime/gateway"
	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
	"github.com/drblury/nsai/internal/runtime/metrics"
	"github.com/drblury/nsai/internal/runtime/stages"
)

type fakeMessage struct {
	mu      sync.Mutex
	subject string
	data    []byte
	acks    int
	ackErr  error
}

func newMessage(data []byte) *fakeMessage {
	return &fakeMessage{subject: "disinfo.raw", data: data}
}

func (m *fakeMessage) Subject() string { return m.subject }
func (m *fakeMessage) Data() []byte    { return m.data }

func (m *fakeMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return m.ackErr
}

func (m *fakeMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks
}

var sampleInput = envelope.AnalysisInput{
	ContentHash: "abc123",
	ContentText: "Test content",
	SourceID:    "source-1",
	ImageURL:    "https://example.com/img.png",
}

func newOrchestrator(t *testing.T, deps Dependencies, opts ...Option) (*Orchestrator, *metrics.Registry) {
	t.Helper()
	registry := metrics.NewRegistry()
	if deps.Extractor == nil {
		deps.Extractor = stages.NewStaticExtractor()
	}
	if deps.Facts == nil {
		deps.Facts = stages.NewStaticFactSource()
	}
	if deps.Engine == nil {
		deps.Engine = stages.NewRuleEngine()
	}
	deps.Recorder = registry

	o, err := New(deps, opts...)
	require.NoError(t, err)
	return o, registry
}

func featuresOf(score float64) stages.FeatureExtractor {
	return stages.FeatureExtractorFunc(func(context.Context, string) (stages.NeuralFeatures, error) {
		return stages.NeuralFeatures{"fakeness_score": score}, nil
	})
}

func TestNewRequiresDependencies(t *testing.T) {
	full := Dependencies{
		Extractor: stages.NewStaticExtractor(),
		Facts:     stages.NewStaticFactSource(),
		Engine:    stages.NewRuleEngine(),
		Recorder:  metrics.NewRegistry(),
	}

	tests := []struct {
		name   string
		mutate func(*Dependencies)
		want   error
	}{
		{"extractor", func(d *Dependencies) { d.Extractor = nil }, errspkg.ErrExtractorRequired},
		{"facts", func(d *Dependencies) { d.Facts = nil }, errspkg.ErrFactSourceRequired},
		{"engine", func(d *Dependencies) { d.Engine = nil }, errspkg.ErrEngineRequired},
		{"recorder", func(d *Dependencies) { d.Recorder = nil }, errspkg.ErrRecorderRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			_, err := New(deps)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := New(full)
	assert.NoError(t, err)
}

func TestProcessSuccess(t *testing.T) {
	o, registry := newOrchestrator(t, Dependencies{})
	msg := newMessage(envelope.Encode(sampleInput))

	out := o.Process(context.Background(), msg)

	require.NoError(t, out.Err)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, StateVerdicted, out.Reached)
	assert.True(t, out.Acked)
	assert.NoError(t, out.AckErr)
	assert.Equal(t, stages.LabelSafe, out.Verdict.Label)
	assert.Equal(t, 1, msg.ackCount())

	snap := registry.Snapshot()
	assert.Equal(t, uint64(1), snap.Processed)
	assert.Equal(t, uint64(0), snap.Errors)
	assert.Equal(t, uint64(1), snap.LatencyCount)
	assert.InDelta(t, out.Latency.Seconds(), snap.LatencySum, 1e-9)
}

func TestProcessPassesInputFieldsToStages(t *testing.T) {
	var gotHash, gotSource string
	var gotFeatures stages.NeuralFeatures
	var gotFacts stages.FactSet

	o, _ := newOrchestrator(t, Dependencies{
		Extractor: stages.FeatureExtractorFunc(func(_ context.Context, hash string) (stages.NeuralFeatures, error) {
			gotHash = hash
			return stages.NeuralFeatures{"fakeness_score": 0.9}, nil
		}),
		Facts: stages.FactSourceFunc(func(_ context.Context, id string) stages.FactSet {
			gotSource = id
			return stages.FactSet{"source_trusted": "false"}
		}),
		Engine: stages.VerdictEngineFunc(func(ctx context.Context, f stages.NeuralFeatures, facts stages.FactSet) (stages.Verdict, error) {
			gotFeatures, gotFacts = f, facts
			return stages.NewRuleEngine().Evaluate(ctx, f, facts)
		}),
	})

	out := o.Process(context.Background(), newMessage(envelope.Encode(sampleInput)))

	assert.Equal(t, "abc123", gotHash)
	assert.Equal(t, "source-1", gotSource)
	assert.Equal(t, stages.NeuralFeatures{"fakeness_score": 0.9}, gotFeatures)
	assert.Equal(t, stages.FactSet{"source_trusted": "false"}, gotFacts)
	assert.Equal(t, stages.LabelDisinfo, out.Verdict.Label)
}

func TestProcessMalformedPayload(t *testing.T) {
	o, registry := newOrchestrator(t, Dependencies{})
	msg := newMessage([]byte{0x0a, 0x05, 'a'})

	out := o.Process(context.Background(), msg)

	var decodeErr *envelope.DecodeError
	require.ErrorAs(t, out.Err, &decodeErr)
	assert.Equal(t, StateReceived, out.Reached)
	assert.True(t, out.Acked)
	assert.Equal(t, 1, msg.ackCount())

	snap := registry.Snapshot()
	assert.Equal(t, uint64(0), snap.Processed)
	assert.Equal(t, uint64(1), snap.Errors)
	assert.Equal(t, uint64(0), snap.LatencyCount)
}

func TestProcessStageFailures(t *testing.T) {
	boom := errors.New("model runtime unavailable")

	tests := []struct {
		name    string
		deps    Dependencies
		stage   string
		reached State
	}{
		{
			name: "feature extractor",
			deps: Dependencies{Extractor: stages.FeatureExtractorFunc(func(context.Context, string) (stages.NeuralFeatures, error) {
				return nil, boom
			})},
			stage:   stages.StageFeatures,
			reached: StateDecoded,
		},
		{
			name: "verdict engine",
			deps: Dependencies{Engine: stages.VerdictEngineFunc(func(context.Context, stages.NeuralFeatures, stages.FactSet) (stages.Verdict, error) {
				return stages.Verdict{}, boom
			})},
			stage:   stages.StageVerdict,
			reached: StateFactsLoaded,
		},
		{
			name: "panicking engine",
			deps: Dependencies{Engine: stages.VerdictEngineFunc(func(context.Context, stages.NeuralFeatures, stages.FactSet) (stages.Verdict, error) {
				panic("rule table corrupted")
			})},
			stage:   stages.StageVerdict,
			reached: StateFactsLoaded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, registry := newOrchestrator(t, tt.deps)
			msg := newMessage(envelope.Encode(sampleInput))

			out := o.Process(context.Background(), msg)

			var stageErr *stages.StageError
			require.ErrorAs(t, out.Err, &stageErr)
			assert.Equal(t, tt.stage, stageErr.Stage)
			assert.Equal(t, tt.reached, out.Reached)
			assert.True(t, out.Acked)
			assert.Equal(t, 1, msg.ackCount())

			snap := registry.Snapshot()
			assert.Equal(t, uint64(0), snap.Processed)
			assert.Equal(t, uint64(1), snap.Errors)
		})
	}
}

func TestProcessKeepsExistingStageError(t *testing.T) {
	inner := &stages.StageError{Stage: "model_gateway", Err: errors.New("503")}
	o, _ := newOrchestrator(t, Dependencies{
		Extractor: stages.FeatureExtractorFunc(func(context.Context, string) (stages.NeuralFeatures, error) {
			return nil, inner
		}),
	})

	out := o.Process(context.Background(), newMessage(envelope.Encode(sampleInput)))
	assert.Same(t, inner, out.Err)
}

func TestProcessAckFailureIsReportedNotCounted(t *testing.T) {
	o, registry := newOrchestrator(t, Dependencies{})
	msg := newMessage(envelope.Encode(sampleInput))
	msg.ackErr = errors.New("connection closed")

	out := o.Process(context.Background(), msg)

	assert.NoError(t, out.Err)
	assert.False(t, out.Acked)
	assert.EqualError(t, out.AckErr, "connection closed")
	assert.Equal(t, 1, msg.ackCount())

	snap := registry.Snapshot()
	assert.Equal(t, uint64(1), snap.Processed)
	assert.Equal(t, uint64(0), snap.Errors)
}

type recordingAcker struct {
	acked []gateway.Message
}

func (r *recordingAcker) Ack(msg gateway.Message) error {
	r.acked = append(r.acked, msg)
	return nil
}

func TestProcessUsesConfiguredAcker(t *testing.T) {
	acker := &recordingAcker{}
	o, _ := newOrchestrator(t, Dependencies{Acker: acker})
	msg := newMessage(envelope.Encode(sampleInput))

	out := o.Process(context.Background(), msg)

	assert.True(t, out.Acked)
	assert.Len(t, acker.acked, 1)
	assert.Equal(t, 0, msg.ackCount())
}

func TestProcessStageTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	o, registry := newOrchestrator(t, Dependencies{
		Extractor: stages.FeatureExtractorFunc(func(context.Context, string) (stages.NeuralFeatures, error) {
			<-release
			return nil, nil
		}),
	}, WithStageTimeout(50*time.Millisecond))
	msg := newMessage(envelope.Encode(sampleInput))

	start := time.Now()
	out := o.Process(context.Background(), msg)

	assert.Less(t, time.Since(start), 2*time.Second)
	var stageErr *stages.StageError
	require.ErrorAs(t, out.Err, &stageErr)
	assert.Equal(t, stages.StageFeatures, stageErr.Stage)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, msg.ackCount())
	assert.Equal(t, uint64(1), registry.Snapshot().Errors)
}

func TestProcessFactTimeoutDegradesToEmptyFacts(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	o, registry := newOrchestrator(t, Dependencies{
		Extractor: featuresOf(0.9),
		Facts: stages.FactSourceFunc(func(context.Context, string) stages.FactSet {
			<-release
			return stages.FactSet{"source_trusted": "true"}
		}),
	}, WithStageTimeout(50*time.Millisecond))

	out := o.Process(context.Background(), newMessage(envelope.Encode(sampleInput)))

	require.NoError(t, out.Err)
	assert.Equal(t, stages.LabelDisinfo, out.Verdict.Label)
	assert.Equal(t, uint64(1), registry.Snapshot().Processed)
}

func TestProcessWithinTimeoutSucceeds(t *testing.T) {
	o, _ := newOrchestrator(t, Dependencies{Extractor: featuresOf(0.7)}, WithStageTimeout(time.Second))

	out := o.Process(context.Background(), newMessage(envelope.Encode(sampleInput)))

	require.NoError(t, out.Err)
	assert.Equal(t, stages.LabelSuspicious, out.Verdict.Label)
}

func TestProcessRunsAreIndependent(t *testing.T) {
	var seen []stages.NeuralFeatures
	o, _ := newOrchestrator(t, Dependencies{
		Engine: stages.VerdictEngineFunc(func(_ context.Context, f stages.NeuralFeatures, facts stages.FactSet) (stages.Verdict, error) {
			seen = append(seen, f.Clone())
			f["tampered"] = 1
			facts["source_trusted"] = "false"
			return stages.Verdict{Label: stages.LabelSafe}, nil
		}),
	})
	payload := envelope.Encode(sampleInput)

	first := o.Process(context.Background(), newMessage(payload))
	second := o.Process(context.Background(), newMessage(payload))

	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1])
	assert.NotContains(t, seen[1], "tampered")
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Verdict, second.Verdict)
}

func TestProcessHooks(t *testing.T) {
	var events []string
	hooks := Hooks{
		OnStart: func(rc RunContext) { events = append(events, "start:"+rc.Subject) },
		OnDone:  func(rc RunContext) { events = append(events, "done:"+string(rc.Verdict.Label)) },
		OnError: func(rc RunContext, err error) { events = append(events, "error:"+rc.State.String()) },
	}
	second := Hooks{OnDone: func(rc RunContext) { events = append(events, "done2:"+rc.Input.ContentHash) }}

	o, _ := newOrchestrator(t, Dependencies{}, WithHooks(hooks), WithHooks(second))

	o.Process(context.Background(), newMessage(envelope.Encode(sampleInput)))
	o.Process(context.Background(), newMessage([]byte{0xff}))

	assert.Equal(t, []string{
		"start:disinfo.raw", "done:SAFE", "done2:abc123",
		"start:disinfo.raw", "error:received",
	}, events)
}

func TestProcessRecoversPanickingHooks(t *testing.T) {
	var buf bytes.Buffer
	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	hooks := Hooks{
		OnStart: func(RunContext) { panic("start hook") },
		OnDone:  func(RunContext) { panic("done hook") },
		OnError: func(RunContext, error) { panic("error hook") },
	}
	o, registry := newOrchestrator(t, Dependencies{}, WithLogger(logger), WithHooks(hooks))

	good := newMessage(envelope.Encode(sampleInput))
	bad := newMessage([]byte{0xff})

	var okOut, badOut Outcome
	require.NotPanics(t, func() {
		okOut = o.Process(context.Background(), good)
		badOut = o.Process(context.Background(), bad)
	})

	assert.True(t, okOut.Acked)
	assert.NoError(t, okOut.Err)
	assert.Equal(t, stages.LabelSafe, okOut.Verdict.Label)
	assert.True(t, badOut.Acked)
	assert.Error(t, badOut.Err)
	assert.Equal(t, 1, good.ackCount())
	assert.Equal(t, 1, bad.ackCount())

	snap := registry.Snapshot()
	assert.Equal(t, uint64(1), snap.Processed)
	assert.Equal(t, uint64(1), snap.Errors)

	out := buf.String()
	for _, hook := range []string{"hook=on_start", "hook=on_done", "hook=on_error"} {
		assert.Contains(t, out, hook)
	}
	assert.Contains(t, out, "panic: done hook")
}

func TestLoggingHooksAndLogLines(t *testing.T) {
	var buf bytes.Buffer
	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	o, _ := newOrchestrator(t, Dependencies{}, WithLogger(logger), WithHooks(LoggingHooks(logger)))
	o.Process(context.Background(), newMessage(envelope.Encode(sampleInput)))
	o.Process(context.Background(), newMessage([]byte{0xff}))

	out := buf.String()
	for _, line := range []string{"Processing message", "Verdict computed", "Verdict report", "Run started", "Run completed", "Run failed", "Message processing failed"} {
		assert.Contains(t, out, line)
	}
}

func TestAlertingHooksOnlyFireOnError(t *testing.T) {
	var alerts int
	o, _ := newOrchestrator(t, Dependencies{}, WithHooks(AlertingHooks(func(RunContext, error) { alerts++ })))

	o.Process(context.Background(), newMessage(envelope.Encode(sampleInput)))
	assert.Equal(t, 0, alerts)
	o.Process(context.Background(), newMessage([]byte{0xff}))
	assert.Equal(t, 1, alerts)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "received", StateReceived.String())
	assert.Equal(t, "facts_loaded", StateFactsLoaded.String())
	assert.Equal(t, "acked", StateAcked.String())
	assert.Equal(t, "unknown", State(42).String())
}
