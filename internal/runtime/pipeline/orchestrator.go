// Package pipeline drives one delivery through decode, the three analysis
// stages, metrics and acknowledgment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/nsai/internal/runtime/envelope"
	errspkg "github.com/drblury/nsai/internal/runtime/errors"
	"github.com/drblury/nsai/internal/runtime/gateway"
	idspkg "github.com/drblury/nsai/internal/runtime/ids"
	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
	"github.com/drblury/nsai/internal/runtime/stages"
)

// DefaultTracerName names the tracer used for run and stage spans.
const DefaultTracerName = "nsai-pipeline"

// Recorder receives the processing metrics. metrics.Registry satisfies it.
type Recorder interface {
	IncProcessed()
	IncErrors()
	ObserveLatency(d time.Duration)
}

// Acker acknowledges a delivery. gateway.Gateway satisfies it.
type Acker interface {
	Ack(msg gateway.Message) error
}

type ackFunc func(msg gateway.Message) error

func (f ackFunc) Ack(msg gateway.Message) error { return f(msg) }

// Dependencies are the collaborators every orchestration needs. Acker is
// optional and defaults to calling msg.Ack directly.
type Dependencies struct {
	Extractor stages.FeatureExtractor
	Facts     stages.FactSource
	Engine    stages.VerdictEngine
	Recorder  Recorder
	Acker     Acker
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStageTimeout bounds every stage call. Zero or negative keeps calls
// unbounded.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.stageTimeout = d
	}
}

// WithHooks adds lifecycle hooks. Repeated calls are merged in order.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) {
		o.hooks = o.hooks.Merge(h)
	}
}

// WithSink replaces the default LogSink.
func WithSink(sink VerdictSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithTracerName selects the OpenTelemetry tracer.
func WithTracerName(name string) Option {
	return func(o *Orchestrator) {
		o.tracer = otel.Tracer(name)
	}
}

// WithClock overrides time.Now for latency measurements.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs the per-message state machine. It keeps no per-message
// state between calls to Process.
type Orchestrator struct {
	deps         Dependencies
	logger       loggingpkg.ServiceLogger
	stageTimeout time.Duration
	hooks        Hooks
	sink         VerdictSink
	tracer       trace.Tracer
	now          func() time.Time
}

// Outcome summarises one call to Process.
type Outcome struct {
	RunID string
	// Reached is the last state before acknowledgment.
	Reached State
	// Acked reports whether the ack call succeeded.
	Acked   bool
	Verdict stages.Verdict
	// Err is the decode or stage error that ended the run early.
	Err    error
	AckErr error
	// Latency is the time from receipt to verdict, only set on success.
	Latency time.Duration
}

// New validates deps and applies opts.
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errspkg.ErrExtractorRequired
	case deps.Facts == nil:
		return nil, errspkg.ErrFactSourceRequired
	case deps.Engine == nil:
		return nil, errspkg.ErrEngineRequired
	case deps.Recorder == nil:
		return nil, errspkg.ErrRecorderRequired
	}
	if deps.Acker == nil {
		deps.Acker = ackFunc(func(msg gateway.Message) error { return msg.Ack() })
	}

	o := &Orchestrator{
		deps:   deps,
		logger: loggingpkg.NewNopLogger(),
		tracer: otel.Tracer(DefaultTracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = LogSink{Logger: o.logger}
	}
	return o, nil
}

// Process drives msg to Acked. It always acknowledges exactly once, on
// success and on every decode or stage failure, and never returns an error:
// failures are logged, counted and reported in the Outcome.
func (o *Orchestrator) Process(ctx context.Context, msg gateway.Message) Outcome {
	start := o.now()
	runID := idspkg.CreateULID()

	ctx, span := o.tracer.Start(ctx, "ProcessMessage", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("nsai.run_id", runID),
		attribute.String("messaging.destination.name", msg.Subject()),
	)

	logger := o.logger.With(loggingpkg.LogFields{"run_id": runID})
	logger.Info("Processing message", loggingpkg.LogFields{
		"subject": msg.Subject(),
		"bytes":   len(msg.Data()),
	})

	rc := RunContext{
		RunID:     runID,
		Subject:   msg.Subject(),
		Context:   ctx,
		StartedAt: start,
		State:     StateReceived,
	}
	if o.hooks.OnStart != nil {
		o.callHook(logger, "on_start", func() { o.hooks.OnStart(rc) })
	}

	out := Outcome{RunID: runID}
	verdict, err := o.run(ctx, msg, &rc, logger)
	out.Reached = rc.State
	rc.Duration = o.now().Sub(start)

	if err != nil {
		out.Err = err
		o.deps.Recorder.IncErrors()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Message processing failed, acknowledging to drop it", err, loggingpkg.LogFields{
			"state": rc.State.String(),
		})
		if o.hooks.OnError != nil {
			o.callHook(logger, "on_error", func() { o.hooks.OnError(rc, err) })
		}
	} else {
		out.Verdict = verdict
		out.Latency = rc.Duration
		o.deps.Recorder.ObserveLatency(rc.Duration)
		o.deps.Recorder.IncProcessed()
		span.SetAttributes(attribute.String("nsai.verdict", string(verdict.Label)))
		rc.Verdict = verdict
		if o.hooks.OnDone != nil {
			o.callHook(logger, "on_done", func() { o.hooks.OnDone(rc) })
		}
	}

	if ackErr := o.deps.Acker.Ack(msg); ackErr != nil {
		out.AckErr = ackErr
		logger.Error("Failed to acknowledge message", ackErr, loggingpkg.LogFields{"subject": msg.Subject()})
		return out
	}
	out.Acked = true
	return out
}

func (o *Orchestrator) run(ctx context.Context, msg gateway.Message, rc *RunContext, logger loggingpkg.ServiceLogger) (stages.Verdict, error) {
	input, err := envelope.Decode(msg.Data())
	if err != nil {
		return stages.Verdict{}, err
	}
	rc.State = StateDecoded
	rc.Input = input
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("nsai.content_hash", input.ContentHash),
		attribute.String("nsai.source_id", input.SourceID),
	)

	features, err := callStage(ctx, o, stages.StageFeatures, func(ctx context.Context) (stages.NeuralFeatures, error) {
		return o.deps.Extractor.Run(ctx, input.ContentHash)
	})
	if err != nil {
		return stages.Verdict{}, err
	}
	if features == nil {
		features = stages.NeuralFeatures{}
	}
	rc.State = StateFeatured

	facts, err := callStage(ctx, o, stages.StageFacts, func(ctx context.Context) (stages.FactSet, error) {
		return o.deps.Facts.Fetch(ctx, input.SourceID), nil
	})
	if err != nil || facts == nil {
		if err != nil {
			logger.Error("Fact lookup abandoned, continuing without facts", err, nil)
		}
		facts = stages.FactSet{}
	}
	rc.State = StateFactsLoaded

	verdict, err := callStage(ctx, o, stages.StageVerdict, func(ctx context.Context) (stages.Verdict, error) {
		return o.deps.Engine.Evaluate(ctx, features, facts)
	})
	if err != nil {
		return stages.Verdict{}, err
	}
	rc.State = StateVerdicted

	logger.Info("Verdict computed", loggingpkg.LogFields{
		"content_hash": input.ContentHash,
		"label":        string(verdict.Label),
		"explanation":  verdict.Explanation,
	})

	report := Report{
		RunID:       rc.RunID,
		Subject:     rc.Subject,
		ContentHash: input.ContentHash,
		SourceID:    input.SourceID,
		Label:       verdict.Label,
		Explanation: verdict.Explanation,
		Features:    features,
		Facts:       facts,
		ProcessedAt: o.now(),
	}
	if err := recovered(func() error { return o.sink.Report(ctx, report) }); err != nil {
		logger.Error("Failed to report verdict", err, nil)
	}

	return verdict, nil
}

type stageResult[T any] struct {
	val T
	err error
}

// callStage runs fn inside a child span. With a stage timeout configured fn
// runs on its own goroutine and is abandoned at the deadline. Errors and
// panics come back as *stages.StageError.
func callStage[T any](ctx context.Context, o *Orchestrator, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := o.tracer.Start(ctx, name)
	defer span.End()

	var res stageResult[T]
	if o.stageTimeout <= 0 {
		res = invoke(ctx, fn)
	} else {
		tctx, cancel := context.WithTimeout(ctx, o.stageTimeout)
		defer cancel()

		done := make(chan stageResult[T], 1)
		go func() { done <- invoke(tctx, fn) }()

		select {
		case res = <-done:
		case <-tctx.Done():
			res = stageResult[T]{err: tctx.Err()}
		}
	}

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		var stageErr *stages.StageError
		if errors.As(res.err, &stageErr) {
			return res.val, res.err
		}
		return res.val, &stages.StageError{Stage: name, Err: res.err}
	}
	return res.val, nil
}

func invoke[T any](ctx context.Context, fn func(context.Context) (T, error)) (res stageResult[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = stageResult[T]{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	val, err := fn(ctx)
	return stageResult[T]{val: val, err: err}
}

// callHook runs a user hook. A panic is logged and the run carries on to
// the ack.
func (o *Orchestrator) callHook(logger loggingpkg.ServiceLogger, name string, fn func()) {
	err := recovered(func() error {
		fn()
		return nil
	})
	if err != nil {
		logger.Error("Hook failed", err, loggingpkg.LogFields{"hook": name})
	}
}

func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
