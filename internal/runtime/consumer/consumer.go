// Package consumer runs the sequential pull loop that feeds deliveries to
// the pipeline.
package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/nsai/internal/runtime/errors"
	"github.com/drblury/nsai/internal/runtime/gateway"
	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
	"github.com/drblury/nsai/internal/runtime/pipeline"
)

const (
	DefaultErrorBackoff    = 250 * time.Millisecond
	DefaultErrorBackoffMax = 5 * time.Second
)

// Source yields deliveries. *gateway.Subscription satisfies it.
type Source interface {
	Next() (gateway.Message, error)
	Stop()
}

// Processor handles one delivery to completion, including its ack.
// *pipeline.Orchestrator satisfies it.
type Processor interface {
	Process(ctx context.Context, msg gateway.Message) pipeline.Outcome
}

// ErrorRecorder counts transport errors.
type ErrorRecorder interface {
	IncErrors()
}

// Stats are the loop counters since Run started.
type Stats struct {
	Delivered       uint64
	Failed          uint64
	TransportErrors uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithErrorBackoff sets the first and the largest pause after a transport
// error.
func WithErrorBackoff(initial, maxWait time.Duration) Option {
	return func(l *Loop) {
		l.backoffInitial = initial
		l.backoffMax = maxWait
	}
}

// Loop pulls one message at a time and hands it to the processor. It never
// has more than one message in flight.
type Loop struct {
	source    Source
	processor Processor
	recorder  ErrorRecorder
	logger    loggingpkg.ServiceLogger

	backoffInitial time.Duration
	backoffMax     time.Duration

	delivered       atomic.Uint64
	failed          atomic.Uint64
	transportErrors atomic.Uint64
}

// New builds a loop over source.
func New(source Source, processor Processor, recorder ErrorRecorder, opts ...Option) (*Loop, error) {
	switch {
	case source == nil:
		return nil, errspkg.ErrSourceRequired
	case processor == nil:
		return nil, errspkg.ErrProcessorRequired
	case recorder == nil:
		return nil, errspkg.ErrRecorderRequired
	}

	l := &Loop{
		source:         source,
		processor:      processor,
		recorder:       recorder,
		logger:         loggingpkg.NewNopLogger(),
		backoffInitial: DefaultErrorBackoff,
		backoffMax:     DefaultErrorBackoffMax,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run consumes until ctx is cancelled or the source closes. Cancellation
// stops the source so a blocked Next returns; a message already in flight is
// processed to completion under a context that ignores the cancellation.
// Both exits return nil.
func (l *Loop) Run(ctx context.Context) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			l.source.Stop()
		case <-stopped:
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.backoffInitial
	bo.MaxInterval = l.backoffMax
	bo.Reset()

	l.logger.Info("Listening for messages", nil)

	for {
		if ctx.Err() != nil {
			l.logger.Info("Shutdown requested, stopping consumer", loggingpkg.LogFields{
				"delivered": l.delivered.Load(),
			})
			return nil
		}

		msg, err := l.source.Next()
		if err != nil {
			if errors.Is(err, errspkg.ErrSequenceClosed) || ctx.Err() != nil {
				l.logger.Info("Message sequence ended, stopping consumer", loggingpkg.LogFields{
					"delivered": l.delivered.Load(),
				})
				return nil
			}

			l.transportErrors.Add(1)
			l.recorder.IncErrors()
			wait := bo.NextBackOff()
			l.logger.Error("Error receiving message", err, loggingpkg.LogFields{"retry_in": wait.String()})
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		bo.Reset()

		out := l.processor.Process(context.WithoutCancel(ctx), msg)
		l.delivered.Add(1)
		if out.Err != nil {
			l.failed.Add(1)
		}
	}
}

// Stats returns the counters. Safe to call while Run is active.
func (l *Loop) Stats() Stats {
	return Stats{
		Delivered:       l.delivered.Load(),
		Failed:          l.failed.Load(),
		TransportErrors: l.transportErrors.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
