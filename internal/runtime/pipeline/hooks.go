package pipeline

import (
	"context"
	"time"

	"github.com/drblury/nsai/internal/runtime/envelope"
	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
	"github.com/drblury/nsai/internal/runtime/stages"
)

// RunContext describes one orchestration to hooks.
type RunContext struct {
	// RunID is the ULID assigned to this run.
	RunID string
	// Subject is the broker subject the message arrived on.
	Subject string
	// Input is only populated once the payload decoded.
	Input envelope.AnalysisInput
	// Context is the context the run executes under.
	Context context.Context
	// StartedAt is when the message was received.
	StartedAt time.Time
	// Duration is set in OnDone and OnError.
	Duration time.Duration
	// State is the last state reached.
	State State
	// Verdict is set in OnDone.
	Verdict stages.Verdict
}

// Hooks are optional callbacks around each orchestration. Nil hooks are
// skipped. They run before the message is acknowledged and must not block.
type Hooks struct {
	// OnStart is called once the message is received, before decoding.
	OnStart func(rc RunContext)
	// OnDone is called after a verdict was computed and recorded.
	OnDone func(rc RunContext)
	// OnError is called when a run ends on a decode or stage error.
	OnError func(rc RunContext, err error)
}

// Merge combines two Hooks. The hooks from other run after the hooks from h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart: chainRunHooks(h.OnStart, other.OnStart),
		OnDone:  chainRunHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainRunHooks(a, b func(RunContext)) func(RunContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(rc RunContext) {
		a(rc)
		b(rc)
	}
}

func chainErrorHooks(a, b func(RunContext, error)) func(RunContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(rc RunContext, err error) {
		a(rc, err)
		b(rc, err)
	}
}

// LoggingHooks returns hooks that log every run at debug level.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	return Hooks{
		OnStart: func(rc RunContext) {
			logger.Debug("Run started", loggingpkg.LogFields{
				"run_id":  rc.RunID,
				"subject": rc.Subject,
			})
		},
		OnDone: func(rc RunContext) {
			logger.Debug("Run completed", loggingpkg.LogFields{
				"run_id":       rc.RunID,
				"content_hash": rc.Input.ContentHash,
				"label":        string(rc.Verdict.Label),
				"duration_ms":  rc.Duration.Milliseconds(),
			})
		},
		OnError: func(rc RunContext, err error) {
			logger.Debug("Run failed", loggingpkg.LogFields{
				"run_id":      rc.RunID,
				"state":       rc.State.String(),
				"error":       err.Error(),
				"duration_ms": rc.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks calls alert whenever a run fails.
func AlertingHooks(alert func(rc RunContext, err error)) Hooks {
	return Hooks{OnError: alert}
}
