/*
Package runtime wires the detector together.

# Architecture Overview

One Service owns one broker session and runs two concurrent tasks: the
consumer loop and the metrics listener. They share only the metrics
registry.

	consumer.Loop -> gateway.Subscription.Next
	              -> pipeline.Orchestrator.Process
	                   envelope.Decode
	                   FeatureExtractor.Run
	                   FactSource.Fetch
	                   VerdictEngine.Evaluate
	                   metrics.Registry
	              -> gateway.Gateway.Ack

# Sub-packages

  - config/: static settings, defaults and NSAI_* environment overlay
  - consumer/: sequential pull loop with shutdown and transport backoff
  - envelope/: tagged binary wire format for analysis jobs and feature records
  - errors/: sentinel errors and ConfigValidationError
  - gateway/: NATS JetStream connection, stream and consumer setup, pull and ack
  - ids/: ULID run identifiers
  - jsoncodec/: JSON encoding for fact records and verdict reports
  - logging/: ServiceLogger and its slog and Watermill adapters
  - metrics/: Prometheus registry and the /metrics listener
  - pipeline/: per-message state machine, hooks and verdict sinks
  - stages/: analysis stage contracts and reference implementations

# Delivery guarantees

Every delivery is acknowledged exactly once, after a verdict or after a
decode or stage failure. A delivery still in flight at shutdown finishes
before the loop exits. Deliveries that were buffered but never handed out
are left to the broker's ack-wait redelivery.

# Usage Example

	conf := config.Default()
	config.FromEnv(&conf)
	svc, err := runtime.NewService(&conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
