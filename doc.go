// Package nsai is a durable, at-least-once consumer of disinformation
// analysis jobs. It pulls encoded AnalysisInput envelopes from a NATS
// JetStream durable consumer, runs each one through three pluggable stages
// and acknowledges it once a terminal outcome has been recorded.
//
// Service owns the broker session. Start connects with retries, ensures the
// stream and the durable pull consumer, starts the Prometheus listener and
// then processes deliveries one at a time until the context is cancelled:
//
//	decode -> FeatureExtractor -> FactSource -> VerdictEngine -> metrics -> ack
//
// # Stages
//
// FeatureExtractor, FactSource and VerdictEngine are narrow interfaces. The
// package ships StaticExtractor, StaticFactSource, KVFactSource (JetStream
// KeyValue) and RuleEngine; bring your own through ServiceDependencies.
//
// # Failure handling
//
// Malformed envelopes and stage failures are logged, counted in
// nsai_errors_total and acknowledged so a poison message is never redelivered.
// Only an unreachable broker at startup makes Start return an error.
//
// # Metrics
//
// nsai_messages_processed_total, nsai_errors_total and
// nsai_processing_latency_seconds are served on /metrics at
// Config.MetricsPort.
//
// # Hooks and sinks
//
// Hooks provides OnStart, OnDone and OnError callbacks around every run.
// Verdicts go to a VerdictSink: LogSink by default, PublishSink when
// Config.VerdictSubject is set.
package nsai
