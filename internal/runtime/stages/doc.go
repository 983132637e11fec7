// Package stages defines the three analysis capabilities the pipeline drives
// and ships reference implementations of each.
//
// The pipeline only depends on the interfaces. A model runtime, rule engine
// or knowledge store is plugged in by implementing FeatureExtractor,
// FactSource or VerdictEngine; the Func adapters cover the common case of a
// single closure.
package stages
