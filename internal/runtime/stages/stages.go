package stages

import (
	"context"
	"fmt"
	"maps"
)

// Stage names used in errors, logs and spans.
const (
	StageDecode   = "decode"
	StageFeatures = "feature_extractor"
	StageFacts    = "fact_source"
	StageVerdict  = "verdict_engine"
)

// FactTrusted is the fact consulted by RuleEngine; only FactTrustedYes counts
// as trusted.
const (
	FactTrusted    = "source_trusted"
	FactTrustedYes = "true"
)

// NeuralFeatures maps feature names to scores for one input.
type NeuralFeatures map[string]float64

// Get returns the score for name, or zero when absent.
func (f NeuralFeatures) Get(name string) float64 {
	return f[name]
}

// Clone returns an independent copy.
func (f NeuralFeatures) Clone() NeuralFeatures {
	if f == nil {
		return NeuralFeatures{}
	}
	return maps.Clone(f)
}

// FactSet maps fact keys to values for one source.
type FactSet map[string]string

// Clone returns an independent copy.
func (f FactSet) Clone() FactSet {
	if f == nil {
		return FactSet{}
	}
	return maps.Clone(f)
}

// Label is the verdict classification.
type Label string

const (
	LabelSafe       Label = "SAFE"
	LabelSuspicious Label = "SUSPICIOUS"
	LabelDisinfo    Label = "DISINFO"
)

// Verdict is the terminal output of one pipeline run.
type Verdict struct {
	Label       Label  `json:"label"`
	Explanation string `json:"explanation"`
}

// FeatureExtractor scores content. Implementations must be safe for
// concurrent use on distinct inputs and keep no state between calls.
type FeatureExtractor interface {
	Run(ctx context.Context, contentHash string) (NeuralFeatures, error)
}

// FactSource looks up facts about a content source. It never fails: a lookup
// problem degrades to an empty FactSet.
type FactSource interface {
	Fetch(ctx context.Context, sourceID string) FactSet
}

// VerdictEngine combines features and facts into a verdict. It must be a pure
// function of its inputs.
type VerdictEngine interface {
	Evaluate(ctx context.Context, features NeuralFeatures, facts FactSet) (Verdict, error)
}

type FeatureExtractorFunc func(ctx context.Context, contentHash string) (NeuralFeatures, error)

func (f FeatureExtractorFunc) Run(ctx context.Context, contentHash string) (NeuralFeatures, error) {
	return f(ctx, contentHash)
}

type FactSourceFunc func(ctx context.Context, sourceID string) FactSet

func (f FactSourceFunc) Fetch(ctx context.Context, sourceID string) FactSet {
	return f(ctx, sourceID)
}

type VerdictEngineFunc func(ctx context.Context, features NeuralFeatures, facts FactSet) (Verdict, error)

func (f VerdictEngineFunc) Evaluate(ctx context.Context, features NeuralFeatures, facts FactSet) (Verdict, error) {
	return f(ctx, features, facts)
}

// StageError reports a failed stage call. Timeouts wrap
// context.DeadlineExceeded.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("nsai: stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
