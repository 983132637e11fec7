package stages

import (
	"context"

	"github.com/drblury/nsai/internal/runtime/envelope"
)

// StaticExtractor returns the same features for every input. It stands in
// for a model runtime in tests and local runs.
type StaticExtractor struct {
	Features NeuralFeatures
}

// NewStaticExtractor returns an extractor with the placeholder scores the
// detector ships with.
func NewStaticExtractor() *StaticExtractor {
	return &StaticExtractor{Features: NeuralFeatures{
		envelope.FeatureFakeness: 0.5,
		envelope.FeatureEmotion:  0.3,
	}}
}

// Run returns a fresh copy of the configured features.
func (s *StaticExtractor) Run(ctx context.Context, _ string) (NeuralFeatures, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Features.Clone(), nil
}

// StaticFactSource returns the same facts for every source.
type StaticFactSource struct {
	Facts FactSet
}

// NewStaticFactSource returns a source that marks every origin as trusted.
func NewStaticFactSource() *StaticFactSource {
	return &StaticFactSource{Facts: FactSet{FactTrusted: FactTrustedYes}}
}

func (s *StaticFactSource) Fetch(context.Context, string) FactSet {
	return s.Facts.Clone()
}

// RecordExtractor decodes FeatureRecord payloads produced by an external
// model runtime. Lookup resolves a content hash to the encoded record.
type RecordExtractor struct {
	Lookup func(ctx context.Context, contentHash string) ([]byte, error)
}

func (r *RecordExtractor) Run(ctx context.Context, contentHash string) (NeuralFeatures, error) {
	raw, err := r.Lookup(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	record, err := envelope.DecodeFeatures(raw)
	if err != nil {
		return nil, err
	}
	return NeuralFeatures(record.Features()), nil
}
