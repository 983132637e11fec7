package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/nsai/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
)

// KVFactSource reads source facts from a JetStream KeyValue bucket. Each key
// is a source id and each value a JSON object of string facts:
//
//	source-1 -> {"source_trusted":"true","country":"NZ"}
//
// Any lookup problem yields an empty FactSet so the pipeline keeps going.
type KVFactSource struct {
	kv     jetstream.KeyValue
	logger loggingpkg.ServiceLogger
}

// NewKVFactSource reads facts from kv. A nil logger discards lookup problems.
func NewKVFactSource(kv jetstream.KeyValue, logger loggingpkg.ServiceLogger) *KVFactSource {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &KVFactSource{kv: kv, logger: logger}
}

// Fetch returns the facts stored under sourceID, or an empty FactSet.
func (s *KVFactSource) Fetch(ctx context.Context, sourceID string) FactSet {
	fields := loggingpkg.LogFields{"source_id": sourceID, "bucket": s.kv.Bucket()}

	entry, err := s.kv.Get(ctx, sourceID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			s.logger.Debug("No facts recorded for source", fields)
		} else {
			s.logger.Error("Fact lookup failed, continuing without facts", err, fields)
		}
		return FactSet{}
	}

	facts := FactSet{}
	if err := jsoncodec.Unmarshal(entry.Value(), &facts); err != nil {
		s.logger.Error("Malformed fact record, continuing without facts", err, fields)
		return FactSet{}
	}
	if facts == nil {
		facts = FactSet{}
	}
	return facts
}

// Store writes the facts for sourceID, replacing any previous record.
func (s *KVFactSource) Store(ctx context.Context, sourceID string, facts FactSet) error {
	data, err := jsoncodec.Marshal(facts)
	if err != nil {
		return fmt.Errorf("encode facts for %s: %w", sourceID, err)
	}
	if _, err := s.kv.Put(ctx, sourceID, data); err != nil {
		return fmt.Errorf("store facts for %s: %w", sourceID, err)
	}
	return nil
}
