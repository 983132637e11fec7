package stages

import (
	"context"

	"github.com/drblury/nsai/internal/runtime/envelope"
)

const (
	DefaultDisinfoThreshold    = 0.8
	DefaultSuspiciousThreshold = 0.6
)

// RuleEngine is the reference VerdictEngine. Rules are evaluated in order:
//
//	fakeness > DisinfoThreshold and source not trusted  -> DISINFO
//	fakeness > SuspiciousThreshold                      -> SUSPICIOUS
//	otherwise                                           -> SAFE
//
// A missing fakeness score counts as zero and a missing trust fact counts as
// untrusted.
type RuleEngine struct {
	DisinfoThreshold    float64
	SuspiciousThreshold float64
}

// NewRuleEngine returns an engine with the default thresholds.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{
		DisinfoThreshold:    DefaultDisinfoThreshold,
		SuspiciousThreshold: DefaultSuspiciousThreshold,
	}
}

// Evaluate applies the rules to features and facts. It never fails.
func (r *RuleEngine) Evaluate(_ context.Context, features NeuralFeatures, facts FactSet) (Verdict, error) {
	fakeness := features.Get(envelope.FeatureFakeness)
	trusted := facts[FactTrusted] == FactTrustedYes

	switch {
	case fakeness > r.DisinfoThreshold && !trusted:
		return Verdict{Label: LabelDisinfo, Explanation: "High fakeness score from untrusted source"}, nil
	case fakeness > r.SuspiciousThreshold:
		return Verdict{Label: LabelSuspicious, Explanation: "Elevated fakeness score detected"}, nil
	default:
		return Verdict{Label: LabelSafe, Explanation: "No rules fired"}, nil
	}
}
