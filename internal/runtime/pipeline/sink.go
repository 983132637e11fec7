package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/nsai/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
	"github.com/drblury/nsai/internal/runtime/stages"
)

// HeaderRunID carries the run id on published verdict reports.
const HeaderRunID = "Nsai-Run-Id"

// Report is what a VerdictSink receives for every computed verdict.
type Report struct {
	RunID       string                `json:"run_id"`
	Subject     string                `json:"subject"`
	ContentHash string                `json:"content_hash"`
	SourceID    string                `json:"source_id"`
	Label       stages.Label          `json:"label"`
	Explanation string                `json:"explanation"`
	Features    stages.NeuralFeatures `json:"features"`
	Facts       stages.FactSet        `json:"facts"`
	ProcessedAt time.Time             `json:"processed_at"`
}

// VerdictSink receives verdicts. A sink error is logged by the orchestrator
// and never changes how the message is acknowledged.
type VerdictSink interface {
	Report(ctx context.Context, r Report) error
}

// LogSink writes reports to the service log.
type LogSink struct {
	Logger loggingpkg.ServiceLogger
}

func (s LogSink) Report(_ context.Context, r Report) error {
	s.Logger.Debug("Verdict report", loggingpkg.LogFields{
		"run_id":       r.RunID,
		"content_hash": r.ContentHash,
		"source_id":    r.SourceID,
		"label":        string(r.Label),
		"explanation":  r.Explanation,
		"features":     r.Features,
		"facts":        r.Facts,
	})
	return nil
}

// Publisher sends raw bytes on a subject. The gateway satisfies it.
type Publisher interface {
	Publish(subject string, data []byte, headers map[string]string) error
}

// PublishSink forwards reports as JSON on a broker subject.
type PublishSink struct {
	Publisher Publisher
	Subject   string
}

func (s PublishSink) Report(_ context.Context, r Report) error {
	data, err := jsoncodec.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode verdict report: %w", err)
	}
	return s.Publisher.Publish(s.Subject, data, map[string]string{HeaderRunID: r.RunID})
}
