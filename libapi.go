package nsai

import (
	runtimepkg "github.com/drblury/nsai/internal/runtime"
	configpkg "github.com/drblury/nsai/internal/runtime/config"
	"github.com/drblury/nsai/internal/runtime/consumer"
	"github.com/drblury/nsai/internal/runtime/envelope"
	errspkg "github.com/drblury/nsai/internal/runtime/errors"
	"github.com/drblury/nsai/internal/runtime/gateway"
	idspkg "github.com/drblury/nsai/internal/runtime/ids"
	jsoncodec "github.com/drblury/nsai/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
	"github.com/drblury/nsai/internal/runtime/metrics"
	"github.com/drblury/nsai/internal/runtime/pipeline"
	"github.com/drblury/nsai/internal/runtime/stages"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ConsumerStats       = consumer.Stats

	AnalysisInput = envelope.AnalysisInput
	FeatureRecord = envelope.FeatureRecord
	DecodeError   = envelope.DecodeError

	NeuralFeatures       = stages.NeuralFeatures
	FactSet              = stages.FactSet
	Label                = stages.Label
	Verdict              = stages.Verdict
	FeatureExtractor     = stages.FeatureExtractor
	FactSource           = stages.FactSource
	VerdictEngine        = stages.VerdictEngine
	FeatureExtractorFunc = stages.FeatureExtractorFunc
	FactSourceFunc       = stages.FactSourceFunc
	VerdictEngineFunc    = stages.VerdictEngineFunc
	StageError           = stages.StageError
	StaticExtractor      = stages.StaticExtractor
	StaticFactSource     = stages.StaticFactSource
	RecordExtractor      = stages.RecordExtractor
	KVFactSource         = stages.KVFactSource
	RuleEngine           = stages.RuleEngine

	// Per-run hooks and verdict sinks
	RunContext  = pipeline.RunContext
	Hooks       = pipeline.Hooks
	State       = pipeline.State
	Outcome     = pipeline.Outcome
	Report      = pipeline.Report
	VerdictSink = pipeline.VerdictSink
	LogSink     = pipeline.LogSink
	PublishSink = pipeline.PublishSink

	Message         = gateway.Message
	ConnectionError = gateway.ConnectionError

	MetricsRegistry = metrics.Registry
	MetricsSnapshot = metrics.Snapshot

	LogFields             = loggingpkg.LogFields
	ServiceLogger         = loggingpkg.ServiceLogger
	ConfigValidationError = errspkg.ConfigValidationError
)

const (
	LabelSafe       = stages.LabelSafe
	LabelSuspicious = stages.LabelSuspicious
	LabelDisinfo    = stages.LabelDisinfo

	StateReceived    = pipeline.StateReceived
	StateDecoded     = pipeline.StateDecoded
	StateFeatured    = pipeline.StateFeatured
	StateFactsLoaded = pipeline.StateFactsLoaded
	StateVerdicted   = pipeline.StateVerdicted
	StateAcked       = pipeline.StateAcked
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	EncodeInput    = envelope.Encode
	DecodeInput    = envelope.Decode
	EncodeFeatures = envelope.EncodeFeatures
	DecodeFeatures = envelope.DecodeFeatures

	NewStaticExtractor  = stages.NewStaticExtractor
	NewStaticFactSource = stages.NewStaticFactSource
	NewKVFactSource     = stages.NewKVFactSource
	NewRuleEngine       = stages.NewRuleEngine

	LoggingHooks  = pipeline.LoggingHooks
	AlertingHooks = pipeline.AlertingHooks

	NewMetricsRegistry = metrics.NewRegistry

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired = errspkg.ErrConfigRequired
	ErrLoggerRequired = errspkg.ErrLoggerRequired
	ErrSequenceClosed = errspkg.ErrSequenceClosed

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger
	ParseLogLevel             = loggingpkg.ParseLevel

	CreateULID = idspkg.CreateULID
	RunIDTime  = idspkg.RunTime
)
