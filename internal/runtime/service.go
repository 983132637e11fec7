package runtime

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	configpkg "github.com/drblury/nsai/internal/runtime/config"
	"github.com/drblury/nsai/internal/runtime/consumer"
	errspkg "github.com/drblury/nsai/internal/runtime/errors"
	"github.com/drblury/nsai/internal/runtime/gateway"
	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
	"github.com/drblury/nsai/internal/runtime/metrics"
	"github.com/drblury/nsai/internal/runtime/pipeline"
	"github.com/drblury/nsai/internal/runtime/stages"
)

const metricsShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators of a Service. Nil
// stages fall back to the reference implementations.
type ServiceDependencies struct {
	Extractor stages.FeatureExtractor
	// Facts overrides the fact source. When nil, Config.FactsBucket selects
	// the KV source and an empty bucket name the static one.
	Facts  stages.FactSource
	Engine stages.VerdictEngine
	// Sink overrides the verdict sink. When nil, Config.VerdictSubject
	// selects publishing and an empty subject logging.
	Sink  pipeline.VerdictSink
	Hooks pipeline.Hooks
	// Metrics shares an existing registry, e.g. with an embedding host.
	Metrics *metrics.Registry
	// MetricsListener serves metrics on an already bound listener instead of
	// Config.MetricsPort.
	MetricsListener net.Listener
}

// Service wires the gateway, pipeline, consumer loop and metrics server.
type Service struct {
	Conf    *configpkg.Config
	Logger  loggingpkg.ServiceLogger
	Metrics *metrics.Registry

	deps ServiceDependencies

	mu   sync.Mutex
	loop *consumer.Loop
}

// NewService validates conf and prepares a Service. Nothing touches the
// network until Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating detector service", loggingpkg.LogFields{"config": conf.String()})

	registry := deps.Metrics
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	if deps.Extractor == nil {
		deps.Extractor = stages.NewStaticExtractor()
	}
	if deps.Engine == nil {
		deps.Engine = stages.NewRuleEngine()
	}

	return &Service{
		Conf:    conf,
		Logger:  log,
		Metrics: registry,
		deps:    deps,
	}, nil
}

// Start runs the detector until ctx is cancelled or the broker session ends.
// Only a failure to reach the broker or to set up the stream and consumer is
// returned; message level failures are logged and counted. Cancelling ctx
// during startup is a clean stop.
func (s *Service) Start(ctx context.Context) error {
	stopMetrics := s.startMetricsServer()
	defer stopMetrics()

	g, err := gateway.Connect(ctx, gateway.ConnectConfig{
		URL:       s.Conf.NATSURL,
		Retries:   s.Conf.ConnectRetries,
		RetryWait: s.Conf.ConnectRetryWait,
	}, s.Logger)
	if err != nil {
		return s.startupError(ctx, err)
	}
	defer func() {
		if err := g.Close(); err != nil {
			s.Logger.Error("Failed to close NATS connection", err, nil)
		}
	}()

	stream, err := g.EnsureStream(ctx, s.Conf.StreamName, []string{s.Conf.Subject})
	if err != nil {
		return s.startupError(ctx, err)
	}
	cons, err := g.EnsureConsumer(ctx, stream, gateway.ConsumerConfig{
		Durable:       s.Conf.DurableName,
		FilterSubject: s.Conf.Subject,
		AckWait:       s.Conf.AckWait,
		MaxDeliver:    s.Conf.MaxDeliver,
	})
	if err != nil {
		return s.startupError(ctx, err)
	}

	orch, err := s.buildOrchestrator(ctx, g)
	if err != nil {
		return err
	}

	sub, err := g.Pull(cons, gateway.PullConfig{
		BatchSize: s.Conf.PullBatchSize,
		Expiry:    s.Conf.PullExpiry,
	})
	if err != nil {
		return err
	}

	loop, err := consumer.New(sub, orch, s.Metrics,
		consumer.WithLogger(s.Logger),
		consumer.WithErrorBackoff(s.Conf.ErrorBackoff, s.Conf.ErrorBackoffMax),
	)
	if err != nil {
		sub.Stop()
		return err
	}
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()

	s.Logger.Info("Consumer ready", loggingpkg.LogFields{
		"stream":  s.Conf.StreamName,
		"subject": s.Conf.Subject,
		"durable": s.Conf.DurableName,
	})

	err = loop.Run(ctx)
	stats := loop.Stats()
	s.Logger.Info("Detector stopped", loggingpkg.LogFields{
		"delivered":        stats.Delivered,
		"failed":           stats.Failed,
		"transport_errors": stats.TransportErrors,
	})
	return err
}

// startupError turns a failure caused by cancellation during startup into a
// clean stop.
func (s *Service) startupError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		s.Logger.Info("Shutdown requested during startup", loggingpkg.LogFields{"reason": err.Error()})
		return nil
	}
	return err
}

// Stats reports the consumer counters, zero before Start reached the loop.
func (s *Service) Stats() consumer.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop == nil {
		return consumer.Stats{}
	}
	return s.loop.Stats()
}

func (s *Service) buildOrchestrator(ctx context.Context, g *gateway.Gateway) (*pipeline.Orchestrator, error) {
	facts := s.deps.Facts
	if facts == nil {
		if s.Conf.FactsBucket != "" {
			kv, err := g.EnsureKeyValue(ctx, s.Conf.FactsBucket)
			if err != nil {
				return nil, err
			}
			facts = stages.NewKVFactSource(kv, s.Logger)
		} else {
			facts = stages.NewStaticFactSource()
		}
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(s.Logger),
		pipeline.WithStageTimeout(s.Conf.StageTimeout),
		pipeline.WithHooks(s.deps.Hooks),
	}
	switch {
	case s.deps.Sink != nil:
		opts = append(opts, pipeline.WithSink(s.deps.Sink))
	case s.Conf.VerdictSubject != "":
		opts = append(opts, pipeline.WithSink(pipeline.PublishSink{Publisher: g, Subject: s.Conf.VerdictSubject}))
	}

	return pipeline.New(pipeline.Dependencies{
		Extractor: s.deps.Extractor,
		Facts:     facts,
		Engine:    s.deps.Engine,
		Recorder:  s.Metrics,
		Acker:     g,
	}, opts...)
}

// startMetricsServer runs the listener in the background and returns a
// function that shuts it down.
func (s *Service) startMetricsServer() func() {
	ln := s.deps.MetricsListener
	if ln == nil && s.Conf.MetricsPort == 0 {
		return func() {}
	}

	srv := metrics.NewServer(fmt.Sprintf(":%d", s.Conf.MetricsPort), s.Metrics, s.Logger)
	go func() {
		var err error
		if ln != nil {
			err = srv.Serve(ln)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil {
			s.Logger.Error("Metrics server failed", err, nil)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to stop metrics server", err, nil)
		}
	}
}
