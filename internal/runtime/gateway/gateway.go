// Package gateway owns the broker connection: connecting with retries,
// ensuring the stream and durable consumer, pulling deliveries and
// acknowledging them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	errspkg "github.com/drblury/nsai/internal/runtime/errors"
	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
)

// ClientName identifies the detector connection on the broker.
const ClientName = "nsai-detector"

// DrainTimeout bounds how long Close waits for buffered acks and publishes to
// reach the broker.
const DrainTimeout = 10 * time.Second

// Message is one delivery from the durable consumer. jetstream.Msg satisfies
// it.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
}

// ConnectConfig holds the connection settings.
type ConnectConfig struct {
	URL string
	// Retries is the number of additional attempts after the first failure.
	Retries   int
	RetryWait time.Duration
}

// ConnectionError is returned when the broker stays unreachable after every
// attempt.
type ConnectionError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("nsai: connect to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Gateway wraps a NATS connection and its JetStream context.
type Gateway struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger loggingpkg.ServiceLogger
	closed chan struct{}
}

// newGateway chains a closed handler onto nc so Close can wait for the
// drain to complete.
func newGateway(nc *nats.Conn, js jetstream.JetStream, logger loggingpkg.ServiceLogger) *Gateway {
	g := &Gateway{nc: nc, js: js, logger: logger, closed: make(chan struct{})}

	var once sync.Once
	prev := nc.ClosedHandler()
	nc.SetClosedHandler(func(c *nats.Conn) {
		if prev != nil {
			prev(c)
		}
		once.Do(func() { close(g.closed) })
	})
	return g
}

// Connect dials the broker, retrying with exponential backoff starting at
// RetryWait.
func Connect(ctx context.Context, cfg ConnectConfig, logger loggingpkg.ServiceLogger) (*Gateway, error) {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	if cfg.URL == "" {
		return nil, errspkg.ErrConnectionRequired
	}

	b := backoff.NewExponentialBackOff()
	if cfg.RetryWait > 0 {
		b.InitialInterval = cfg.RetryWait
		b.MaxInterval = 8 * cfg.RetryWait
	}

	attempts := 0
	nc, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		attempts++
		return nats.Connect(cfg.URL,
			nats.Name(ClientName),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Error("Disconnected from NATS", err, nil)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("Reconnected to NATS", loggingpkg.LogFields{"url": c.ConnectedUrlRedacted()})
			}),
		)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(cfg.Retries, 0))+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Error("NATS connect failed, retrying", err, loggingpkg.LogFields{
				"attempt": attempts,
				"wait":    wait.String(),
			})
		}),
	)
	if err != nil {
		return nil, &ConnectionError{URL: cfg.URL, Attempts: attempts, Err: err}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("Connected to NATS", loggingpkg.LogFields{"url": nc.ConnectedUrlRedacted()})

	return newGateway(nc, js, logger), nil
}

// New wraps an existing connection. The caller keeps ownership of nc until
// Close is called.
func New(nc *nats.Conn, logger loggingpkg.ServiceLogger) (*Gateway, error) {
	if nc == nil {
		return nil, errspkg.ErrConnectionRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return newGateway(nc, js, logger), nil
}

// JetStream exposes the JetStream context for collaborators such as the KV
// fact source.
func (g *Gateway) JetStream() jetstream.JetStream {
	return g.js
}

// EnsureStream returns the named stream, creating it with subjects when it
// does not exist yet. An existing stream is used as is.
func (g *Gateway) EnsureStream(ctx context.Context, name string, subjects []string) (jetstream.Stream, error) {
	if name == "" {
		return nil, errspkg.ErrStreamNameRequired
	}

	stream, err := g.js.Stream(ctx, name)
	if err == nil {
		g.logger.Debug("Using existing stream", loggingpkg.LogFields{"stream": name})
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to access stream %s: %w", name, err)
	}

	stream, err = g.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: subjects,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	g.logger.Info("Created stream", loggingpkg.LogFields{"stream": name, "subjects": subjects})
	return stream, nil
}

// ConsumerConfig describes the durable pull consumer.
type ConsumerConfig struct {
	Durable       string
	FilterSubject string
	AckWait       time.Duration
	// MaxDeliver caps deliveries per message; zero or -1 keeps the broker
	// default.
	MaxDeliver int
}

// EnsureConsumer returns the durable consumer on stream, creating it when
// missing. Deliveries start from the beginning of the stream and need an
// explicit ack.
func (g *Gateway) EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	if cfg.Durable == "" {
		return nil, errspkg.ErrDurableNameRequired
	}

	cons, err := stream.Consumer(ctx, cfg.Durable)
	if err == nil {
		g.logger.Debug("Using existing consumer", loggingpkg.LogFields{"durable": cfg.Durable})
		return cons, nil
	}
	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("failed to access consumer %s: %w", cfg.Durable, err)
	}

	consumerCfg := jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       cfg.AckWait,
	}
	if cfg.MaxDeliver > 0 {
		consumerCfg.MaxDeliver = cfg.MaxDeliver
	}

	cons, err = stream.CreateConsumer(ctx, consumerCfg)
	if err != nil {
		if !errors.Is(err, jetstream.ErrConsumerExists) && !errors.Is(err, jetstream.ErrConsumerNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create consumer %s: %w", cfg.Durable, err)
		}
		// another worker created it first
		cons, err = stream.Consumer(ctx, cfg.Durable)
		if err != nil {
			return nil, fmt.Errorf("failed to get consumer %s: %w", cfg.Durable, err)
		}
	}
	g.logger.Info("Created consumer", loggingpkg.LogFields{
		"durable": cfg.Durable,
		"subject": cfg.FilterSubject,
	})
	return cons, nil
}

// EnsureKeyValue returns the named KV bucket, creating it when missing.
func (g *Gateway) EnsureKeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	kv, err := g.js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucket, err)
	}
	kv, err = g.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	g.logger.Info("Created KV bucket", loggingpkg.LogFields{"bucket": bucket})
	return kv, nil
}

// Ack acknowledges msg. Failures are returned so callers can log them; they
// are never retried here.
func (g *Gateway) Ack(msg Message) error {
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("failed to ack message on %s: %w", msg.Subject(), err)
	}
	return nil
}

// Publish sends data on subject over core NATS.
func (g *Gateway) Publish(subject string, data []byte, headers map[string]string) error {
	if subject == "" {
		return errspkg.ErrSubjectRequired
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}
	if err := g.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close flushes buffered acks and publishes, then drains the connection and
// waits for it to close, at most DrainTimeout.
func (g *Gateway) Close() error {
	if g.nc.IsClosed() {
		return nil
	}
	if err := g.nc.FlushTimeout(DrainTimeout); err != nil {
		g.logger.Error("Failed to flush NATS connection", err, nil)
	}
	if err := g.nc.Drain(); err != nil {
		g.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	select {
	case <-g.closed:
		return nil
	case <-time.After(DrainTimeout):
		g.nc.Close()
		return fmt.Errorf("NATS connection did not drain within %s", DrainTimeout)
	}
}
