package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	errspkg "github.com/drblury/nsai/internal/runtime/errors"
)

// PullConfig tunes the pull iterator.
type PullConfig struct {
	// BatchSize is the number of messages buffered ahead of Next.
	BatchSize int
	// Expiry is the lifetime of a single pull request, at least one second.
	Expiry time.Duration
}

// Subscription is the lazy, unbounded sequence of deliveries from one
// consumer.
type Subscription struct {
	iter jetstream.MessagesContext
}

// Pull opens the delivery sequence on cons.
func (g *Gateway) Pull(cons jetstream.Consumer, cfg PullConfig) (*Subscription, error) {
	var opts []jetstream.PullMessagesOpt
	if cfg.BatchSize > 0 {
		opts = append(opts, jetstream.PullMaxMessages(cfg.BatchSize))
	}
	if cfg.Expiry > 0 {
		opts = append(opts, jetstream.PullExpiry(cfg.Expiry))
	}

	iter, err := cons.Messages(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create message iterator: %w", err)
	}
	return &Subscription{iter: iter}, nil
}

// Next blocks until the next delivery. It returns ErrSequenceClosed once the
// subscription is stopped; any other error is a transport error and the
// sequence may still yield more messages.
func (s *Subscription) Next() (Message, error) {
	msg, err := s.iter.Next()
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, errspkg.ErrSequenceClosed
		}
		return nil, err
	}
	return msg, nil
}

// Stop ends the sequence and unblocks a pending Next. Safe to call more than
// once and from another goroutine.
func (s *Subscription) Stop() {
	s.iter.Stop()
}
