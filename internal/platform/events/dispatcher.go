package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultSendTimeout bounds a single sink delivery.
const DefaultSendTimeout = 5 * time.Second

// Sink delivers an encoded envelope to one downstream transport.
type Sink interface {
	Name() string
	Send(ctx context.Context, env Envelope, body []byte) error
}

// Dispatcher queues envelopes on a bounded channel and delivers them to every
// sink from a single worker. Publish never blocks: a full queue drops the
// envelope and logs it.
type Dispatcher struct {
	queue   chan Envelope
	sinks   []Sink
	logger  zerolog.Logger
	timeout time.Duration
	origin  string

	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewDispatcher(bufferSize int, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Dispatcher{
		queue:   make(chan Envelope, bufferSize),
		sinks:   sinks,
		logger:  logger.With().Str("component", "events").Logger(),
		timeout: DefaultSendTimeout,
	}
}

// SetSendTimeout overrides the per-sink delivery timeout.
func (d *Dispatcher) SetSendTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// SetOrigin names this process on every envelope it publishes, letting a
// Redis relay skip its own messages.
func (d *Dispatcher) SetOrigin(origin string) {
	d.origin = origin
}

// Publish enqueues env and reports whether it was accepted.
func (d *Dispatcher) Publish(env Envelope) bool {
	if env.Origin == "" {
		env.Origin = d.origin
	}
	select {
	case d.queue <- env:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn().
			Str("event_id", env.ID.String()).
			Str("event_type", env.Type).
			Str("topic", env.Topic).
			Msg("event queue full, dropping event")
		return false
	}
}

// Run delivers queued envelopes until ctx is cancelled, then flushes whatever
// is still queued with a fresh deadline per envelope.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return
		case env := <-d.queue:
			d.deliver(ctx, env)
		}
	}
}

func (d *Dispatcher) flush() {
	for {
		select {
		case env := <-d.queue:
			d.deliver(context.Background(), env)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", env.ID.String()).Msg("encode event")
		return
	}

	var g errgroup.Group
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := sink.Send(sendCtx, env, body); err != nil {
				d.logger.Error().Err(err).
					Str("sink", sink.Name()).
					Str("event_id", env.ID.String()).
					Str("event_type", env.Type).
					Msg("event delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	d.delivered.Add(1)
}

// Stats reports how many envelopes were delivered and dropped.
func (d *Dispatcher) Stats() (delivered, dropped int64) {
	return d.delivered.Load(), d.dropped.Load()
}
