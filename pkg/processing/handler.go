package processing

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"scanproc/pkg/storage"
)

// Outcome is the terminal state the handler reached for one message.
type Outcome string

const (
	// OutcomeAck: the record was durably committed.
	OutcomeAck Outcome = "ack"
	// OutcomeNackTerminal: the payload is permanently unusable.
	OutcomeNackTerminal Outcome = "nack_terminal"
	// OutcomeNackExhausted: transient failures outlasted the retry budget.
	OutcomeNackExhausted Outcome = "nack_exhausted"
)

// Delivery is the slice of a queue message the handler needs: the raw
// payload plus the acknowledgment controls. The handler calls exactly one of
// Ack or Nack, exactly once, for every message it is handed.
type Delivery interface {
	Payload() []byte
	Ack()
	Nack()
}

// PubSubDelivery adapts a Pub/Sub message to Delivery.
type PubSubDelivery struct {
	Msg *pubsub.Message
}

func (d PubSubDelivery) Payload() []byte { return d.Msg.Data }
func (d PubSubDelivery) Ack()            { d.Msg.Ack() }
func (d PubSubDelivery) Nack()           { d.Msg.Nack() }

// DLQPublisher copies terminally rejected payloads to a dead-letter topic so
// they can be inspected after the nack.
type DLQPublisher interface {
	Publish(ctx context.Context, payload []byte, reason string) error
}

// PubSubDLQPublisher implements DLQPublisher using a Pub/Sub topic.
type PubSubDLQPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubDLQPublisher constructs a DLQ publisher for the given topic. If
// the topic is nil, publishes are treated as no-ops.
func NewPubSubDLQPublisher(topic *pubsub.Topic) *PubSubDLQPublisher {
	return &PubSubDLQPublisher{topic: topic}
}

// Publish sends the payload to the DLQ topic. If topic is nil, it is a no-op.
func (p *PubSubDLQPublisher) Publish(ctx context.Context, payload []byte, reason string) error {
	if p.topic == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"reason": reason},
	}).Get(ctx)
	return err
}

// NoopDLQPublisher is used when no DLQ topic is configured.
type NoopDLQPublisher struct{}

func (n *NoopDLQPublisher) Publish(ctx context.Context, payload []byte, reason string) error {
	return nil
}

// Defaults for HandlerConfig.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// HandlerConfig carries the retry knobs. Both are injectable so tests can
// run with a zero delay and a tight budget.
type HandlerConfig struct {
	// MaxRetries is the number of additional attempts after the first one.
	// Zero disables retries; negative values are clamped to zero.
	MaxRetries int
	// BaseDelay is the first backoff; it doubles on each subsequent retry.
	// Zero or negative falls back to DefaultBaseDelay.
	BaseDelay time.Duration
}

// DefaultHandlerConfig returns the production retry policy.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Handler drives decode -> validate -> upsert for each delivered message and
// owns the acknowledgment decision. Handle is safe for concurrent use;
// backoff sleeps block only the worker holding that message.
type Handler struct {
	store      storage.Repository
	dlq        DLQPublisher
	logger     log.Logger
	maxRetries int
	baseDelay  time.Duration

	// sleep is swapped out in tests to record backoffs instead of waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHandler wires the pipeline. A nil dlq disables dead-lettering and a nil
// logger discards logs.
func NewHandler(store storage.Repository, dlq DLQPublisher, logger log.Logger, cfg HandlerConfig) *Handler {
	if dlq == nil {
		dlq = &NoopDLQPublisher{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	return &Handler{
		store:      store,
		dlq:        dlq,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		sleep:      sleepContext,
	}
}

// Handle runs the pipeline for one message until it reaches a terminal
// state, then issues the single ack or nack. Malformed payloads and invalid
// fields are never retried; everything else is retried with exponential
// backoff up to the configured budget. Each retry reruns the pipeline from
// decode, not just the failing step. No error escapes Handle.
func (h *Handler) Handle(ctx context.Context, msg Delivery) Outcome {
	for attempt := 0; ; attempt++ {
		rec, err := h.process(ctx, msg.Payload())
		if err == nil {
			_ = level.Info(h.logger).Log(
				"msg", "scan stored",
				"ip", rec.IP, "port", rec.Port, "service", rec.Service,
				"timestamp", rec.Timestamp,
			)
			msg.Ack()
			return OutcomeAck
		}

		if Terminal(err) {
			_ = level.Error(h.logger).Log("msg", "dropping message", "kind", KindOf(err), "err", err)
			if dlqErr := h.dlq.Publish(ctx, msg.Payload(), string(KindOf(err))); dlqErr != nil {
				_ = level.Warn(h.logger).Log("msg", "dead-letter publish failed", "err", dlqErr)
			}
			msg.Nack()
			return OutcomeNackTerminal
		}

		if attempt >= h.maxRetries {
			_ = level.Error(h.logger).Log("msg", "retries exhausted", "attempts", attempt+1, "err", err)
			msg.Nack()
			return OutcomeNackExhausted
		}

		delay := h.baseDelay << attempt
		_ = level.Warn(h.logger).Log("msg", "retrying message", "attempt", attempt, "delay", delay, "err", err)
		if sleepErr := h.sleep(ctx, delay); sleepErr != nil {
			_ = level.Error(h.logger).Log("msg", "abandoning retries", "err", sleepErr)
			msg.Nack()
			return OutcomeNackExhausted
		}
	}
}

// process runs one full pipeline attempt. A panic anywhere in the attempt is
// converted to an unclassified (retryable) error so a single bad message
// cannot take the worker down.
func (h *Handler) process(ctx context.Context, payload []byte) (rec storage.ScanRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	scan, err := ParseScanMessage(payload)
	if err != nil {
		return storage.ScanRecord{}, err
	}
	resp, err := scan.ResponseString()
	if err != nil {
		return storage.ScanRecord{}, err
	}
	rec, err = ValidateScan(scan, resp)
	if err != nil {
		return storage.ScanRecord{}, err
	}

	if err := h.store.UpsertLatest(ctx, rec); err != nil {
		if storage.IsUnavailable(err) {
			return storage.ScanRecord{}, &Error{Kind: KindStoreUnavailable, Err: err}
		}
		return storage.ScanRecord{}, fmt.Errorf("upsert scan: %w", err)
	}
	return rec, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
