// Package mailqueue is the durable delivery buffer between "job fired" and
// "message actually sent". Messages are appended to a Redis FIFO list; a
// periodically-invoked consumer drains the head, throttled by the shared
// fixed-window rate limiter, and requeues failed messages to the tail so a
// delivery failure never silently drops a mailing.
package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Flo-63/gratulo-sub000/pkg/mailer"
	"github.com/Flo-63/gratulo-sub000/pkg/ratelimit"
)

var (
	ErrNoSender      = errors.New("mailqueue: no mail transport configured")
	ErrEnqueueFailed = errors.New("mailqueue: failed to enqueue message")
	ErrStatusFailed  = errors.New("mailqueue: failed to read queue status")
)

// Client is the slice of the Redis command surface the queue needs.
// redis.UniversalClient satisfies it.
type Client interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LPop(ctx context.Context, key string) *redis.StringCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LIndex(ctx context.Context, key string, index int64) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Message is one queued delivery.
type Message struct {
	To       string    `json:"to"`
	From     string    `json:"from,omitempty"`
	ReplyTo  string    `json:"reply_to,omitempty"`
	BCC      string    `json:"bcc,omitempty"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	ConfigID int64     `json:"config_id,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	QueuedAt time.Time `json:"queued_at"`
}

// DeliveryConfig is the operator-editable slice of delivery settings the
// consumer applies per pass.
type DeliveryConfig struct {
	From       string
	ReplyTo    string
	RateLimit  int64
	RateWindow time.Duration
}

// ConfigFunc loads the current DeliveryConfig, typically from the database,
// so operator edits take effect without a restart.
type ConfigFunc func(ctx context.Context) (DeliveryConfig, error)

// deliveryRecord is one entry of the bounded delivery log.
type deliveryRecord struct {
	Status    string    `json:"status"` // "sent" or "error"
	To        string    `json:"to"`     // anonymized
	Subject   string    `json:"subject"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Queue is the Redis-backed delivery queue and its consumer.
type Queue struct {
	client  Client
	sender  mailer.Sender
	limiter *ratelimit.Limiter
	log     *slog.Logger
	opts    options
	now     func() time.Time
}

// New creates a queue on the given Redis client. The sender may be nil when
// no mail transport is configured yet; Process then refuses to drain.
func New(client Client, sender mailer.Sender, limiter *ratelimit.Limiter, log *slog.Logger, opts ...Option) *Queue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue{
		client:  client,
		sender:  sender,
		limiter: limiter,
		log:     log,
		opts:    o,
		now:     time.Now,
	}
}

// Enqueue appends a message to the tail of the queue. It never blocks on
// delivery and never drops; capacity is bounded only by Redis.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = q.now().UTC()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Join(ErrEnqueueFailed, err)
	}
	if err := q.client.RPush(ctx, q.opts.queueKey, raw).Err(); err != nil {
		return errors.Join(ErrEnqueueFailed, err)
	}

	q.log.InfoContext(ctx, "mail queued",
		slog.String("to", Anonymize(msg.To)),
		slog.String("subject", msg.Subject),
	)
	return nil
}

// Process drains up to maxBatch messages from the head of the queue. Each
// delivery waits for a rate limiter slot first. Failed messages are recorded
// and requeued to the tail for a later pass, unless they have exhausted
// their attempt budget, in which case they land on the dead-letter list.
//
// The next-run timestamp is always refreshed before anything else, even for
// an empty queue, so status queries can report time-to-next-run.
func (q *Queue) Process(ctx context.Context, maxBatch int) error {
	nextRun := q.now().UTC().Add(q.opts.consumerInterval)
	if err := q.client.Set(ctx, q.opts.nextRunKey, nextRun.Format(time.RFC3339), 0).Err(); err != nil {
		q.log.WarnContext(ctx, "failed to store next run timestamp", slog.Any("error", err))
	}

	pending, err := q.client.LLen(ctx, q.opts.queueKey).Result()
	if err != nil {
		return err
	}
	if pending == 0 {
		q.log.DebugContext(ctx, "mail queue empty")
		return nil
	}

	if q.sender == nil {
		q.log.ErrorContext(ctx, "mail transport not configured, skipping queue pass")
		return ErrNoSender
	}

	batch := min(int64(maxBatch), pending)
	cfg := q.deliveryConfig(ctx)
	q.log.InfoContext(ctx, "processing mail queue",
		slog.Int64("batch", batch),
		slog.Int64("pending", pending),
		slog.Int64("rate_limit", cfg.RateLimit),
	)

	for range batch {
		raw, err := q.client.LPop(ctx, q.opts.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return err
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// Undecodable entries can never succeed; dead-letter them
			// instead of cycling forever.
			q.log.ErrorContext(ctx, "dropping undecodable queue entry to dead letter", slog.Any("error", err))
			_ = q.client.RPush(ctx, q.opts.deadKey, raw).Err()
			continue
		}

		if err := q.limiter.WaitForSlot(ctx, q.opts.limiterKey, cfg.RateLimit, cfg.RateWindow, q.opts.pollInterval); err != nil {
			// Slot never arrived (shutdown or storage failure): put the
			// message back at the head so order is preserved.
			reraw, _ := json.Marshal(msg)
			_ = q.client.LPush(ctx, q.opts.queueKey, reraw).Err()
			return err
		}

		if err := q.deliver(ctx, msg, cfg); err != nil {
			q.recordDelivery(ctx, "error", msg, err)
			q.requeue(ctx, msg)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.opts.failureDelay):
			}
			continue
		}

		q.recordDelivery(ctx, "sent", msg, nil)
	}

	return nil
}

// deliver hands one message to the transport. The message's own sender
// fields win; messages queued without them pick up the current stored
// config, so operator edits also reach the backlog.
func (q *Queue) deliver(ctx context.Context, msg Message, cfg DeliveryConfig) error {
	email := &mailer.Email{
		To:      []string{msg.To},
		From:    msg.From,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		HTML:    msg.Body,
	}
	if email.From == "" {
		email.From = cfg.From
	}
	if email.ReplyTo == "" {
		email.ReplyTo = cfg.ReplyTo
	}
	if msg.BCC != "" {
		email.BCC = []string{msg.BCC}
	}
	return q.sender.Send(ctx, email)
}

// deliveryConfig returns the effective delivery settings: the stored,
// operator-editable config when a source is wired, the static options
// otherwise or when the source fails.
func (q *Queue) deliveryConfig(ctx context.Context) DeliveryConfig {
	cfg := DeliveryConfig{RateLimit: q.opts.rateLimit, RateWindow: q.opts.rateWindow}
	if q.opts.configFn == nil {
		return cfg
	}
	stored, err := q.opts.configFn(ctx)
	if err != nil {
		q.log.WarnContext(ctx, "delivery config unavailable, using defaults", slog.Any("error", err))
		return cfg
	}
	cfg.From = stored.From
	cfg.ReplyTo = stored.ReplyTo
	if stored.RateLimit > 0 {
		cfg.RateLimit = stored.RateLimit
	}
	if stored.RateWindow > 0 {
		cfg.RateWindow = stored.RateWindow
	}
	return cfg
}

// requeue puts a failed message back on the tail, or dead-letters it once
// its attempt budget is spent. Either way the message is never dropped.
func (q *Queue) requeue(ctx context.Context, msg Message) {
	msg.Attempts++
	raw, err := json.Marshal(msg)
	if err != nil {
		q.log.ErrorContext(ctx, "failed to marshal message for requeue", slog.Any("error", err))
		return
	}

	key := q.opts.queueKey
	if msg.Attempts >= q.opts.maxAttempts {
		key = q.opts.deadKey
		q.log.ErrorContext(ctx, "message exhausted attempts, moved to dead letter",
			slog.String("to", Anonymize(msg.To)),
			slog.Int("attempts", msg.Attempts),
		)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		q.log.ErrorContext(ctx, "failed to requeue message", slog.Any("error", err))
	}
}

// recordDelivery appends to the bounded delivery log (last 500 entries).
func (q *Queue) recordDelivery(ctx context.Context, status string, msg Message, sendErr error) {
	rec := deliveryRecord{
		Status:    status,
		To:        Anonymize(msg.To),
		Subject:   msg.Subject,
		Timestamp: q.now().UTC(),
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
		q.log.ErrorContext(ctx, "mail delivery failed",
			slog.String("to", rec.To),
			slog.Any("error", sendErr),
		)
	} else {
		q.log.InfoContext(ctx, "mail delivered", slog.String("to", rec.To))
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := q.client.LPush(ctx, q.opts.logKey, raw).Err(); err != nil {
		q.log.WarnContext(ctx, "failed to append delivery log", slog.Any("error", err))
		return
	}
	_ = q.client.LTrim(ctx, q.opts.logKey, 0, deliveryLogSize-1).Err()
}

// Anonymize masks an address for logs: first rune of the local part
// survives, the rest is starred, the domain stays readable.
func Anonymize(address string) string {
	local, domain, ok := strings.Cut(address, "@")
	if !ok || local == "" {
		return "***"
	}
	runes := []rune(local)
	return string(runes[0]) + "***@" + domain
}
