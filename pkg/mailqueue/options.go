package mailqueue

import "time"

const deliveryLogSize = 500

type options struct {
	queueKey   string
	logKey     string
	deadKey    string
	nextRunKey string
	limiterKey string

	rateLimit  int64
	rateWindow time.Duration

	consumerInterval time.Duration
	pollInterval     time.Duration
	failureDelay     time.Duration
	maxAttempts      int

	configFn ConfigFunc
}

func defaultOptions() options {
	return options{
		queueKey:   "mailer:queue",
		logKey:     "mailer:log",
		deadKey:    "mailer:dead",
		nextRunKey: "mailer:next_run_at",
		limiterKey: "mailer",

		rateLimit:  40,
		rateWindow: time.Minute,

		consumerInterval: 2 * time.Minute,
		pollInterval:     2 * time.Second,
		failureDelay:     2 * time.Second,
		maxAttempts:      25,
	}
}

// Option configures the queue.
type Option func(*options)

// WithKeyPrefix namespaces all Redis keys, for tests and multi-tenant setups.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.queueKey = prefix + ":queue"
		o.logKey = prefix + ":log"
		o.deadKey = prefix + ":dead"
		o.nextRunKey = prefix + ":next_run_at"
		o.limiterKey = prefix
	}
}

// WithRateLimit sets how many deliveries may happen per window.
// Default: 40 per minute.
func WithRateLimit(limit int64, window time.Duration) Option {
	return func(o *options) {
		if limit > 0 {
			o.rateLimit = limit
		}
		if window > 0 {
			o.rateWindow = window
		}
	}
}

// WithConsumerInterval sets how often the queue consumer runs; it only
// drives the advertised next-run timestamp, the actual invocation cadence
// belongs to the scheduler.
func WithConsumerInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.consumerInterval = d
		}
	}
}

// WithPollInterval sets the sleep between rate limiter slot checks.
// Default: 2s.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithFailureDelay sets the pause after a failed delivery before the batch
// continues. Default: 2s.
func WithFailureDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.failureDelay = d
		}
	}
}

// WithMaxAttempts sets the attempt budget before a message is dead-lettered.
// Default: 25.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithConfigSource wires the stored delivery configuration into the
// consumer. Each pass loads it fresh; when it is missing or unreadable the
// static option values apply.
func WithConfigSource(fn ConfigFunc) Option {
	return func(o *options) {
		o.configFn = fn
	}
}
