package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Factory defaults.
const (
	DefaultPriority   = PriorityNormal
	DefaultMaxRetries = 3
	DefaultBackoff    = time.Second
	DefaultTimeout    = 5 * time.Minute

	// MaxBackoff caps the delay returned by NextBackoff.
	MaxBackoff = 10 * time.Minute
)

type options struct {
	priority       Priority
	payload        map[string]any
	idempotencyKey string
	userID         string
	market         string
	maxRetries     *int
	backoff        time.Duration
	timeout        time.Duration
	scheduledFor   *time.Time
	metadata       map[string]any
	now            func() time.Time
}

// Option customizes a task built by New.
type Option func(*options)

// WithPriority sets the priority. The default is normal.
func WithPriority(p Priority) Option {
	return func(o *options) { o.priority = p }
}

// WithPayload sets the agent-specific input. The map is copied and its
// values converted to JSON-native form, so an int becomes a float64.
func WithPayload(payload map[string]any) Option {
	return func(o *options) { o.payload = jsonNative(payload) }
}

// WithIdempotencyKey sets the deduplication key. Without it New generates a
// random key, which means resubmitting the same logical work is never
// detected as a duplicate. Callers that need deduplication must supply a
// stable key.
func WithIdempotencyKey(key string) Option {
	return func(o *options) { o.idempotencyKey = key }
}

// WithUserID records the requesting user.
func WithUserID(id string) Option {
	return func(o *options) { o.userID = id }
}

// WithMarket tags the task with a market.
func WithMarket(market string) Option {
	return func(o *options) { o.market = market }
}

// WithMaxRetries sets the retry budget. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = &n }
}

// WithBackoff sets the base retry delay.
func WithBackoff(d time.Duration) Option {
	return func(o *options) { o.backoff = d }
}

// WithTimeout sets the per-attempt execution limit.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithScheduledFor defers execution until at.
func WithScheduledFor(at time.Time) Option {
	return func(o *options) {
		at = at.UTC()
		o.scheduledFor = &at
	}
}

// WithMetadata attaches free-form metadata. The map is copied and
// converted like the payload.
func WithMetadata(md map[string]any) Option {
	return func(o *options) { o.metadata = jsonNative(md) }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds a task with a fresh id, the given type, agent type, and
// tenant, and defaults for everything not set by opts: normal priority,
// 3 retries, 1s backoff, 5m timeout, and a generated idempotency key of the
// form "<type>-<unix millis>-<random>". New performs no I/O and never fails;
// call Validate to check the result.
func New(taskType string, agentType AgentType, tenantID string, opts ...Option) *AITask {
	o := options{
		priority: DefaultPriority,
		backoff:  DefaultBackoff,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	created := o.now().UTC()
	maxRetries := DefaultMaxRetries
	if o.maxRetries != nil {
		maxRetries = *o.maxRetries
	}
	key := o.idempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s-%d-%s", taskType, created.UnixMilli(), uuid.NewString()[:8])
	}

	return &AITask{
		ID:             uuid.NewString(),
		Type:           taskType,
		AgentType:      agentType,
		Priority:       o.priority,
		Payload:        o.payload,
		IdempotencyKey: key,
		TenantID:       tenantID,
		UserID:         o.userID,
		Market:         o.market,
		MaxRetries:     maxRetries,
		Backoff:        o.backoff,
		Timeout:        o.timeout,
		CreatedAt:      created,
		ScheduledFor:   o.scheduledFor,
		Metadata:       o.metadata,
	}
}
