// Package collector implements the client-side telemetry pipeline: session
// lifecycle, event ingestion, throttling, batching, bounded-retry transmission
// and derived quality aggregation.
package collector

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultBatchSize       = 10
	DefaultFlushInterval   = 5 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryBackoff    = time.Second
	DefaultRateLimitWindow = 100 * time.Millisecond
	DefaultRequestTimeout  = 10 * time.Second
)

// Config holds collector settings. Zero values fall back to the defaults.
type Config struct {
	// Endpoint is the analytics ingest URL used by the default HTTP sink.
	Endpoint string
	// BatchSize triggers a flush when the queue reaches this length.
	BatchSize int
	// FlushInterval is the periodic flush cadence while a session is active.
	FlushInterval time.Duration
	// MaxRetries bounds retransmission attempts per batch.
	MaxRetries int
	// RetryBackoff is the base delay; attempt n waits RetryBackoff * 2^n.
	RetryBackoff time.Duration
	// RateLimitWindow throttles the generic tracking path.
	RateLimitWindow time.Duration
	// RequestTimeout bounds each outbound transmission.
	RequestTimeout time.Duration
	// Environment, when set, is attached to every event.
	Environment *Environment
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Collector is one telemetry pipeline instance. All public methods are safe
// for concurrent use; tracking calls are fire-and-forget and never surface
// transport errors.
type Collector struct {
	mu      sync.Mutex
	cfg     Config
	logger  *zap.Logger
	clk     clock.Clock
	sink    Sink
	tokens  TokenProvider
	bus     *Bus
	enabled bool
	closed  bool

	sess    *session
	agg     *qualityAggregator
	queue   eventQueue
	limiter rateLimiter

	// schedulerStop is non-nil while the periodic flush loop runs; it doubles
	// as the loop's identity so a stale tick can never flush after teardown.
	schedulerStop chan struct{}
	retryTimers   map[*clock.Timer]struct{}
	inflight      sync.WaitGroup
}

// Option customizes a Collector.
type Option func(*Collector)

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithClock injects the clock used for scheduling, backoff and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Collector) { c.clk = clk }
}

// WithSink replaces the default HTTP sink.
func WithSink(s Sink) Option {
	return func(c *Collector) { c.sink = s }
}

// WithTokenProvider sets the bearer-credential source for transmissions.
func WithTokenProvider(tp TokenProvider) Option {
	return func(c *Collector) { c.tokens = tp }
}

// New creates an enabled, idle collector. A session must be initialized before
// tracking calls record anything.
func New(cfg Config, opts ...Option) *Collector {
	c := &Collector{
		cfg:         cfg.withDefaults(),
		enabled:     true,
		retryTimers: make(map[*clock.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.clk == nil {
		c.clk = clock.New()
	}
	if c.sink == nil {
		c.sink = NewHTTPSink(c.cfg.Endpoint, nil, c.logger)
	}
	c.bus = NewBus(c.logger)
	c.limiter = newRateLimiter(c.cfg.RateLimitWindow)
	return c
}

// On registers a notification listener and returns its unsubscribe function.
func (c *Collector) On(name string, h Handler) func() {
	return c.bus.On(name, h)
}

// InitSession starts a tracked session. It returns false and mutates nothing
// when any identity field is missing. A still-active previous session is ended
// explicitly with reason "superseded" before the new one starts.
func (c *Collector) InitSession(userID, creatorID, channelID, sessionType string, metadata Fields) bool {
	if userID == "" || creatorID == "" || channelID == "" {
		c.logger.Warn("session init rejected: missing identity",
			zap.String("user_id", userID), zap.String("creator_id", creatorID), zap.String("channel_id", channelID))
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	var superseded *Tracked
	if c.sess.active() {
		notice := c.endSessionLocked("superseded")
		superseded = &notice
	}
	c.sess = newSession(userID, creatorID, channelID, sessionType, metadata, c.clk.Now())
	c.agg = newQualityAggregator()
	c.limiter = newRateLimiter(c.cfg.RateLimitWindow)
	c.startSchedulerLocked()
	notice := c.appendLocked("session_started", Fields{
		"channelId":   channelID,
		"sessionType": sessionType,
		"metadata":    metadata,
	})
	sessionID := c.sess.id
	c.mu.Unlock()

	if superseded != nil {
		c.bus.Emit(EventTracked, *superseded)
	}
	c.bus.Emit(EventTracked, notice)
	c.logger.Info("session started", zap.String("session_id", sessionID), zap.String("session_type", sessionType))
	return true
}

// EndSession finalizes the active session: it stamps the end time, queues a
// session_ended event carrying the summary, flushes immediately and stops the
// scheduler. It is an idempotent no-op when no session is active.
func (c *Collector) EndSession(reason string) {
	c.mu.Lock()
	if c.closed || !c.sess.active() {
		c.mu.Unlock()
		return
	}
	notice := c.endSessionLocked(reason)
	c.mu.Unlock()

	c.bus.Emit(EventTracked, notice)
}

func (c *Collector) endSessionLocked(reason string) Tracked {
	c.sess.end(c.clk.Now())
	summary := c.summaryLocked()
	notice := c.appendLocked("session_ended", Fields{"reason": reason, "summary": summary})
	c.flushLocked(0)
	c.stopSchedulerLocked()
	c.logger.Info("session ended",
		zap.String("session_id", c.sess.id),
		zap.String("reason", reason),
		zap.Duration("duration", summary.Duration))
	return notice
}

// TrackEvent records one generic event, subject to rate limiting. Bursts
// inside one limiter window keep only the first call.
func (c *Collector) TrackEvent(eventType string, data Fields) {
	c.track(eventType, data, false, true)
}

// TrackEventImmediate records one event bypassing both the rate limiter and
// the batching threshold: the queue is flushed right away.
func (c *Collector) TrackEventImmediate(eventType string, data Fields) {
	c.track(eventType, data, true, false)
}

// TrackPageView records a page view through the unthrottled path.
func (c *Collector) TrackPageView(name string, data Fields) {
	merged := Fields{"page": name}
	for k, v := range data {
		merged[k] = v
	}
	c.track("page_view", merged, false, false)
}

// TrackConversion records a conversion with its value.
func (c *Collector) TrackConversion(conversionType string, value float64, data Fields) {
	merged := Fields{"conversionType": conversionType, "value": value}
	for k, v := range data {
		merged[k] = v
	}
	c.track("conversion", merged, false, false)
}

func (c *Collector) track(eventType string, data Fields, immediate, limited bool) {
	c.mu.Lock()
	if !c.trackableLocked() {
		c.mu.Unlock()
		return
	}
	if limited && !c.limiter.allow(c.clk.Now()) {
		c.mu.Unlock()
		return
	}
	notice := c.appendLocked(eventType, data)
	if immediate || c.queue.len() >= c.cfg.BatchSize {
		c.flushLocked(0)
	}
	c.mu.Unlock()

	c.bus.Emit(EventTracked, notice)
}

// TrackSessionMetrics folds quality samples and technical counters into the
// session accumulator. Metrics are not queued as events; they travel with
// every batch as a snapshot.
func (c *Collector) TrackSessionMetrics(update MetricsUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.trackableLocked() {
		return
	}
	c.sess.applyMetrics(update)
}

// TrackRevenue records one monetization observation: the revenue accumulator
// is updated and a revenue event is queued.
func (c *Collector) TrackRevenue(rev RevenueUpdate) {
	c.mu.Lock()
	if !c.trackableLocked() {
		c.mu.Unlock()
		return
	}
	c.sess.applyRevenue(rev)
	notice := c.appendLocked("revenue", Fields{
		"type":     rev.Type,
		"amount":   rev.Amount,
		"usdValue": rev.USDValue,
	})
	if c.queue.len() >= c.cfg.BatchSize {
		c.flushLocked(0)
	}
	c.mu.Unlock()

	c.bus.Emit(EventTracked, notice)
}

// TrackInteraction appends to the session interaction log and queues an
// interaction event.
func (c *Collector) TrackInteraction(interactionType string, data Fields) {
	c.mu.Lock()
	if !c.trackableLocked() {
		c.mu.Unlock()
		return
	}
	c.sess.addInteraction(interactionType, c.clk.Now(), data)
	notice := c.appendLocked("interaction", Fields{"interactionType": interactionType, "data": data})
	if c.queue.len() >= c.cfg.BatchSize {
		c.flushLocked(0)
	}
	c.mu.Unlock()

	c.bus.Emit(EventTracked, notice)
}

// SetEnabled toggles collection without losing session state. Disabling stops
// the scheduler and turns tracking calls into no-ops; re-enabling during an
// active session restarts the scheduler.
func (c *Collector) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.enabled == enabled {
		return
	}
	c.enabled = enabled
	if !enabled {
		c.stopSchedulerLocked()
		c.logger.Info("collection disabled")
		return
	}
	if c.sess.active() {
		c.startSchedulerLocked()
	}
	c.logger.Info("collection enabled")
}

// AverageQuality returns the memoized mean aggregate for one quality series,
// or nil when the active session has no samples of that kind.
func (c *Collector) AverageQuality(kind Kind) *QualityAverage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agg == nil {
		return nil
	}
	return c.agg.average(kind, c.sess)
}

// SessionSummary computes the current session roll-up. Safe to call at any
// time; with no session it returns a zero summary.
func (c *Collector) SessionSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryLocked()
}

func (c *Collector) summaryLocked() Summary {
	if c.sess == nil {
		return Summary{}
	}
	duration := c.sess.duration
	if c.sess.active() {
		duration = c.clk.Now().Sub(c.sess.startedAt)
	}
	return Summary{
		SessionID:    c.sess.id,
		Duration:     duration,
		Events:       c.sess.totalEvents,
		Revenue:      c.sess.revenue,
		Interactions: len(c.sess.interactions),
		Technical: TechnicalTotals{
			Reconnects: c.sess.technical.Reconnects,
			Fallbacks:  c.sess.technical.Fallbacks,
			Errors:     append([]ErrorRecord(nil), c.sess.technical.Errors...),
		},
		Video:   c.agg.average(KindVideo, c.sess),
		Audio:   c.agg.average(KindAudio, c.sess),
		Network: c.agg.average(KindNetwork, c.sess),
	}
}

// Status reports the pipeline's observable state.
type Status struct {
	Enabled        bool   `json:"enabled"`
	SessionActive  bool   `json:"sessionActive"`
	SessionID      string `json:"sessionId,omitempty"`
	QueueLength    int    `json:"queueLength"`
	PendingRetries int    `json:"pendingRetries"`
	TotalEvents    int    `json:"totalEvents"`
}

// Status returns a point-in-time view of the pipeline.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Enabled:        c.enabled,
		SessionActive:  c.sess.active(),
		QueueLength:    c.queue.len(),
		PendingRetries: len(c.retryTimers),
	}
	if c.sess != nil {
		st.SessionID = c.sess.id
		st.TotalEvents = c.sess.totalEvents
	}
	return st
}

// Close ends any active session, stops the scheduler and pending retry timers,
// and waits for in-flight transmissions to finish. The collector cannot be
// reused afterwards.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var ended *Tracked
	if c.sess.active() {
		notice := c.endSessionLocked("cleanup")
		ended = &notice
	}
	c.closed = true
	c.stopSchedulerLocked()
	for t := range c.retryTimers {
		t.Stop()
	}
	c.retryTimers = make(map[*clock.Timer]struct{})
	c.mu.Unlock()

	if ended != nil {
		c.bus.Emit(EventTracked, *ended)
	}
	c.inflight.Wait()
	c.logger.Info("collector closed")
}

// trackableLocked reports whether tracking calls may record anything.
func (c *Collector) trackableLocked() bool {
	return !c.closed && c.enabled && c.sess.active()
}

// appendLocked builds an event from the session identity, queues it and
// returns the listener notification payload.
func (c *Collector) appendLocked(eventType string, data Fields) Tracked {
	e := Event{
		Type:      eventType,
		SessionID: c.sess.id,
		UserID:    c.sess.userID,
		CreatorID: c.sess.creatorID,
		Timestamp: c.clk.Now(),
		Data:      data,
		Context:   c.cfg.Environment,
	}
	c.queue.append(e)
	c.sess.totalEvents++
	return Tracked{Type: eventType, Data: data}
}

func (c *Collector) startSchedulerLocked() {
	if c.schedulerStop != nil || !c.enabled {
		return
	}
	stop := make(chan struct{})
	c.schedulerStop = stop
	ticker := c.clk.Ticker(c.cfg.FlushInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				// A tick that raced with teardown must not flush, and the
				// backoff chain owns re-queued events while a retry is armed.
				if c.schedulerStop == stop && c.queue.len() > 0 && len(c.retryTimers) == 0 {
					c.flushLocked(0)
				}
				c.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Collector) stopSchedulerLocked() {
	if c.schedulerStop != nil {
		close(c.schedulerStop)
		c.schedulerStop = nil
	}
}
