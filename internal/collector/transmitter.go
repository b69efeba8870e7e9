package collector

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// flushLocked swaps the entire queue into a batch and transmits it without
// blocking the caller. A no-op on an empty queue. Must be called with the
// collector mutex held.
func (c *Collector) flushLocked(retryCount int) {
	if c.queue.len() == 0 {
		return
	}
	batch := Batch{
		ID:             uuid.NewString(),
		Events:         c.queue.swap(),
		SessionMetrics: c.sess.snapshot(),
	}
	c.inflight.Add(1)
	go c.transmit(batch, retryCount)
}

func (c *Collector) transmit(batch Batch, retryCount int) {
	defer c.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	err := c.sink.Send(ctx, batch, c.fetchToken(ctx))
	if err == nil {
		c.logger.Debug("batch transmitted",
			zap.String("batch_id", batch.ID), zap.Int("events", len(batch.Events)))
		c.bus.Emit(EventsFlushed, len(batch.Events))
		return
	}
	c.logger.Warn("batch transmission failed",
		zap.String("batch_id", batch.ID), zap.Int("attempt", retryCount+1), zap.Error(err))

	c.mu.Lock()
	if retryCount >= c.cfg.MaxRetries || c.closed {
		c.mu.Unlock()
		c.logger.Error("batch dropped after retry exhaustion",
			zap.String("batch_id", batch.ID), zap.Int("events", len(batch.Events)))
		c.bus.Emit(EventsLost, len(batch.Events))
		return
	}
	c.queue.prepend(batch.Events)
	c.scheduleRetryLocked(retryCount + 1)
	c.mu.Unlock()
}

// fetchToken asks the credential provider for a bearer token. Failure degrades
// to an unauthenticated transmission; it never blocks or fails the flush.
func (c *Collector) fetchToken(ctx context.Context) string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Warn("token fetch failed, sending unauthenticated", zap.Error(err))
		return ""
	}
	return token
}

// scheduleRetryLocked arms a single-shot timer for retry attempt retryCount.
// The delay doubles per attempt: backoff, 2*backoff, 4*backoff.
func (c *Collector) scheduleRetryLocked(retryCount int) {
	delay := c.cfg.RetryBackoff << (retryCount - 1)
	var t *clock.Timer
	t = c.clk.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.retryTimers, t)
		if !c.closed {
			c.flushLocked(retryCount)
		}
		c.mu.Unlock()
	})
	c.retryTimers[t] = struct{}{}
	c.logger.Debug("retry scheduled", zap.Int("attempt", retryCount), zap.Duration("delay", delay))
}
