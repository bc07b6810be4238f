package engine

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// Run connects and keeps the account connected until ctx is done, Disconnect
// is called or an attempt ends with a status that needs user interaction.
// That error is returned; a requested shutdown returns nil.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.cancel = cancel
	c.mu.Unlock()

	for {
		err := c.session(ctx)
		status := StatusOf(err)
		c.metrics.Attempt(status.String())

		if ctx.Err() != nil {
			c.failPending(c.ledger.Reset())
			c.setStatus(StatusOffline, nil)
			return nil
		}
		c.setStatus(status, err)
		if !status.Retryable() {
			c.failPending(c.ledger.Reset())
			return err
		}

		var delay time.Duration
		if !immediate(err) {
			c.mu.Lock()
			c.attempt++
			attempt, penalty, last := c.attempt, c.penalty, c.lastConnect
			c.mu.Unlock()
			delay = Backoff(c.cfg, attempt, penalty, time.Since(last))
		}
		if delay <= 0 {
			continue
		}
		c.log.Debug("reconnecting", zap.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.failPending(c.ledger.Reset())
			c.setStatus(StatusOffline, nil)
			return nil
		case <-t.C:
		}
	}
}

// Backoff returns how long to wait before the next attempt. The delay grows
// with 1.3^attempt up to MaxBackoff, policy violations add
// PolicyViolationBackoff, and the time already spent since the last connect
// counts against it.
func Backoff(cfg Config, attempt int, penalty bool, sinceLastConnect time.Duration) time.Duration {
	d := time.Duration(float64(cfg.BaseBackoff) * math.Pow(1.3, float64(attempt)))
	if d > cfg.MaxBackoff || d < 0 {
		d = cfg.MaxBackoff
	}
	if penalty {
		d += cfg.PolicyViolationBackoff
	}
	d -= sinceLastConnect
	if d < 0 {
		return 0
	}
	return d
}

// teardown releases everything tied to the ended transport. Pending IQ
// callbacks are drained; the SM queue survives when the session can still
// be resumed.
func (c *Connection) teardown() {
	c.stopBootstrap()
	c.detach()
	if n := c.iqs.Drain(); n > 0 {
		c.log.Debug("drained pending iqs", zap.Int("count", n))
	}
	if id, _ := c.ledger.StreamID(); id == "" {
		c.failPending(c.ledger.Reset())
	} else {
		c.ledger.Suspend()
	}
	account := c.Account().JID.Bare().String()
	c.metrics.Offline(account)
	c.metrics.PendingIQs(account, 0)
}
