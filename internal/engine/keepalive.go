package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// keepalive pings an idle stream and closes it when the ping goes
// unanswered. It returns when done is closed.
func (c *Connection) keepalive(done <-chan struct{}) {
	interval, timeout := c.cfg.PingInterval, c.cfg.PingTimeout
	if interval <= 0 || timeout <= 0 {
		return
	}
	tick := interval
	if timeout < tick {
		tick = timeout
	}
	ticker := time.NewTicker(tick / 2)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			c.keepaliveTick(now, interval, timeout)
		}
	}
}

func (c *Connection) keepaliveTick(now time.Time, interval, timeout time.Duration) {
	c.mu.RLock()
	received, pinged, conn := c.lastPacketReceived, c.lastPingSent, c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	if pinged.After(received) {
		if now.Sub(pinged) >= timeout {
			c.log.Info("ping timed out, closing connection", zap.Duration("timeout", timeout))
			conn.Close()
		}
		return
	}
	if now.Sub(received) < interval {
		return
	}

	var err error
	if c.ledger.Enabled() {
		err = c.writeNonza(xmlstream.New(stanza.NSSM, "r"))
	} else {
		req, _ := stanza.NewQuery(stanza.IQGet, "", stanza.NSPing, "ping")
		_, err = c.sendIQ(req, nil)
	}
	if err != nil {
		c.log.Debug("failed to send ping", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.lastPingSent = now
	c.mu.Unlock()
}
