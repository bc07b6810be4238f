package engine

import (
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/meszmate/xmppconn/internal/iq"
	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// dispatch routes one element of an established or negotiating stream.
func (c *Connection) dispatch(el *xmlstream.Element) error {
	switch stanza.Classify(el) {
	case stanza.KindIQ:
		c.ledger.Inbound()
		return c.handleIQ(el)
	case stanza.KindMessage:
		c.ledger.Inbound()
		c.mu.RLock()
		handler := c.onMessage
		c.mu.RUnlock()
		if handler != nil {
			handler(el)
		}
	case stanza.KindPresence:
		c.ledger.Inbound()
		c.mu.RLock()
		handler := c.onPresence
		c.mu.RUnlock()
		if handler != nil {
			handler(el)
		}
	case stanza.KindSMAck:
		c.handleAck(el)
	case stanza.KindSMRequest:
		a := xmlstream.New(stanza.NSSM, "a").SetAttr("h", strconv.FormatUint(uint64(c.ledger.H()), 10))
		return c.writeNonza(a)
	case stanza.KindSMEnabled:
		c.ledger.Confirm(el.AttrValue("id"), resumable(el), el.AttrValue("location"))
		c.log.Debug("stream management enabled", zap.Bool("resumable", resumable(el)))
	case stanza.KindSMFailed:
		c.log.Warn("stream management failed")
		c.failPending(c.ledger.Reset())
	default:
		c.log.Debug("ignoring element", zap.String("name", el.Name.Local), zap.String("ns", el.Name.Space))
	}
	return nil
}

func (c *Connection) handleAck(el *xmlstream.Element) {
	h, ok := parseH(el)
	if !ok {
		c.log.Warn("ignoring ack without h")
		return
	}
	acked, err := c.ledger.Ack(h)
	if err != nil {
		c.log.Warn("server acknowledged more than was sent", zap.Uint32("h", h), zap.Uint32("sent", c.ledger.Sent()))
	}
	c.acknowledged(acked)
}

// handleIQ resolves responses and answers requests. Pings are answered by
// the engine; everything nobody handles gets service-unavailable.
func (c *Connection) handleIQ(el *xmlstream.Element) error {
	switch el.AttrValue("type") {
	case stanza.IQResult, stanza.IQError:
		_, err := c.iqs.Resolve(el, c.JID())
		if errors.Is(err, iq.ErrSpoofed) {
			c.metrics.Spoofed()
		}
		c.metrics.PendingIQs(c.Account().JID.Bare().String(), c.iqs.Len())
		return nil
	case stanza.IQGet, stanza.IQSet:
	default:
		return nil
	}

	if el.AttrValue("type") == stanza.IQGet && el.HasChild(stanza.NSPing, "ping") {
		return c.write(stanza.Result(el))
	}
	c.mu.RLock()
	handler := c.onIQ
	c.mu.RUnlock()
	if handler != nil && handler(el) {
		return nil
	}
	return c.write(stanza.ErrorReply(el, "cancel", "service-unavailable"))
}
