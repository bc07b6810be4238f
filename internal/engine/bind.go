package engine

import (
	"errors"
	"regexp"
	"strconv"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/iq"
	"github.com/meszmate/xmppconn/internal/sm"
	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

func findURL(s string) string {
	return urlPattern.FindString(s)
}

func resumable(enabled *xmlstream.Element) bool {
	v := enabled.AttrValue("resume")
	return v == "true" || v == "1"
}

func parseH(el *xmlstream.Element) (uint32, bool) {
	v := el.AttrValue("h")
	if v == "" {
		return 0, false
	}
	h, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(h), true
}

func (c *Connection) resumeElement(id string) *xmlstream.Element {
	return xmlstream.New(stanza.NSSM, "resume").
		SetAttr("h", strconv.FormatUint(uint64(c.ledger.H()), 10)).
		SetAttr("previd", id)
}

// resume asks the server to continue the previous session. It reports
// whether the session was resumed; a refused resumption is not an error.
func (c *Connection) resume(id string) (bool, error) {
	if err := c.writeNonza(c.resumeElement(id)); err != nil {
		return false, err
	}
	el, k, err := c.expect(stanza.KindSMResumed, stanza.KindSMFailed)
	if err != nil {
		return false, err
	}
	if k == stanza.KindSMFailed {
		c.applyResumeFailed(el)
		return false, nil
	}
	return c.applyResumed(el)
}

// applyResumed acknowledges what the server received and resends the rest
// in order.
func (c *Connection) applyResumed(el *xmlstream.Element) (bool, error) {
	h, _ := parseH(el)
	acked, resend, err := c.ledger.Resume(h)
	if err != nil {
		c.failPending(c.ledger.Reset())
		return false, fail(StatusStreamError, "invalid resumption: %w", err)
	}
	c.log.Info("session resumed", zap.Uint32("h", h), zap.Int("resend", len(resend)))
	c.acknowledged(acked)
	c.metrics.Resumption(true)
	c.metrics.Resent(len(resend))
	for _, e := range resend {
		if err := c.write(e.Element); err != nil {
			return false, err
		}
	}
	if len(resend) > 0 {
		if err := c.writeNonza(xmlstream.New(stanza.NSSM, "r")); err != nil {
			return false, err
		}
	}
	return true, nil
}

// applyResumeFailed settles the old session. An h on <failed/> still
// acknowledges what the server got.
func (c *Connection) applyResumeFailed(el *xmlstream.Element) {
	c.metrics.Resumption(false)
	if h, ok := parseH(el); ok {
		acked, err := c.ledger.Ack(h)
		if err != nil {
			c.log.Warn("ignoring ack on failed resumption", zap.Error(err))
		}
		c.acknowledged(acked)
	}
	condition := "undefined-condition"
	if len(el.Children) > 0 {
		condition = el.Children[0].Name.Local
	}
	c.log.Info("resumption failed", zap.String("condition", condition))
	c.failPending(c.ledger.Reset())
}

// call sends an IQ during negotiation and processes the stream until its
// response arrives.
func (c *Connection) call(el *xmlstream.Element) (*xmlstream.Element, error) {
	var res *iq.Result
	if _, err := c.sendIQ(el, func(r iq.Result) { res = &r }); err != nil {
		return nil, err
	}
	for res == nil {
		next, err := c.read()
		if err != nil {
			return nil, err
		}
		if err := c.dispatch(next); err != nil {
			return nil, err
		}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if se, ok := res.StanzaError(); ok {
		return res.Response, se
	}
	return res.Response, nil
}

// bind requests the configured resource. A conflict picks a new resource
// and reconnects.
func (c *Connection) bind() error {
	req, b := stanza.NewQuery(stanza.IQSet, "", stanza.NSBind, "bind")
	b.AddChild(xmlstream.New(stanza.NSBind, "resource").SetText(c.Account().Resource))
	resp, err := c.call(req)
	var se stanza.Error
	switch {
	case errors.As(err, &se) && se.Condition == "conflict":
		c.regenerateResource()
		return reconnectNow(errResourceConflict)
	case errors.As(err, &se):
		return &ConnectionError{Status: StatusBindFailure, Err: se}
	case err != nil:
		return err
	}
	raw := resp.Child(stanza.NSBind, "bind").ChildText(stanza.NSBind, "jid")
	j, err := jid.Parse(raw)
	if err != nil {
		return fail(StatusBindFailure, "server bound invalid jid %q: %w", raw, err)
	}
	if !j.Bare().Equal(c.Account().JID.Bare()) {
		c.log.Warn("server bound a different account", zap.String("jid", raw))
	}
	c.setJID(j)
	c.log.Debug("resource bound", zap.String("jid", j.String()))
	return nil
}

// legacySession performs RFC 3921 session establishment when the server
// still requires it.
func (c *Connection) legacySession(features *xmlstream.Element) error {
	s := features.Child(stanza.NSSession, "session")
	if s == nil || s.HasChild(stanza.NSSession, "optional") {
		return nil
	}
	req, _ := stanza.NewQuery(stanza.IQSet, "", stanza.NSSession, "session")
	if _, err := c.call(req); err != nil {
		var se stanza.Error
		if errors.As(err, &se) {
			return &ConnectionError{Status: StatusSessionFailure, Err: se}
		}
		return err
	}
	return nil
}

// acknowledged reports acked messages to the handler.
func (c *Connection) acknowledged(entries []sm.Entry) {
	if len(entries) == 0 {
		return
	}
	c.metrics.Acked(len(entries))
	c.mu.RLock()
	handler := c.onMessageAcknowledged
	c.mu.RUnlock()
	if handler == nil {
		return
	}
	for _, e := range sm.Messages(entries) {
		handler(e.Element)
	}
}

// failPending reports messages that will never be acknowledged.
func (c *Connection) failPending(entries []sm.Entry) {
	msgs := sm.Messages(entries)
	if len(msgs) == 0 {
		return
	}
	c.metrics.MessagesFailed(len(msgs))
	c.mu.RLock()
	handler := c.onMessageFailed
	c.mu.RUnlock()
	if handler == nil {
		return
	}
	for _, e := range msgs {
		handler(e.Element)
	}
}
