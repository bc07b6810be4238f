package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meszmate/xmppconn/internal/transport"
	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// attach binds reader and writer to a freshly dialed transport.
func (c *Connection) attach(conn *transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.reader = xmlstream.NewReader(conn)
	c.writer = xmlstream.NewWriter(conn)
	c.sentBeforeAuth = 0
}

// detach closes the transport and forgets it.
func (c *Connection) detach() {
	c.mu.Lock()
	conn, w := c.conn, c.writer
	c.conn, c.reader, c.writer = nil, nil, nil
	c.bound = false
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if w != nil {
		w.Close()
	}
}

// closeGracefully sends the closing tag and gives the server CloseTimeout to
// answer before the socket is closed.
func (c *Connection) closeGracefully() {
	c.mu.RLock()
	conn, w := c.conn, c.writer
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	if w != nil {
		_ = w.CloseStream()
	}
	timeout := c.cfg.CloseTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	time.AfterFunc(timeout, func() { conn.Close() })
}

// openStream writes a stream header and reads the server's.
func (c *Connection) openStream() error {
	c.mu.RLock()
	r, w, account := c.reader, c.writer, c.jid
	c.mu.RUnlock()
	if err := w.OpenStream(account.Domain().String(), account.Bare().String(), "en"); err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	h, err := r.ReadHeader()
	if err != nil {
		if errors.Is(err, xmlstream.ErrNotStream) {
			return fail(StatusIncompatibleServer, "failed to read stream header: %w", err)
		}
		return fmt.Errorf("failed to read stream header: %w", err)
	}
	c.touch()
	c.log.Debug("stream opened", zap.String("id", h.ID), zap.String("from", h.From), zap.String("version", h.Version))
	if h.Version != "" && !strings.HasPrefix(h.Version, "1.") {
		return fail(StatusIncompatibleServer, "unsupported stream version %q", h.Version)
	}
	return nil
}

// restartStream opens a new stream on the same transport after SASL success.
func (c *Connection) restartStream() error {
	c.mu.RLock()
	r := c.reader
	c.mu.RUnlock()
	r.Restart()
	return c.openStream()
}

// read returns the next top-level element. Stream errors and the closing tag
// end the attempt.
func (c *Connection) read() (*xmlstream.Element, error) {
	c.mu.RLock()
	r := c.reader
	c.mu.RUnlock()
	if r == nil {
		return nil, ErrNotConnected
	}
	el, err := r.Next()
	if err != nil {
		if c.rotate.Load() {
			return nil, reconnectNow(errRotate)
		}
		if errors.Is(err, xmlstream.ErrStreamClosed) {
			return nil, &ConnectionError{Status: StatusOffline, Err: err}
		}
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	c.touch()
	if stanza.Classify(el) == stanza.KindStreamError {
		return nil, c.streamError(el)
	}
	return el, nil
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastPacketReceived = time.Now()
	c.mu.Unlock()
}

// expect reads until an element of one of the given kinds arrives. Stanzas
// and stream management traffic in between are processed normally.
func (c *Connection) expect(kinds ...stanza.Kind) (*xmlstream.Element, stanza.Kind, error) {
	for {
		el, err := c.read()
		if err != nil {
			return nil, stanza.KindUnknown, err
		}
		k := stanza.Classify(el)
		for _, want := range kinds {
			if k == want {
				return el, k, nil
			}
		}
		switch k {
		case stanza.KindIQ, stanza.KindMessage, stanza.KindPresence,
			stanza.KindSMAck, stanza.KindSMRequest, stanza.KindSMEnabled, stanza.KindSMFailed:
			if err := c.dispatch(el); err != nil {
				return nil, k, err
			}
		case stanza.KindUnknown:
			c.log.Debug("ignoring unknown element", zap.String("name", el.Name.Local), zap.String("ns", el.Name.Space))
		default:
			return nil, k, fail(StatusIncompatibleServer, "unexpected <%s/> while waiting for %v", el.Name.Local, kinds)
		}
	}
}

func (c *Connection) readFeatures() (*xmlstream.Element, error) {
	el, _, err := c.expect(stanza.KindFeatures)
	return el, err
}

// streamError maps a <stream:error/> to the outcome of the attempt. Every
// queued message is failed first since the session cannot be resumed.
func (c *Connection) streamError(el *xmlstream.Element) error {
	se := stanza.StreamError(el)
	c.log.Warn("stream error", zap.String("condition", se.Condition), zap.String("text", se.Text))
	c.failPending(c.ledger.Reset())

	switch se.Condition {
	case "conflict":
		c.regenerateResource()
		return reconnectNow(fmt.Errorf("%w: %v", errResourceConflict, se))
	case "host-unknown":
		return &ConnectionError{Status: StatusHostUnknown, Err: se}
	case "policy-violation":
		c.mu.Lock()
		c.penalty = true
		c.mu.Unlock()
		return &ConnectionError{Status: StatusPolicyViolation, Err: se}
	}
	return &ConnectionError{Status: StatusStreamError, Err: se}
}

func (c *Connection) regenerateResource() {
	c.mu.Lock()
	c.account.Resource = randomResource(c.cfg.Software)
	c.jid = c.accountJID()
	bare, resource := c.account.JID.Bare(), c.account.Resource
	c.mu.Unlock()
	c.log.Info("resource conflict, generated new resource", zap.String("resource", resource))
	if err := c.store.PersistResource(bare, resource); err != nil {
		c.log.Warn("failed to persist resource", zap.Error(err))
	}
}

func randomResource(prefix string) string {
	if prefix == "" {
		prefix = "xmppconn"
	}
	return prefix + "." + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// startTLS performs the STARTTLS exchange and reopens the stream over the
// encrypted transport.
func (c *Connection) startTLS(ctx context.Context) error {
	if err := c.writeNonza(xmlstream.New(stanza.NSTLS, "starttls")); err != nil {
		return err
	}
	_, k, err := c.expect(stanza.KindProceed, stanza.KindTLSFailure)
	if err != nil {
		return err
	}
	if k == stanza.KindTLSFailure {
		return fail(StatusTLSError, "server refused starttls")
	}

	c.mu.RLock()
	conn, r, w, domain := c.conn, c.reader, c.writer, c.jid.Domain().String()
	c.mu.RUnlock()
	if err := w.Flush(ctx); err != nil {
		return err
	}
	if err := conn.StartTLS(ctx, domain, c.dialer.TLS); err != nil {
		return err
	}
	r.Reset(conn)
	w.Reset(conn)
	c.log.Debug("tls established", zap.String("verified_host", conn.VerifiedHost))
	return c.openStream()
}
