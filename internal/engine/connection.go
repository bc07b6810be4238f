// Package engine runs the XMPP client connection of one account: it opens
// the transport, negotiates the stream, authenticates, binds, keeps stream
// management state across reconnects and bootstraps service discovery.
package engine

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/iq"
	"github.com/meszmate/xmppconn/internal/metrics"
	"github.com/meszmate/xmppconn/internal/sm"
	"github.com/meszmate/xmppconn/internal/transport"
	"github.com/meszmate/xmppconn/internal/xmpp/disco"
	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// Options wires the collaborators of a Connection. Every field is optional.
type Options struct {
	Resolver transport.Resolver
	Store    AccountStore
	TLS      transport.TLSConfigurer
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Register RegistrationHandler

	// DialContext replaces the plain TCP dial, mostly for tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Connection is the worker of one account.
type Connection struct {
	cfg      Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	store    AccountStore
	resolver transport.Resolver
	dialer   *transport.Dialer
	register RegistrationHandler

	mu      sync.RWMutex
	account Account
	jid     jid.JID
	status  Status
	conn    *transport.Conn
	reader  *xmlstream.Reader
	writer  *xmlstream.Writer
	bound   bool
	cancel  context.CancelFunc
	closed  bool

	attempt            int
	penalty            bool
	sentBeforeAuth     int
	lastConnect        time.Time
	lastPacketReceived time.Time
	lastPingSent       time.Time
	lastSessionStarted time.Time

	// sendMu makes a write and its ledger bookkeeping one unit.
	sendMu sync.Mutex
	// onlineMu holds stopBootstrap off while the watchdog reports online.
	onlineMu sync.Mutex
	rotate   atomic.Bool

	ledger   *sm.Ledger
	iqs      *iq.Registry
	disco    *disco.Cache
	commands *disco.Commands
	boot     bootstrap

	onStatus              func(Status, error)
	onBound               func(resumed bool)
	onMessage             func(*xmlstream.Element)
	onPresence            func(*xmlstream.Element)
	onIQ                  func(*xmlstream.Element) bool
	onMessageAcknowledged func(*xmlstream.Element)
	onMessageFailed       func(*xmlstream.Element)
}

// New creates the worker for acct. Run starts it.
func New(acct Account, cfg Config, opts Options) *Connection {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("engine").With(zap.String("account", acct.JID.Bare().String()))
	store := opts.Store
	if store == nil {
		store = nopStore{}
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = transport.StaticResolver{}
	}
	if acct.Resource == "" {
		acct.Resource = randomResource(cfg.Software)
	}
	c := &Connection{
		cfg:      cfg,
		log:      log,
		metrics:  opts.Metrics,
		store:    store,
		resolver: resolver,
		register: opts.Register,
		account:  acct,
		ledger:   sm.NewLedger(cfg.SequenceLimit),
		iqs:      iq.NewRegistry(log),
		disco:    disco.NewCache(),
		commands: disco.NewCommands(),
	}
	c.jid = c.accountJID()
	c.dialer = &transport.Dialer{
		Timeout:     cfg.ConnectTimeout,
		TLS:         c.tlsConfigurer(opts.TLS),
		Tor:         acct.Tor,
		TorProxy:    cfg.TorProxy,
		Logger:      log,
		DialContext: opts.DialContext,
	}
	return c
}

func (c *Connection) tlsConfigurer(cfg transport.TLSConfigurer) transport.TLSConfigurer {
	if cfg != nil {
		return cfg
	}
	d := transport.DefaultTLS{}
	if cert := c.account.ClientCertificate; cert != nil {
		d.Certificates = append(d.Certificates, *cert)
	}
	return d
}

func (c *Connection) accountJID() jid.JID {
	j, err := c.account.JID.Bare().WithResource(c.account.Resource)
	if err != nil {
		return c.account.JID.Bare()
	}
	return j
}

// SetStatusHandler sets the handler for status changes. err carries the
// reason of a failed attempt.
func (c *Connection) SetStatusHandler(handler func(Status, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = handler
}

// SetBoundHandler sets the handler called once the account is online.
func (c *Connection) SetBoundHandler(handler func(resumed bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBound = handler
}

// SetMessageHandler sets the handler for incoming messages
func (c *Connection) SetMessageHandler(handler func(*xmlstream.Element)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// SetPresenceHandler sets the handler for incoming presence
func (c *Connection) SetPresenceHandler(handler func(*xmlstream.Element)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPresence = handler
}

// SetIQHandler sets the handler for incoming get and set requests. It
// reports whether it takes care of the reply; unhandled requests are
// answered with service-unavailable.
func (c *Connection) SetIQHandler(handler func(*xmlstream.Element) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIQ = handler
}

// SetMessageAcknowledgedHandler sets the handler for messages the server
// confirmed through stream management.
func (c *Connection) SetMessageAcknowledgedHandler(handler func(*xmlstream.Element)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessageAcknowledged = handler
}

// SetMessageFailedHandler sets the handler for messages that will never be
// acknowledged.
func (c *Connection) SetMessageFailedHandler(handler func(*xmlstream.Element)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessageFailed = handler
}

// JID returns the full JID of the session
func (c *Connection) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// Status returns the current status
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Account returns a copy of the account as the engine currently sees it.
func (c *Connection) Account() Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// Disco returns the service discovery cache
func (c *Connection) Disco() *disco.Cache {
	return c.disco
}

// Commands returns the ad-hoc command directory
func (c *Connection) Commands() *disco.Commands {
	return c.commands
}

// Send writes a message or presence stanza. It is safe for concurrent use.
func (c *Connection) Send(el *xmlstream.Element) error {
	c.mu.RLock()
	bound, closed := c.bound, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !bound {
		return ErrNotConnected
	}
	if el.Is(stanza.NSClient, "message") || el.Is(stanza.NSClient, "iq") {
		if el.AttrValue("id") == "" {
			el.SetAttr("id", stanza.NewID())
		}
	}
	return c.write(el)
}

// SendIQ writes an IQ and registers cb for its response. An id is assigned
// when the IQ has none. cb receives iq.ErrTimeout if the connection goes
// away first.
func (c *Connection) SendIQ(el *xmlstream.Element, cb iq.Callback) (string, error) {
	c.mu.RLock()
	bound, closed := c.bound, c.closed
	c.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}
	if !bound {
		return "", ErrNotConnected
	}
	return c.sendIQ(el, cb)
}

func (c *Connection) sendIQ(el *xmlstream.Element, cb iq.Callback) (string, error) {
	id := c.iqs.Add(el, cb)
	if err := c.write(el); err != nil {
		return id, err
	}
	c.metrics.PendingIQs(c.Account().JID.Bare().String(), c.iqs.Len())
	return id, nil
}

// write sends el and records it in the stream management queue. Messages
// are followed by an ack request.
func (c *Connection) write(el *xmlstream.Element) error {
	c.mu.RLock()
	w := c.writer
	c.mu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := w.WriteElement(el); err != nil {
		return err
	}
	if stanza.Acknowledgeable(el) {
		c.metrics.Sent(el.Name.Local)
		if !c.ledger.Enabled() {
			c.mu.Lock()
			c.sentBeforeAuth++
			c.mu.Unlock()
		}
	}
	seq := c.ledger.Track(el)
	if seq == 0 {
		return nil
	}
	if stanza.IsMessage(el) {
		_ = w.WriteElement(xmlstream.New(stanza.NSSM, "r"))
	}
	if c.ledger.Exhausted() && c.rotate.CompareAndSwap(false, true) {
		c.log.Info("stream management counter exhausted, restarting session", zap.Uint32("sent", seq))
		c.ledger.DropStreamID()
		_ = w.CloseStream()
	}
	return nil
}

// writeNonza writes a stream-level element that is never counted.
func (c *Connection) writeNonza(el *xmlstream.Element) error {
	c.mu.RLock()
	w := c.writer
	c.mu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}
	return w.WriteElement(el)
}

// Stats is a snapshot of the session state.
type Stats struct {
	Status             Status
	JID                string
	Security           transport.Security
	VerifiedHost       string
	StreamID           string
	Sent               uint32
	Received           uint32
	Queued             int
	SentBeforeAuth     int
	Attempt            int
	PendingIQs         int
	DiscoEntries       int
	LastConnect        time.Time
	LastPacketReceived time.Time
	LastPingSent       time.Time
	LastSessionStarted time.Time
}

// Stats returns a snapshot of the session state
func (c *Connection) Stats() Stats {
	c.mu.RLock()
	s := Stats{
		Status:             c.status,
		JID:                c.jid.String(),
		SentBeforeAuth:     c.sentBeforeAuth,
		Attempt:            c.attempt,
		LastConnect:        c.lastConnect,
		LastPacketReceived: c.lastPacketReceived,
		LastPingSent:       c.lastPingSent,
		LastSessionStarted: c.lastSessionStarted,
	}
	if c.conn != nil {
		s.Security = c.conn.Security
		s.VerifiedHost = c.conn.VerifiedHost
	}
	c.mu.RUnlock()
	s.StreamID, _ = c.ledger.StreamID()
	s.Sent = c.ledger.Sent()
	s.Received = c.ledger.H()
	s.Queued = len(c.ledger.Pending())
	s.PendingIQs = c.iqs.Len()
	s.DiscoEntries = c.disco.Len()
	return s
}

// Disconnect stops the worker. Unless force is set the stream is closed
// gracefully first so the server can finish in-flight work.
func (c *Connection) Disconnect(force bool) {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()
	if force && conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Connection) setStatus(s Status, err error) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	handler := c.onStatus
	c.mu.Unlock()
	if !changed && err == nil {
		return
	}
	if err != nil {
		c.log.Warn("status changed", zap.Stringer("status", s), zap.Error(err))
	} else {
		c.log.Info("status changed", zap.Stringer("status", s))
	}
	if handler != nil {
		handler(s, err)
	}
}
