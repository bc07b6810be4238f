package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/transport"
	"github.com/meszmate/xmppconn/internal/transport/transporttest"
	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

const (
	featuresPlain = `<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms>`
	featuresBind  = `<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/>`
	featuresSM    = `<sm xmlns='urn:xmpp:sm:3'/>`
)

// testServer is a scripted XMPP server on loopback, direct TLS unless
// created with newStartTLSServer. script runs once per accepted connection;
// n counts connections from zero.
type testServer struct {
	t        *testing.T
	ca       *transporttest.Authority
	ln       net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	n        int
	startTLS bool
	script   func(p *peer, n int)
}

func newTestServer(t *testing.T, script func(p *peer, n int)) *testServer {
	t.Helper()
	return listen(t, false, script)
}

// newStartTLSServer accepts plaintext connections; the script upgrades them
// with peer.startTLS.
func newStartTLSServer(t *testing.T, script func(p *peer, n int)) *testServer {
	t.Helper()
	return listen(t, true, script)
}

func listen(t *testing.T, startTLS bool, script func(p *peer, n int)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &testServer{t: t, ca: transporttest.New(t, "example.com"), ln: ln, startTLS: startTLS, script: script}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		n := s.n
		s.n++
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p := &peer{t: s.t, conn: c, tls: s.ca.ServerConfig()}
			defer func() { p.conn.Close() }()
			if !s.startTLS {
				tc := tls.Server(c, p.tls)
				if err := tc.Handshake(); err != nil {
					return
				}
				p.conn = tc
			}
			p.r = xmlstream.NewReader(p.conn)
			s.script(p, n)
		}()
	}
}

// connections returns how many connections were accepted so far
func (s *testServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// account returns an account pointing at the server.
func (s *testServer) account() Account {
	addr := s.ln.Addr().(*net.TCPAddr)
	return Account{
		JID:       jid.MustParse("juliet@example.com"),
		Password:  "secret",
		Resource:  "balcony",
		Server:    addr.IP.String(),
		Port:      addr.Port,
		DirectTLS: !s.startTLS,
	}
}

func (s *testServer) options(store AccountStore) Options {
	return Options{
		Store: store,
		TLS:   transport.DefaultTLS{RootCAs: s.ca.Pool},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CloseTimeout = 100 * time.Millisecond
	cfg.DiscoveryTimeout = 2 * time.Second
	cfg.BaseBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.PolicyViolationBackoff = 0
	return cfg
}

// peer is the server side of one connection. Any read failure ends the
// script goroutine; a protocol mismatch is reported on t first.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *xmlstream.Reader
	tls  *tls.Config

	// received counts client stanzas once stream management is active.
	sm       bool
	received int
}

func (p *peer) exit() {
	runtime.Goexit()
}

func (p *peer) send(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(p.conn, format, args...); err != nil {
		p.exit()
	}
}

func (p *peer) open(features string) {
	p.header()
	p.features(features)
}

// header answers the client's stream header without sending features.
func (p *peer) header() {
	if _, err := p.r.ReadHeader(); err != nil {
		p.exit()
	}
	p.send(`<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='%s' from='example.com' version='1.0'>`, stanza.NewID())
}

func (p *peer) features(features string) {
	p.send(`<stream:features>%s</stream:features>`, features)
}

// startTLS offers only STARTTLS, upgrades the connection and reopens the
// stream with features.
func (p *peer) startTLS(features string) {
	p.open(`<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls>`)
	p.expect(stanza.NSTLS, "starttls")
	p.send(`<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`)
	tc := tls.Server(p.conn, p.tls)
	if err := tc.Handshake(); err != nil {
		p.exit()
	}
	p.conn = tc
	p.r.Reset(tc)
	p.open(features)
}

func (p *peer) restart(features string) {
	p.r.Restart()
	p.open(features)
}

func (p *peer) next() *xmlstream.Element {
	el, err := p.r.Next()
	if errors.Is(err, xmlstream.ErrStreamClosed) {
		p.send(`</stream:stream>`)
		p.exit()
	}
	if err != nil {
		p.exit()
	}
	if p.sm && stanza.Acknowledgeable(el) {
		p.received++
	}
	return el
}

// drain reads until the client goes away.
func (p *peer) drain() {
	for {
		p.next()
	}
}

// expect reads the next element and requires it to be space/local.
func (p *peer) expect(space, local string) *xmlstream.Element {
	el := p.next()
	if !el.Is(space, local) {
		p.t.Errorf("expected <%s xmlns='%s'/>, got %s", local, space, el)
		p.exit()
	}
	return el
}

// login accepts PLAIN and restarts the stream with features.
func (p *peer) login(features string) {
	p.open(featuresPlain)
	p.expect(stanza.NSSASL, "auth")
	p.send(`<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`)
	p.restart(features)
}

// bind answers the resource binding request with the requested resource.
func (p *peer) bind() {
	iq := p.expect(stanza.NSClient, "iq")
	resource := iq.Child(stanza.NSBind, "bind").ChildText(stanza.NSBind, "resource")
	p.send(`<iq type='result' id='%s'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>juliet@example.com/%s</jid></bind></iq>`, iq.AttrValue("id"), resource)
}

// serve answers IQs with empty results and ack requests with the received
// count until the client closes the stream. onElement may take over an
// element by returning true.
func (p *peer) serve(answer bool, onElement func(el *xmlstream.Element) bool) {
	for {
		el := p.next()
		if onElement != nil && onElement(el) {
			continue
		}
		switch {
		case el.Is(stanza.NSSM, "enable"):
			p.sm = true
			p.send(`<enabled xmlns='urn:xmpp:sm:3' id='sm-1' resume='true'/>`)
		case el.Is(stanza.NSSM, "r"):
			p.send(`<a xmlns='urn:xmpp:sm:3' h='%d'/>`, p.received)
		case el.Is(stanza.NSClient, "iq") && answer:
			switch el.AttrValue("type") {
			case stanza.IQGet, stanza.IQSet:
				p.send(`<iq type='result' id='%s'%s/>`, el.AttrValue("id"), fromAttr(el.AttrValue("to")))
			}
		}
	}
}

func fromAttr(to string) string {
	if to == "" {
		return ""
	}
	return fmt.Sprintf(" from='%s'", to)
}

// recordingStore keeps what the engine persisted.
type recordingStore struct {
	mu       sync.Mutex
	accounts []Account
	tokens   []string
	pins     []string
	resource string
}

func (s *recordingStore) PersistAccount(acct Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, acct)
	return nil
}

func (s *recordingStore) PersistFastToken(_ jid.JID, mechanism, token string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, mechanism+"="+token)
	return nil
}

func (s *recordingStore) PersistPinnedMechanism(_ jid.JID, mechanism string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins = append(s.pins, fmt.Sprintf("%s/%d", mechanism, priority))
	return nil
}

func (s *recordingStore) PersistResource(_ jid.JID, resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resource = resource
	return nil
}

// quickStarts returns the QuickStart flag of every persisted account, in order.
func (s *recordingStore) quickStarts() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.QuickStart)
	}
	return out
}

func (s *recordingStore) persistedResource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource
}

func (s *recordingStore) snapshot() (tokens, pins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...), append([]string(nil), s.pins...)
}

// harness runs a connection and collects its callbacks.
type harness struct {
	c      *Connection
	bound  chan bool
	status chan Status
	done   chan error
}

func start(t *testing.T, c *Connection) *harness {
	t.Helper()
	h := &harness{
		c:      c,
		bound:  make(chan bool, 8),
		status: make(chan Status, 64),
		done:   make(chan error, 1),
	}
	c.SetBoundHandler(func(resumed bool) {
		select {
		case h.bound <- resumed:
		default:
		}
	})
	c.SetStatusHandler(func(s Status, _ error) {
		select {
		case h.status <- s:
		default:
		}
	})
	go func() { h.done <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Disconnect(true)
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Errorf("connection did not stop")
		}
	})
	return h
}

func (h *harness) waitBound(t *testing.T) bool {
	t.Helper()
	select {
	case resumed := <-h.bound:
		return resumed
	case err := <-h.done:
		t.Fatalf("expected the account to come online, Run returned %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the account to come online, got status %s", h.c.Status())
	}
	return false
}

func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("expected Run to return, got status %s", h.c.Status())
	}
	return nil
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.c.Disconnect(false)
	if err := h.waitDone(t); err != nil {
		t.Fatalf("expected a clean shutdown, got %v", err)
	}
}

func hasStatus(statuses []Status, s Status) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func drain(ch chan Status) []Status {
	var out []Status
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}
