package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

var (
	ErrServerNotFound    = errors.New("transport: server not found")
	ErrNoRoute           = errors.New("transport: no route to server")
	ErrTorUnavailable    = errors.New("transport: tor proxy unavailable")
	ErrNetworkPermission = errors.New("transport: missing network permission")
	ErrTLSHandshake      = errors.New("transport: tls handshake failed")
	ErrCertificate       = errors.New("transport: certificate verification failed")
)

// Security is the negotiated transport security level
type Security int

const (
	Plaintext Security = iota
	StartTLS
	DirectTLS
)

func (s Security) String() string {
	switch s {
	case StartTLS:
		return "starttls"
	case DirectTLS:
		return "direct-tls"
	default:
		return "plaintext"
	}
}

// Conn is an established transport to one endpoint.
type Conn struct {
	net.Conn
	Endpoint Endpoint
	Security Security
	// VerifiedHost is the name the certificate was checked against.
	VerifiedHost string
}

// TLSState returns the TLS connection state, or nil over plaintext
func (c *Conn) TLSState() *tls.ConnectionState {
	tc, ok := c.Conn.(*tls.Conn)
	if !ok {
		return nil
	}
	cs := tc.ConnectionState()
	return &cs
}

// Secure reports whether the transport is encrypted and verified
func (c *Conn) Secure() bool {
	return c.Security != Plaintext
}

// StartTLS upgrades a plaintext connection in place.
func (c *Conn) StartTLS(ctx context.Context, domain string, cfg TLSConfigurer) error {
	tc, err := Upgrade(ctx, c.Conn, cfg.Configure(domain, c.Endpoint))
	if err != nil {
		return err
	}
	c.Conn = tc
	c.Security = StartTLS
	c.VerifiedHost = verifiedHost(tc, domain, c.Endpoint)
	return nil
}

// Dialer opens the transport for an account.
type Dialer struct {
	Timeout time.Duration
	TLS     TLSConfigurer
	// Tor routes every connection through the SOCKS5 proxy at TorProxy.
	Tor      bool
	TorProxy string
	Logger   *zap.Logger

	// DialContext overrides the plain TCP dial, mostly for tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial tries each endpoint in order until one connects and, when the
// endpoint demands it, completes the direct TLS handshake.
func (d *Dialer) Dial(ctx context.Context, domain string, endpoints []Endpoint) (*Conn, error) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if len(endpoints) == 0 {
		return nil, ErrServerNotFound
	}
	var lastErr error
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := d.dialOne(ctx, domain, ep)
		if err == nil {
			log.Debug("connected", zap.String("addr", ep.Addr()), zap.Stringer("security", conn.Security))
			return conn, nil
		}
		log.Debug("candidate failed", zap.String("addr", ep.Addr()), zap.Error(err))
		// Permission and proxy failures affect every candidate alike.
		if errors.Is(err, ErrNetworkPermission) || errors.Is(err, ErrTorUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	if errors.Is(lastErr, ErrCertificate) || errors.Is(lastErr, ErrTLSHandshake) || errors.Is(lastErr, ErrNoRoute) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %v", ErrServerNotFound, lastErr)
}

func (d *Dialer) dialOne(ctx context.Context, domain string, ep Endpoint) (*Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := d.dialTCP(dctx, ep)
	if err != nil {
		return nil, err
	}
	conn := &Conn{Conn: raw, Endpoint: ep, Security: Plaintext}
	if !ep.DirectTLS {
		return conn, nil
	}
	cfg := d.TLS
	if cfg == nil {
		cfg = DefaultTLS{}
	}
	tc, err := Upgrade(dctx, raw, cfg.Configure(domain, ep))
	if err != nil {
		raw.Close()
		return nil, err
	}
	conn.Conn = tc
	conn.Security = DirectTLS
	conn.VerifiedHost = verifiedHost(tc, domain, ep)
	return conn, nil
}

func (d *Dialer) dialTCP(ctx context.Context, ep Endpoint) (net.Conn, error) {
	if d.Tor {
		addr := d.TorProxy
		if addr == "" {
			addr = "127.0.0.1:9050"
		}
		socks, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTorUnavailable, err)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("%w: proxy dialer lacks context support", ErrTorUnavailable)
		}
		conn, err := cd.DialContext(ctx, "tcp", ep.Addr())
		if err != nil {
			// A refusal here comes from the local proxy; remote refusals are
			// reported as SOCKS replies instead.
			if errors.Is(err, syscall.ECONNREFUSED) {
				return nil, fmt.Errorf("%w: %v", ErrTorUnavailable, err)
			}
			return nil, classify(err)
		}
		return conn, nil
	}
	dial := d.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	conn, err := dial(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, classify(err)
	}
	return conn, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %v", ErrNetworkPermission, err)
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return fmt.Errorf("%w: %v", ErrNoRoute, err)
	default:
		return err
	}
}

func verifiedHost(tc *tls.Conn, domain string, ep Endpoint) string {
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ""
	}
	if certs[0].VerifyHostname(domain) == nil {
		return domain
	}
	return ep.Host
}
