package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ALPNProtocol is the protocol id for XMPP client connections over TLS.
const ALPNProtocol = "xmpp-client"

var weakCipherPatterns = []string{"_NULL_", "_EXPORT_", "_anon_", "_RC4_", "_DES_", "_3DES_", "_MD5"}

// allowedCipherSuites is applied to TLS 1.2; TLS 1.3 suites are not configurable.
var allowedCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
}

// CipherSuites returns the allow-list with weak patterns filtered out.
func CipherSuites() []uint16 {
	var out []uint16
	for _, id := range allowedCipherSuites {
		if isWeak(tls.CipherSuiteName(id)) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func isWeak(name string) bool {
	for _, p := range weakCipherPatterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// TLSConfigurer is the one place that knows how to build a TLS session for
// a connection. The engine never touches tls.Config directly.
type TLSConfigurer interface {
	Configure(domain string, ep Endpoint) *tls.Config
}

// DefaultTLS builds pinned, verified client configs.
type DefaultTLS struct {
	// RootCAs overrides the system pool when set.
	RootCAs *x509.CertPool
	// Certificates are offered for SASL EXTERNAL.
	Certificates []tls.Certificate
}

// Configure implements TLSConfigurer
func (d DefaultTLS) Configure(domain string, ep Endpoint) *tls.Config {
	roots := d.RootCAs
	names := []string{domain}
	if ep.Authenticated && ep.Host != "" && !strings.EqualFold(ep.Host, domain) && net.ParseIP(ep.Host) == nil {
		names = append(names, ep.Host)
	}
	return &tls.Config{
		ServerName:   domain,
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: CipherSuites(),
		Certificates: d.Certificates,
		// Chain and hostname are checked by VerifyConnection so that a DNSSEC
		// authenticated target host can be accepted.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyChain(cs, roots, names)
		},
	}
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool, names []string) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no peer certificate", ErrCertificate)
	}
	inter := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		inter.AddCert(c)
	}
	var lastErr error
	for _, name := range names {
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			DNSName:       name,
			Roots:         roots,
			Intermediates: inter,
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrCertificate, lastErr)
}

// Upgrade performs the TLS handshake on conn. A verification failure is
// fatal for the candidate; there is no plaintext fallback.
func Upgrade(ctx context.Context, conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		var certErr *tls.CertificateVerificationError
		if errors.Is(err, ErrCertificate) || errors.As(err, &certErr) {
			return nil, fmt.Errorf("%w: %v", ErrCertificate, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTLSHandshake, err)
	}
	return tc, nil
}
