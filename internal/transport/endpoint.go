package transport

import (
	"context"
	"net"
	"strconv"
)

// DefaultPort is the client-to-server port for STARTTLS.
const DefaultPort = 5222

// Endpoint is one candidate produced by the resolver.
type Endpoint struct {
	Host string
	Port int
	// DirectTLS demands the TLS handshake immediately after connect.
	DirectTLS bool
	// Authenticated is set when the resolver validated the record with
	// DNSSEC; the certificate may then match Host instead of the domain.
	Authenticated bool
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// Resolver turns a domain into a prioritized list of endpoints.
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]Endpoint, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, domain string) ([]Endpoint, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, domain string) ([]Endpoint, error) {
	return f(ctx, domain)
}

// StaticResolver returns a fixed list, or the domain on the default port
// when the list is empty.
type StaticResolver struct {
	Endpoints []Endpoint
}

// Resolve implements Resolver
func (s StaticResolver) Resolve(_ context.Context, domain string) ([]Endpoint, error) {
	if len(s.Endpoints) > 0 {
		return append([]Endpoint(nil), s.Endpoints...), nil
	}
	return []Endpoint{{Host: domain, Port: DefaultPort}}, nil
}
