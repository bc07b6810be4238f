package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
	"mellium.im/sasl"
)

// Channel binding types as advertised in <sasl-channel-binding/>.
const (
	BindingUnique      = "tls-unique"
	BindingExporter    = "tls-exporter"
	BindingEndpoint    = "tls-server-end-point"
	exporterLabel      = "EXPORTER-Channel-Binding"
	exporterKeyLength  = 32
	mechanismPlain     = "PLAIN"
	mechanismExternal  = "EXTERNAL"
	hashedTokenPrefix  = "HT-"
	initiatorHashLabel = "Initiator"
	responderHashLabel = "Responder"
)

var (
	// ErrServerProof means the server could not prove knowledge of the secret.
	ErrServerProof = errors.New("auth: server failed to verify")
	// ErrChannelBinding means the requested binding is unavailable on this transport.
	ErrChannelBinding = errors.New("auth: channel binding unavailable")
)

type mechanism struct {
	mech     sasl.Mechanism
	priority int
	// plus mechanisms bind to the TLS channel
	plus bool
	// external authenticates with the TLS client certificate
	external bool
}

var external = sasl.Mechanism{
	Name: mechanismExternal,
	Start: func(n *sasl.Negotiator) (bool, []byte, interface{}, error) {
		_, _, identity := n.Credentials()
		return false, identity, nil, nil
	},
	Next: func(*sasl.Negotiator, []byte, interface{}) (bool, []byte, interface{}, error) {
		return false, nil, nil, nil
	},
}

var mechanisms = map[string]mechanism{
	mechanismPlain:       {mech: sasl.Plain, priority: 10},
	"SCRAM-SHA-1":        {mech: sasl.ScramSha1, priority: 20},
	"SCRAM-SHA-256":      {mech: sasl.ScramSha256, priority: 25},
	"SCRAM-SHA-1-PLUS":   {mech: sasl.ScramSha1Plus, priority: 35, plus: true},
	"SCRAM-SHA-256-PLUS": {mech: sasl.ScramSha256Plus, priority: 40, plus: true},
	mechanismExternal:    {mech: external, priority: 50, external: true},
}

// Priority returns the anti-downgrade rank of a mechanism, or -1 if unknown.
func Priority(name string) int {
	if m, ok := mechanisms[name]; ok {
		return m.priority
	}
	if _, ok := parseHashedToken(name); ok {
		return 0
	}
	return -1
}

type hashedToken struct {
	name    string
	hash    func() hash.Hash
	binding string
	rank    int
}

// parseHashedToken recognizes HT-<hash>-<binding> mechanism names.
func parseHashedToken(name string) (hashedToken, bool) {
	if !strings.HasPrefix(name, hashedTokenPrefix) {
		return hashedToken{}, false
	}
	rest := strings.TrimPrefix(name, hashedTokenPrefix)
	i := strings.LastIndexByte(rest, '-')
	if i < 0 {
		return hashedToken{}, false
	}
	ht := hashedToken{name: name}
	switch rest[:i] {
	case "SHA-256":
		ht.hash, ht.rank = sha256.New, 1
	case "SHA3-256":
		ht.hash, ht.rank = sha3.New256, 2
	case "SHA-512":
		ht.hash, ht.rank = sha512.New, 3
	default:
		return hashedToken{}, false
	}
	switch rest[i+1:] {
	case "NONE":
	case "UNIQ":
		ht.binding, ht.rank = BindingUnique, ht.rank+10
	case "ENDP":
		ht.binding, ht.rank = BindingEndpoint, ht.rank+20
	case "EXPR":
		ht.binding, ht.rank = BindingExporter, ht.rank+30
	default:
		return hashedToken{}, false
	}
	return ht, true
}

// usable reports whether the binding can be computed on cs and, when the
// server listed its bindings, whether it is one of them.
func (ht hashedToken) usable(cs *tls.ConnectionState, advertised []string) bool {
	if ht.binding == "" {
		return true
	}
	if cs == nil {
		return false
	}
	if len(advertised) > 0 && !contains(advertised, ht.binding) {
		return false
	}
	_, err := channelBinding(ht.binding, cs)
	return err == nil
}

func (ht hashedToken) mechanism() sasl.Mechanism {
	return sasl.Mechanism{
		Name: ht.name,
		Start: func(n *sasl.Negotiator) (bool, []byte, interface{}, error) {
			user, token, _ := n.Credentials()
			var cb []byte
			if ht.binding != "" {
				var err error
				if cb, err = channelBinding(ht.binding, n.TLSState()); err != nil {
					return false, nil, nil, err
				}
			}
			resp := make([]byte, 0, len(user)+1+64)
			resp = append(resp, user...)
			resp = append(resp, 0)
			resp = append(resp, ht.proof(token, initiatorHashLabel, cb)...)
			return true, resp, ht.proof(token, responderHashLabel, cb), nil
		},
		Next: func(_ *sasl.Negotiator, challenge []byte, data interface{}) (bool, []byte, interface{}, error) {
			want, _ := data.([]byte)
			if len(want) == 0 || !hmac.Equal(want, challenge) {
				return false, nil, nil, ErrServerProof
			}
			return false, nil, nil, nil
		},
	}
}

func (ht hashedToken) proof(token []byte, label string, cb []byte) []byte {
	mac := hmac.New(ht.hash, token)
	mac.Write([]byte(label))
	mac.Write(cb)
	return mac.Sum(nil)
}

// HashedTokenProof computes the initiator or responder proof for a token.
// It is what a server computes to check a FAST login.
func HashedTokenProof(mechanism string, token []byte, responder bool, cs *tls.ConnectionState) ([]byte, error) {
	ht, ok := parseHashedToken(mechanism)
	if !ok {
		return nil, fmt.Errorf("auth: unknown hashed token mechanism %q", mechanism)
	}
	var cb []byte
	if ht.binding != "" {
		var err error
		if cb, err = channelBinding(ht.binding, cs); err != nil {
			return nil, err
		}
	}
	label := initiatorHashLabel
	if responder {
		label = responderHashLabel
	}
	return ht.proof(token, label, cb), nil
}

func channelBinding(typ string, cs *tls.ConnectionState) ([]byte, error) {
	if cs == nil {
		return nil, ErrChannelBinding
	}
	switch typ {
	case BindingUnique:
		if cs.Version >= tls.VersionTLS13 || len(cs.TLSUnique) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrChannelBinding, typ)
		}
		return cs.TLSUnique, nil
	case BindingExporter:
		if cs.Version < tls.VersionTLS13 {
			return nil, fmt.Errorf("%w: %s", ErrChannelBinding, typ)
		}
		return cs.ExportKeyingMaterial(exporterLabel, nil, exporterKeyLength)
	case BindingEndpoint:
		if len(cs.PeerCertificates) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrChannelBinding, typ)
		}
		leaf := cs.PeerCertificates[0]
		switch leaf.SignatureAlgorithm {
		case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
			sum := sha512.Sum384(leaf.Raw)
			return sum[:], nil
		case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
			sum := sha512.Sum512(leaf.Raw)
			return sum[:], nil
		default:
			sum := sha256.Sum256(leaf.Raw)
			return sum[:], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrChannelBinding, typ)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
