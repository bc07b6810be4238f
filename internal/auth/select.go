package auth

import (
	"crypto/tls"
	"errors"
	"fmt"

	"mellium.im/sasl"
)

var (
	// ErrNoMechanism means no advertised mechanism is usable by the account.
	ErrNoMechanism = errors.New("auth: no usable mechanism")
	// ErrDowngrade means the best usable mechanism ranks below the pinned one.
	ErrDowngrade = errors.New("auth: mechanism downgrade refused")
)

// Credentials holds what the account can authenticate with.
type Credentials struct {
	Username string
	Password string

	// PinnedMechanism and PinnedPriority record the strongest mechanism this
	// account has successfully used before.
	PinnedMechanism string
	PinnedPriority  int

	FastMechanism string
	FastToken     []byte

	// ClientCertificate is set when the TLS handshake presented a client
	// certificate, which makes EXTERNAL usable.
	ClientCertificate bool
}

// Selection is the chosen mechanism.
type Selection struct {
	Name     string
	Priority int
	// Fast is set when the stored fast token is used instead of the password.
	Fast bool
	// SASL2 is set when authentication goes through <authenticate/>.
	SASL2 bool

	mech sasl.Mechanism
}

// Select picks the mechanism to authenticate with. A stored fast token
// matching an inline fast mechanism wins regardless of the pin; otherwise the
// highest ranked usable mechanism is chosen and must not rank below the pin.
func Select(o Offer, c Credentials, cs *tls.ConnectionState, skipFast bool) (Selection, error) {
	if !skipFast && len(c.FastToken) > 0 && o.SASL2 && o.Inline.Fast && contains(o.Inline.FastMechanisms, c.FastMechanism) {
		if ht, ok := parseHashedToken(c.FastMechanism); ok && ht.usable(cs, o.ChannelBindings) {
			return Selection{Name: ht.name, Fast: true, SASL2: true, mech: ht.mechanism()}, nil
		}
	}

	var best *mechanism
	bestName := ""
	for _, name := range o.Offered() {
		m, ok := mechanisms[name]
		if !ok || !eligible(m, name, c, cs) {
			continue
		}
		if best == nil || m.priority > best.priority {
			m := m
			best, bestName = &m, name
		}
	}
	if best == nil {
		return Selection{}, fmt.Errorf("%w: offered %v", ErrNoMechanism, o.Offered())
	}
	if c.PinnedMechanism != "" && best.priority < c.PinnedPriority {
		return Selection{}, fmt.Errorf("%w: %s is weaker than pinned %s", ErrDowngrade, bestName, c.PinnedMechanism)
	}
	return Selection{Name: bestName, Priority: best.priority, SASL2: o.SASL2, mech: best.mech}, nil
}

func eligible(m mechanism, name string, c Credentials, cs *tls.ConnectionState) bool {
	switch {
	case m.external:
		return c.ClientCertificate && cs != nil
	case c.Password == "":
		return false
	case m.plus:
		return cs != nil
	case name == mechanismPlain:
		return cs != nil
	}
	return true
}

// BestFast returns the strongest inline fast mechanism to request a token
// for. Bound variants are only chosen when the server listed its channel
// bindings.
func BestFast(o Offer, cs *tls.ConnectionState) (string, bool) {
	if !o.SASL2 || !o.Inline.Fast {
		return "", false
	}
	best := hashedToken{}
	for _, name := range o.Inline.FastMechanisms {
		ht, ok := parseHashedToken(name)
		if !ok {
			continue
		}
		if ht.binding != "" && len(o.ChannelBindings) == 0 {
			continue
		}
		if !ht.usable(cs, o.ChannelBindings) {
			continue
		}
		if ht.rank > best.rank {
			best = ht
		}
	}
	return best.name, best.name != ""
}
