package engine

import (
	"context"
	"crypto/tls"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// Account is the policy and credentials of one account. The engine changes
// only the fields it hands back through the AccountStore hooks.
type Account struct {
	JID      jid.JID
	Password string
	Resource string

	// Server and Port override endpoint resolution when set.
	Server    string
	Port      int
	DirectTLS bool
	Tor       bool

	Register     bool
	QuickStart   bool
	LoggedInOnce bool

	PinnedMechanism string
	PinnedPriority  int
	FastMechanism   string
	FastToken       string
	UserAgentID     string

	ClientCertificate *tls.Certificate
}

// AccountStore persists what the engine learns about an account.
type AccountStore interface {
	PersistAccount(acct Account) error
	PersistFastToken(account jid.JID, mechanism, token string, expiry time.Time) error
	PersistPinnedMechanism(account jid.JID, mechanism string, priority int) error
	PersistResource(account jid.JID, resource string) error
}

type nopStore struct{}

func (nopStore) PersistAccount(Account) error                              { return nil }
func (nopStore) PersistFastToken(jid.JID, string, string, time.Time) error { return nil }
func (nopStore) PersistPinnedMechanism(jid.JID, string, int) error         { return nil }
func (nopStore) PersistResource(jid.JID, string) error                     { return nil }

// Challenge is an in-band registration form the user has to fill in.
type Challenge struct {
	// Form is the jabber:x:data form, possibly carrying a captcha.
	Form         *xmlstream.Element
	Instructions string
	// URL is set when the server redirects registration to a web page.
	URL string
}

// RegistrationHandler returns the submitted form for a challenge.
type RegistrationHandler func(ctx context.Context, c Challenge) (*xmlstream.Element, error)

// DiscoOrder decides whether disco#items is queried before disco#info.
type DiscoOrder int

const (
	// DiscoAuto queries items first only until the account logged in once.
	DiscoAuto DiscoOrder = iota
	DiscoItemsFirst
	DiscoInfoFirst
)

// Config tunes the connection worker.
type Config struct {
	ConnectTimeout         time.Duration
	DiscoveryTimeout       time.Duration
	CloseTimeout           time.Duration
	BaseBackoff            time.Duration
	MaxBackoff             time.Duration
	PolicyViolationBackoff time.Duration
	PingInterval           time.Duration
	PingTimeout            time.Duration
	DiscoOrder             DiscoOrder
	Software               string
	Device                 string
	TorProxy               string
	// SequenceLimit restarts the session before the SM counter overflows.
	SequenceLimit uint32
}

// DefaultConfig returns the default worker configuration
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:         15 * time.Second,
		DiscoveryTimeout:       15 * time.Second,
		CloseTimeout:           2 * time.Second,
		BaseBackoff:            time.Second,
		MaxBackoff:             5 * time.Minute,
		PolicyViolationBackoff: time.Minute,
		PingInterval:           5 * time.Minute,
		PingTimeout:            15 * time.Second,
		DiscoOrder:             DiscoAuto,
		Software:               "xmppconn",
	}
}
