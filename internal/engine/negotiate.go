package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/auth"
	"github.com/meszmate/xmppconn/internal/transport"
	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// session runs one connection attempt from dialing until the stream ends.
func (c *Connection) session(ctx context.Context) (err error) {
	c.mu.Lock()
	c.lastConnect = time.Now()
	domain := c.account.JID.Domain().String()
	c.mu.Unlock()
	c.rotate.Store(false)
	c.setStatus(StatusConnecting, nil)

	endpoints, err := c.endpoints(ctx, domain)
	if err != nil {
		return err
	}
	conn, err := c.dialer.Dial(ctx, domain, endpoints)
	if err != nil {
		return err
	}
	c.attach(conn)

	var keepalive sync.WaitGroup
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, c.closeGracefully)
	defer func() {
		stop()
		close(done)
		keepalive.Wait()
		c.teardown()
	}()

	if err := c.openStream(); err != nil {
		return err
	}
	quick := c.quickStart(conn)
	features, err := c.readFeatures()
	if err != nil {
		return err
	}
	if !conn.Secure() {
		if !features.HasChild(stanza.NSTLS, "starttls") {
			return fail(StatusIncompatibleServer, "server does not offer starttls")
		}
		if err := c.startTLS(ctx); err != nil {
			return err
		}
		if features, err = c.readFeatures(); err != nil {
			return err
		}
	}

	if c.Account().Register {
		return c.registerAccount(ctx, features)
	}
	resumed, err := c.login(ctx, features, quick)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.bound = true
	c.lastSessionStarted = time.Now()
	c.mu.Unlock()
	keepalive.Add(1)
	go func() {
		defer keepalive.Done()
		c.keepalive(done)
	}()
	if resumed {
		c.online(true)
	} else {
		c.startBootstrap()
	}
	return c.loop()
}

// endpoints applies the account's host override before asking the resolver.
func (c *Connection) endpoints(ctx context.Context, domain string) ([]transport.Endpoint, error) {
	acct := c.Account()
	if acct.Server != "" {
		port := acct.Port
		if port == 0 {
			port = transport.DefaultPort
		}
		return []transport.Endpoint{{Host: acct.Server, Port: port, DirectTLS: acct.DirectTLS}}, nil
	}
	eps, err := c.resolver.Resolve(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrServerNotFound, err)
	}
	return eps, nil
}

// loop processes the established stream until it ends.
func (c *Connection) loop() error {
	for {
		el, err := c.read()
		if err != nil {
			return err
		}
		if err := c.dispatch(el); err != nil {
			return err
		}
	}
}

// login authenticates and establishes the session, resuming the previous
// one when possible. It reports whether the session was resumed.
func (c *Connection) login(ctx context.Context, features *xmlstream.Element, quick *auth.Session) (bool, error) {
	offer := auth.ParseOffer(features)
	if quick != nil && !quickStartMatches(offer, quick.Selection()) {
		c.log.Info("quick start not supported anymore, reconnecting with full negotiation")
		c.mu.Lock()
		c.account.QuickStart = false
		acct := c.account
		c.mu.Unlock()
		if err := c.store.PersistAccount(acct); err != nil {
			c.log.Warn("failed to persist account", zap.Error(err))
		}
		return false, reconnectNow(errQuickStartUnsupported)
	}
	if !offer.Available() {
		return false, fail(StatusIncompatibleServer, "server offers no authentication")
	}

	res, err := c.authenticate(offer, quick)
	if err != nil {
		return false, err
	}

	bound := false
	if res.sel.SASL2 {
		resumed, inlineBound, err := c.applySASL2(res)
		if err != nil || resumed {
			return resumed, err
		}
		bound = inlineBound
		if !bound {
			if features, err = c.readFeatures(); err != nil {
				return false, err
			}
		}
	} else {
		if err := c.restartStream(); err != nil {
			return false, err
		}
		if features, err = c.readFeatures(); err != nil {
			return false, err
		}
	}
	if bound {
		return false, nil
	}

	smOffered := features.HasChild(stanza.NSSM, "sm")
	if id, _ := c.ledger.StreamID(); id != "" && smOffered {
		ok, err := c.resume(id)
		if err != nil || ok {
			return ok, err
		}
	}
	c.failPending(c.ledger.Reset())
	if !features.HasChild(stanza.NSBind, "bind") {
		return false, fail(StatusIncompatibleServer, "server does not offer resource binding")
	}
	if err := c.bind(); err != nil {
		return false, err
	}
	if err := c.legacySession(features); err != nil {
		return false, err
	}
	if smOffered {
		c.ledger.Enable("", false, "")
		if err := c.writeNonza(xmlstream.New(stanza.NSSM, "enable").SetAttr("resume", "true")); err != nil {
			return false, err
		}
	}
	return false, nil
}

// quickStart speculatively sends the SASL2 request when the account recorded
// that the server supports the inline path and the transport is already
// encrypted.
func (c *Connection) quickStart(conn *transport.Conn) *auth.Session {
	acct := c.Account()
	if !acct.QuickStart || conn.Security != transport.DirectTLS {
		return nil
	}
	offer := auth.Offer{
		SASL2: true,
		Inline: auth.Inline{
			Bind2:         true,
			Bind2Features: []string{stanza.NSSM},
			SM:            true,
		},
	}
	if acct.PinnedMechanism != "" {
		offer.SASL2Mechanisms = []string{acct.PinnedMechanism}
	}
	if acct.FastToken != "" && acct.FastMechanism != "" {
		offer.Inline.Fast = true
		offer.Inline.FastMechanisms = []string{acct.FastMechanism}
	}
	s, err := c.beginAuth(offer, false)
	if err != nil {
		c.log.Debug("quick start unavailable", zap.Error(err))
		return nil
	}
	c.log.Debug("quick start", zap.String("mechanism", s.Selection().Name))
	return s
}

func quickStartMatches(o auth.Offer, sel auth.Selection) bool {
	if !o.SASL2 {
		return false
	}
	if sel.Fast {
		return o.Inline.Fast && contains(o.Inline.FastMechanisms, sel.Name)
	}
	return contains(o.SASL2Mechanisms, sel.Name)
}

type authResult struct {
	sel     auth.Selection
	offer   auth.Offer
	success auth.Success
}

// authenticate runs SASL to completion. A rejected fast token is cleared and
// the exchange is retried once with the password on the same stream.
func (c *Connection) authenticate(offer auth.Offer, s *auth.Session) (authResult, error) {
	var err error
	if s == nil {
		if s, err = c.beginAuth(offer, false); err != nil {
			return authResult{}, c.authError(err)
		}
	}
	success, err := c.finishAuth(s)
	var f auth.Failure
	if errors.As(err, &f) && s.Selection().Fast {
		c.log.Info("fast token rejected, retrying with password", zap.String("condition", f.Condition))
		c.clearFastToken()
		if s, err = c.beginAuth(offer, true); err != nil {
			return authResult{}, c.authError(err)
		}
		success, err = c.finishAuth(s)
	}
	if err != nil {
		return authResult{}, c.authError(err)
	}
	res := authResult{sel: s.Selection(), offer: offer, success: success}
	c.authenticated(res)
	return res, nil
}

func (c *Connection) credentials() auth.Credentials {
	acct := c.Account()
	pinned := acct.PinnedPriority
	if acct.PinnedMechanism != "" && pinned <= 0 {
		pinned = auth.Priority(acct.PinnedMechanism)
	}
	return auth.Credentials{
		Username:          acct.JID.Localpart(),
		Password:          acct.Password,
		PinnedMechanism:   acct.PinnedMechanism,
		PinnedPriority:    pinned,
		FastMechanism:     acct.FastMechanism,
		FastToken:         []byte(acct.FastToken),
		ClientCertificate: acct.ClientCertificate != nil,
	}
}

// beginAuth selects a mechanism and sends the initial request.
func (c *Connection) beginAuth(offer auth.Offer, skipFast bool) (*auth.Session, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	cs := conn.TLSState()
	creds := c.credentials()
	sel, err := auth.Select(offer, creds, cs, skipFast)
	if err != nil {
		if errors.Is(err, auth.ErrDowngrade) {
			c.log.Warn("refusing mechanism downgrade", zap.Error(err))
		}
		return nil, err
	}
	s := auth.NewSession(sel, offer, creds, cs)
	initial, err := s.Initial()
	if err != nil {
		return nil, err
	}
	if initial == nil {
		initial = []byte{}
	}
	c.log.Debug("authenticating", zap.String("mechanism", sel.Name), zap.Bool("sasl2", sel.SASL2), zap.Bool("fast", sel.Fast))
	if !sel.SASL2 {
		return s, c.writeNonza(auth.LegacyAuth(sel.Name, initial))
	}

	req := auth.Request{
		Mechanism: sel.Name,
		Initial:   initial,
		UserAgent: c.userAgent(),
		Fast:      sel.Fast,
	}
	if offer.Inline.Bind2 {
		req.Bind = &auth.Bind{
			Tag:           c.cfg.Software,
			EnableSM:      offer.Bind2Supports(stanza.NSSM),
			EnableCarbons: offer.Bind2Supports(stanza.NSCarbons),
		}
	}
	if id, _ := c.ledger.StreamID(); id != "" && offer.Inline.SM {
		req.Extra = append(req.Extra, c.resumeElement(id))
	}
	if !sel.Fast {
		if name, ok := auth.BestFast(offer, cs); ok {
			req.RequestToken = name
		}
	}
	return s, c.writeNonza(auth.Authenticate(req))
}

// finishAuth runs the challenge loop until success or failure.
func (c *Connection) finishAuth(s *auth.Session) (auth.Success, error) {
	space := stanza.NSSASL
	if s.Selection().SASL2 {
		space = stanza.NSSASL2
	}
	for {
		el, k, err := c.expect(
			stanza.KindSASLChallenge, stanza.KindSASLSuccess, stanza.KindSASLFailure,
			stanza.KindSASL2Challenge, stanza.KindSASL2Success, stanza.KindSASL2Failure, stanza.KindSASL2Continue,
		)
		if err != nil {
			return auth.Success{}, err
		}
		switch k {
		case stanza.KindSASLChallenge, stanza.KindSASL2Challenge:
			data, err := auth.DecodeData(el)
			if err != nil {
				return auth.Success{}, fail(StatusIncompatibleServer, "failed to decode challenge: %w", err)
			}
			resp, err := s.Challenge(data)
			if err != nil {
				return auth.Success{}, err
			}
			if err := c.writeNonza(auth.Response(space, resp)); err != nil {
				return auth.Success{}, err
			}
		case stanza.KindSASLSuccess, stanza.KindSASL2Success:
			success, err := auth.ParseSuccess(el)
			if err != nil {
				return auth.Success{}, fail(StatusIncompatibleServer, "failed to decode success: %w", err)
			}
			if err := s.Finish(success.AdditionalData); err != nil {
				return auth.Success{}, err
			}
			return success, nil
		case stanza.KindSASLFailure, stanza.KindSASL2Failure:
			return auth.Success{}, auth.ParseFailure(el)
		default:
			return auth.Success{}, auth.ErrUnsupportedContinue
		}
	}
}

// authError turns a SASL failure into its connection status.
func (c *Connection) authError(err error) error {
	var f auth.Failure
	if !errors.As(err, &f) {
		return err
	}
	switch f.Condition {
	case "temporary-auth-failure":
		return &ConnectionError{Status: StatusTemporaryAuthFailure, Err: f}
	case "account-disabled":
		if url := findURL(f.Text); url != "" {
			return &ConnectionError{Status: StatusPaymentRequired, Err: f, URL: url}
		}
		return &ConnectionError{Status: StatusAccountDisabled, Err: f}
	case "encryption-required":
		return &ConnectionError{Status: StatusIncompatibleServer, Err: f}
	}
	return &ConnectionError{Status: StatusUnauthorized, Err: f}
}

// authenticated records the pin, a new fast token and the quick start flag
// once a round completed successfully.
func (c *Connection) authenticated(res authResult) {
	sel := res.sel
	c.metrics.Authenticated(sel.Name, sel.Fast)

	c.mu.Lock()
	bare := c.account.JID.Bare()
	pin := !sel.Fast && (c.account.PinnedMechanism == "" || sel.Priority > c.account.PinnedPriority)
	if pin {
		c.account.PinnedMechanism = sel.Name
		c.account.PinnedPriority = sel.Priority
	}
	var token *auth.Token
	tokenMech := ""
	if t := res.success.Token; t != nil {
		token = t
		tokenMech = sel.Name
		if !sel.Fast {
			tokenMech, _ = auth.BestFast(res.offer, c.conn.TLSState())
		}
		c.account.FastMechanism = tokenMech
		c.account.FastToken = t.Value
	}
	quick := sel.SASL2 && res.offer.Inline.Bind2 && c.conn.Security == transport.DirectTLS
	quickChanged := c.account.QuickStart != quick
	c.account.QuickStart = quick
	acct := c.account
	c.mu.Unlock()

	if pin {
		if err := c.store.PersistPinnedMechanism(bare, sel.Name, sel.Priority); err != nil {
			c.log.Warn("failed to persist pinned mechanism", zap.Error(err))
		}
	}
	if token != nil && tokenMech != "" {
		if err := c.store.PersistFastToken(bare, tokenMech, token.Value, token.Expiry); err != nil {
			c.log.Warn("failed to persist fast token", zap.Error(err))
		}
	}
	if quickChanged {
		if err := c.store.PersistAccount(acct); err != nil {
			c.log.Warn("failed to persist account", zap.Error(err))
		}
	}
}

func (c *Connection) clearFastToken() {
	c.mu.Lock()
	bare := c.account.JID.Bare()
	c.account.FastToken = ""
	c.account.FastMechanism = ""
	c.mu.Unlock()
	if err := c.store.PersistFastToken(bare, "", "", time.Time{}); err != nil {
		c.log.Warn("failed to clear fast token", zap.Error(err))
	}
}

func (c *Connection) userAgent() auth.UserAgent {
	c.mu.Lock()
	created := false
	if c.account.UserAgentID == "" {
		c.account.UserAgentID = stanza.NewID()
		created = true
	}
	acct := c.account
	c.mu.Unlock()
	if created {
		if err := c.store.PersistAccount(acct); err != nil {
			c.log.Warn("failed to persist account", zap.Error(err))
		}
	}
	return auth.UserAgent{ID: acct.UserAgentID, Software: c.cfg.Software, Device: c.cfg.Device}
}

// applySASL2 applies what a SASL2 success carried inline: the authorized
// JID, a resumption outcome and the Bind2 result.
func (c *Connection) applySASL2(res authResult) (resumed, bound bool, err error) {
	s := res.success
	if s.AuthorizationID != "" {
		j, err := jid.Parse(s.AuthorizationID)
		if err != nil {
			return false, false, fail(StatusIncompatibleServer, "invalid authorization identifier: %w", err)
		}
		c.setJID(j)
	}
	if s.Resumed != nil {
		ok, err := c.applyResumed(s.Resumed)
		return ok, false, err
	}
	if s.ResumeFailed != nil {
		c.applyResumeFailed(s.ResumeFailed)
	}
	if s.Bound == nil {
		return false, false, nil
	}
	c.failPending(c.ledger.Reset())
	if enabled := s.Bound.Child(stanza.NSSM, "enabled"); enabled != nil {
		c.ledger.Enable(enabled.AttrValue("id"), resumable(enabled), enabled.AttrValue("location"))
	}
	if res.offer.Bind2Supports(stanza.NSCarbons) {
		c.mu.Lock()
		c.boot.carbonsInline = true
		c.mu.Unlock()
	}
	return false, true, nil
}

func (c *Connection) setJID(j jid.JID) {
	c.mu.Lock()
	changed := j.Resourcepart() != "" && j.Resourcepart() != c.account.Resource
	c.jid = j
	if changed {
		c.account.Resource = j.Resourcepart()
	}
	bare := c.account.JID.Bare()
	c.mu.Unlock()
	if changed {
		if err := c.store.PersistResource(bare, j.Resourcepart()); err != nil {
			c.log.Warn("failed to persist resource", zap.Error(err))
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
