package engine

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/meszmate/xmppconn/internal/auth"
	"github.com/meszmate/xmppconn/internal/iq"
	"github.com/meszmate/xmppconn/internal/transport"
	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoginPlainOverDirectTLS(t *testing.T) {
	srv := newTestServer(t, func(p *peer, _ int) {
		p.open(featuresPlain)
		a := p.expect(stanza.NSSASL, "auth")
		if a.AttrValue("mechanism") != "PLAIN" {
			p.t.Errorf("expected PLAIN, got %q", a.AttrValue("mechanism"))
		}
		initial, _ := base64.StdEncoding.DecodeString(a.Text)
		if string(initial) != "\x00juliet\x00secret" {
			p.t.Errorf("expected PLAIN credentials, got %q", initial)
		}
		p.send(`<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`)
		p.restart(featuresBind)
		p.bind()
		p.serve(true, nil)
	})
	store := &recordingStore{}
	c := New(srv.account(), testConfig(), srv.options(store))
	h := start(t, c)

	if resumed := h.waitBound(t); resumed {
		t.Fatalf("expected a fresh session")
	}
	if got := c.JID().String(); got != "juliet@example.com/balcony" {
		t.Fatalf("expected bound jid juliet@example.com/balcony, got %s", got)
	}
	stats := c.Stats()
	if stats.Status != StatusOnline || stats.Security != transport.DirectTLS {
		t.Fatalf("expected online over direct TLS, got %s over %s", stats.Status, stats.Security)
	}
	if stats.VerifiedHost != "example.com" {
		t.Fatalf("expected verified host example.com, got %q", stats.VerifiedHost)
	}
	if _, pins := store.snapshot(); len(pins) != 1 || pins[0] != "PLAIN/10" {
		t.Fatalf("expected PLAIN pinned, got %v", pins)
	}
	if !c.Account().LoggedInOnce {
		t.Fatalf("expected the account to be marked as logged in once")
	}

	h.stop(t)
	statuses := drain(h.status)
	if !hasStatus(statuses, StatusConnecting) || !hasStatus(statuses, StatusOnline) {
		t.Fatalf("expected connecting and online, got %v", statuses)
	}
	if c.Status() != StatusOffline {
		t.Fatalf("expected offline after disconnect, got %s", c.Status())
	}
	if err := c.Send(stanza.NewMessage("chat", "romeo@example.net", "hi")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after disconnect, got %v", err)
	}
}

const sasl2Features = `<authentication xmlns='urn:xmpp:sasl:2'>` +
	`<mechanism>PLAIN</mechanism>` +
	`<inline><fast xmlns='urn:xmpp:fast:0'><mechanism>HT-SHA-256-NONE</mechanism></fast>` +
	`<bind xmlns='urn:xmpp:bind:0'/></inline></authentication>`

func TestRejectedFastTokenFallsBackToPassword(t *testing.T) {
	srv := newTestServer(t, func(p *peer, _ int) {
		p.open(sasl2Features)

		a := p.expect(stanza.NSSASL2, "authenticate")
		if a.AttrValue("mechanism") != "HT-SHA-256-NONE" || !a.HasChild(stanza.NSFast, "fast") {
			p.t.Errorf("expected a fast login first, got %s", a)
		}
		proof, _ := auth.HashedTokenProof("HT-SHA-256-NONE", []byte("stale"), false, nil)
		want := append([]byte("juliet\x00"), proof...)
		got, _ := base64.StdEncoding.DecodeString(a.ChildText(stanza.NSSASL2, "initial-response"))
		if string(got) != string(want) {
			p.t.Errorf("expected the initiator proof of the stored token")
		}
		p.send(`<failure xmlns='urn:xmpp:sasl:2'><not-authorized xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/></failure>`)

		a = p.expect(stanza.NSSASL2, "authenticate")
		if a.AttrValue("mechanism") != "PLAIN" {
			p.t.Errorf("expected PLAIN after the rejected token, got %s", a)
		}
		if m := a.Child(stanza.NSFast, "request-token").AttrValue("mechanism"); m != "HT-SHA-256-NONE" {
			p.t.Errorf("expected a new token request, got %q", m)
		}
		if a.Child(stanza.NSBind2, "bind") == nil {
			p.t.Errorf("expected an inline bind request")
		}
		p.send(`<success xmlns='urn:xmpp:sasl:2'>` +
			`<authorization-identifier>juliet@example.com/inline</authorization-identifier>` +
			`<bound xmlns='urn:xmpp:bind:0'/>` +
			`<token xmlns='urn:xmpp:fast:0' token='fresh' expiry='2030-01-01T00:00:00Z'/>` +
			`</success>`)
		p.serve(true, nil)
	})
	acct := srv.account()
	acct.FastMechanism = "HT-SHA-256-NONE"
	acct.FastToken = "stale"
	store := &recordingStore{}
	c := New(acct, testConfig(), srv.options(store))
	h := start(t, c)

	h.waitBound(t)
	if got := c.JID().String(); got != "juliet@example.com/inline" {
		t.Fatalf("expected the authorization identifier as jid, got %s", got)
	}
	tokens, pins := store.snapshot()
	if fmt.Sprint(tokens) != "[= HT-SHA-256-NONE=fresh]" {
		t.Fatalf("expected the stale token cleared and the new one stored, got %v", tokens)
	}
	if fmt.Sprint(pins) != "[PLAIN/10]" {
		t.Fatalf("expected PLAIN pinned, got %v", pins)
	}
	got := c.Account()
	if got.FastToken != "fresh" || !got.QuickStart || got.UserAgentID == "" {
		t.Fatalf("expected new token, quick start and a user agent id, got %+v", got)
	}
	h.stop(t)
}

// A fast login is not subject to the pin.
func TestFastLoginBypassesPinAndChecksServerProof(t *testing.T) {
	srv := newTestServer(t, func(p *peer, _ int) {
		p.open(sasl2Features)
		a := p.expect(stanza.NSSASL2, "authenticate")
		if a.AttrValue("mechanism") != "HT-SHA-256-NONE" {
			p.t.Errorf("expected the fast mechanism, got %s", a)
		}
		proof, _ := auth.HashedTokenProof("HT-SHA-256-NONE", []byte("token"), true, nil)
		p.send(`<success xmlns='urn:xmpp:sasl:2'><additional-data>%s</additional-data>`+
			`<authorization-identifier>juliet@example.com/fast</authorization-identifier>`+
			`<bound xmlns='urn:xmpp:bind:0'/></success>`, base64.StdEncoding.EncodeToString(proof))
		p.serve(true, nil)
	})
	acct := srv.account()
	acct.PinnedMechanism = "SCRAM-SHA-256"
	acct.PinnedPriority = 25
	acct.FastMechanism = "HT-SHA-256-NONE"
	acct.FastToken = "token"
	store := &recordingStore{}
	c := New(acct, testConfig(), srv.options(store))
	h := start(t, c)

	h.waitBound(t)
	if _, pins := store.snapshot(); len(pins) != 0 {
		t.Fatalf("expected the pin untouched by a fast login, got %v", pins)
	}
	if got := c.Account().PinnedMechanism; got != "SCRAM-SHA-256" {
		t.Fatalf("expected SCRAM-SHA-256 to stay pinned, got %s", got)
	}
	h.stop(t)
}

// A pin loaded without its priority is ranked by its mechanism.
func TestDowngradeIsTerminal(t *testing.T) {
	for _, priority := range []int{25, 0} {
		t.Run(fmt.Sprintf("priority %d", priority), func(t *testing.T) {
			srv := newTestServer(t, func(p *peer, _ int) {
				p.open(featuresPlain)
				el := p.next()
				p.t.Errorf("expected no authentication attempt, got %s", el)
			})
			acct := srv.account()
			acct.PinnedMechanism = "SCRAM-SHA-256"
			acct.PinnedPriority = priority
			c := New(acct, testConfig(), srv.options(nil))
			h := start(t, c)

			err := h.waitDone(t)
			if StatusOf(err) != StatusDowngradeAttack {
				t.Fatalf("expected downgrade-attack, got %v", err)
			}
			if c.Status() != StatusDowngradeAttack {
				t.Fatalf("expected status downgrade-attack, got %s", c.Status())
			}
		})
	}
}

func TestAuthFailureStopsWorker(t *testing.T) {
	srv := newTestServer(t, func(p *peer, _ int) {
		p.open(featuresPlain)
		p.expect(stanza.NSSASL, "auth")
		p.send(`<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>`)
		p.next()
	})
	c := New(srv.account(), testConfig(), srv.options(nil))
	h := start(t, c)

	err := h.waitDone(t)
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Status != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestDiscoveryWatchdogAndIQDrain(t *testing.T) {
	srv := newTestServer(t, func(p *peer, _ int) {
		p.login(featuresBind)
		p.bind()
		p.serve(false, nil)
	})
	cfg := testConfig()
	cfg.DiscoveryTimeout = 150 * time.Millisecond
	c := New(srv.account(), cfg, srv.options(nil))
	h := start(t, c)

	began := time.Now()
	h.waitBound(t)
	if time.Since(began) < cfg.DiscoveryTimeout {
		t.Fatalf("expected online only after the discovery timeout")
	}

	results := make(chan iq.Result, 1)
	req, _ := stanza.NewQuery(stanza.IQGet, "example.com", stanza.NSPing, "ping")
	if _, err := c.SendIQ(req, func(r iq.Result) { results <- r }); err != nil {
		t.Fatalf("SendIQ returned error: %v", err)
	}
	h.stop(t)
	select {
	case r := <-results:
		if !errors.Is(r.Err, iq.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", r.Err)
		}
	default:
		t.Fatalf("expected the pending callback to be drained on disconnect")
	}
}

func TestResumeResendsUnackedMessage(t *testing.T) {
	resent := make(chan string, 1)
	handled := make(chan int, 1)
	srv := newTestServer(t, func(p *peer, n int) {
		switch n {
		case 0:
			p.login(featuresBind + featuresSM)
			p.bind()
			p.serve(true, func(el *xmlstream.Element) bool {
				if !stanza.IsMessage(el) {
					return false
				}
				// Acknowledge everything but the message and drop the link.
				p.expect(stanza.NSSM, "r")
				h := p.received - 1
				p.send(`<a xmlns='urn:xmpp:sm:3' h='%d'/>`, h)
				handled <- h
				p.conn.Close()
				p.exit()
				return true
			})
		default:
			p.login(featuresBind + featuresSM)
			r := p.expect(stanza.NSSM, "resume")
			if r.AttrValue("previd") != "sm-1" {
				p.t.Errorf("expected previd sm-1, got %s", r)
			}
			h := <-handled
			p.sm = true
			p.received = h
			p.send(`<resumed xmlns='urn:xmpp:sm:3' previd='sm-1' h='%d'/>`, h)
			p.serve(true, func(el *xmlstream.Element) bool {
				if stanza.IsMessage(el) {
					resent <- el.ChildText(stanza.NSClient, "body")
				}
				return false
			})
		}
	})
	c := New(srv.account(), testConfig(), srv.options(nil))
	acked := make(chan string, 1)
	failed := make(chan string, 1)
	c.SetMessageAcknowledgedHandler(func(el *xmlstream.Element) {
		acked <- el.ChildText(stanza.NSClient, "body")
	})
	c.SetMessageFailedHandler(func(el *xmlstream.Element) {
		failed <- el.ChildText(stanza.NSClient, "body")
	})
	h := start(t, c)

	if resumed := h.waitBound(t); resumed {
		t.Fatalf("expected a fresh first session")
	}
	if err := c.Send(stanza.NewMessage("chat", "romeo@example.net", "wherefore")); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if resumed := h.waitBound(t); !resumed {
		t.Fatalf("expected the second session to be resumed")
	}

	select {
	case body := <-resent:
		if body != "wherefore" {
			t.Fatalf("expected the unacked message resent, got %q", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the unacked message to be resent")
	}
	select {
	case body := <-acked:
		if body != "wherefore" {
			t.Fatalf("expected the resent message acknowledged, got %q", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the resent message to be acknowledged")
	}
	select {
	case body := <-failed:
		t.Fatalf("expected no failed message, got %q", body)
	default:
	}
	h.stop(t)
}

func TestRegistrationThenLogin(t *testing.T) {
	srv := newTestServer(t, func(p *peer, n int) {
		if n > 0 {
			p.login(featuresBind)
			p.bind()
			p.serve(true, nil)
			return
		}
		p.open(featuresPlain + `<register xmlns='http://jabber.org/features/iq-register'/>`)
		get := p.expect(stanza.NSClient, "iq")
		p.send(`<iq type='result' id='%s' from='example.com'><query xmlns='jabber:iq:register'>`+
			`<instructions>Choose a username and password.</instructions><username/><password/></query></iq>`, get.AttrValue("id"))
		set := p.expect(stanza.NSClient, "iq")
		q := set.Child(stanza.NSRegister, "query")
		if q.ChildText(stanza.NSRegister, "username") != "juliet" || q.ChildText(stanza.NSRegister, "password") != "secret" {
			p.t.Errorf("expected the account credentials submitted, got %s", set)
		}
		p.send(`<iq type='result' id='%s' from='example.com'/>`, set.AttrValue("id"))
		p.next()
	})
	acct := srv.account()
	acct.Register = true
	store := &recordingStore{}
	c := New(acct, testConfig(), srv.options(store))
	h := start(t, c)

	h.waitBound(t)
	if c.Account().Register {
		t.Fatalf("expected the register flag cleared")
	}
	if !hasStatus(drain(h.status), StatusRegistrationSuccessful) {
		t.Fatalf("expected registration-successful to be reported")
	}
	h.stop(t)
}

func TestRegistrationErrors(t *testing.T) {
	cases := []struct {
		err  stanza.Error
		want Status
	}{
		{stanza.Error{Condition: "conflict"}, StatusRegistrationConflict},
		{stanza.Error{Condition: "resource-constraint"}, StatusRegistrationPleaseWait},
		{stanza.Error{Condition: "not-acceptable", Text: "Password is too weak"}, StatusRegistrationPasswordTooWeak},
		{stanza.Error{Condition: "not-acceptable"}, StatusRegistrationFailed},
		{stanza.Error{Condition: "not-allowed"}, StatusRegistrationNotSupported},
		{stanza.Error{Condition: "bad-request"}, StatusRegistrationFailed},
	}
	for _, tc := range cases {
		if got := StatusOf(registrationError(tc.err)); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.err.Condition, tc.want, got)
		}
	}
}

func TestServerPingAndUnhandledRequests(t *testing.T) {
	replies := make(chan string, 2)
	srv := newTestServer(t, func(p *peer, _ int) {
		p.login(featuresBind)
		p.bind()
		p.send(`<iq type='get' id='ping-1' from='example.com'><ping xmlns='urn:xmpp:ping'/></iq>`)
		p.send(`<iq type='get' id='version-1' from='example.com'><query xmlns='jabber:iq:version'/></iq>`)
		p.serve(true, func(el *xmlstream.Element) bool {
			if !el.Is(stanza.NSClient, "iq") {
				return false
			}
			switch el.AttrValue("id") {
			case "ping-1":
				replies <- "ping:" + el.AttrValue("type")
				return true
			case "version-1":
				se, _ := stanza.StanzaError(el)
				replies <- "version:" + el.AttrValue("type") + ":" + se.Condition
				return true
			}
			return false
		})
	})
	c := New(srv.account(), testConfig(), srv.options(nil))
	h := start(t, c)
	h.waitBound(t)

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case r := <-replies:
			got[r] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("expected replies to both requests, got %v", got)
		}
	}
	if !got["ping:result"] {
		t.Fatalf("expected the ping to be answered with a result, got %v", got)
	}
	if !got["version:error:service-unavailable"] {
		t.Fatalf("expected service-unavailable for the unhandled request, got %v", got)
	}
	h.stop(t)
}
