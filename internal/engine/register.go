package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// registerAccount creates the account in-band. Success clears the register
// flag and reconnects immediately to log in.
func (c *Connection) registerAccount(ctx context.Context, features *xmlstream.Element) error {
	if !features.HasChild(stanza.NSRegisterFea, "register") {
		return fail(StatusRegistrationNotSupported, "server does not offer in-band registration")
	}
	acct := c.Account()
	domain := acct.JID.Domain().String()

	get, _ := stanza.NewQuery(stanza.IQGet, domain, stanza.NSRegister, "query")
	resp, err := c.call(get)
	if err != nil {
		return registrationError(err)
	}
	query := resp.Child(stanza.NSRegister, "query")
	if query == nil {
		return fail(StatusRegistrationNotSupported, "empty registration response")
	}

	set, submit := stanza.NewQuery(stanza.IQSet, domain, stanza.NSRegister, "query")
	switch form := query.Child(stanza.NSDataForm, "x"); {
	case form != nil:
		if c.register == nil {
			return fail(StatusRegistrationFailed, "registration requires a form but no handler is configured")
		}
		filled, err := c.register(ctx, Challenge{
			Form:         form,
			Instructions: query.ChildText(stanza.NSRegister, "instructions"),
		})
		if err != nil {
			return &ConnectionError{Status: StatusRegistrationFailed, Err: err}
		}
		submit.AddChild(filled)
	case query.HasChild(stanza.NSRegister, "username") && query.HasChild(stanza.NSRegister, "password"):
		submit.AddChild(xmlstream.New(stanza.NSRegister, "username").SetText(acct.JID.Localpart()))
		submit.AddChild(xmlstream.New(stanza.NSRegister, "password").SetText(acct.Password))
	case query.Child(stanza.NSOOB, "x") != nil:
		url := query.Child(stanza.NSOOB, "x").ChildText(stanza.NSOOB, "url")
		if c.register != nil {
			// The handler is only told where to register; nothing is submitted.
			if _, err := c.register(ctx, Challenge{URL: url, Instructions: query.ChildText(stanza.NSRegister, "instructions")}); err != nil {
				c.log.Info("registration handler declined web registration", zap.String("url", url), zap.Error(err))
			}
		}
		return &ConnectionError{Status: StatusRegistrationFailed, Err: errors.New("registration is only possible on the web"), URL: url}
	default:
		return fail(StatusRegistrationNotSupported, "unsupported registration form")
	}

	if _, err := c.call(set); err != nil {
		return registrationError(err)
	}
	c.log.Info("account registered")

	c.mu.Lock()
	c.account.Register = false
	acct = c.account
	c.mu.Unlock()
	if err := c.store.PersistAccount(acct); err != nil {
		c.log.Warn("failed to persist account", zap.Error(err))
	}
	return &ConnectionError{Status: StatusRegistrationSuccessful, Immediate: true}
}

func registrationError(err error) error {
	var se stanza.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Condition {
	case "conflict":
		return &ConnectionError{Status: StatusRegistrationConflict, Err: se}
	case "resource-constraint":
		return &ConnectionError{Status: StatusRegistrationPleaseWait, Err: se}
	case "not-acceptable":
		if strings.Contains(strings.ToLower(se.Text), "password") {
			return &ConnectionError{Status: StatusRegistrationPasswordTooWeak, Err: se}
		}
	case "not-allowed", "feature-not-implemented", "service-unavailable":
		return &ConnectionError{Status: StatusRegistrationNotSupported, Err: se}
	}
	return &ConnectionError{Status: StatusRegistrationFailed, Err: se}
}
