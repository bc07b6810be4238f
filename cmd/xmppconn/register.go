package main

import (
	"context"
	"fmt"

	"github.com/meszmate/xmppconn/internal/engine"
	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// fillRegistration answers registration forms without a user: it fills the
// username and password fields and gives up on anything else that is
// required, like a captcha.
func fillRegistration(acct engine.Account) engine.RegistrationHandler {
	return func(_ context.Context, c engine.Challenge) (*xmlstream.Element, error) {
		if c.Form == nil {
			if c.URL != "" {
				return nil, fmt.Errorf("register at %s", c.URL)
			}
			return nil, fmt.Errorf("no registration form")
		}
		submit := xmlstream.New(stanza.NSDataForm, "x").SetAttr("type", "submit")
		for _, field := range c.Form.ChildrenNamed(stanza.NSDataForm, "field") {
			name := field.AttrValue("var")
			if name == "" {
				continue
			}
			var values []string
			switch name {
			case "username":
				values = []string{acct.JID.Localpart()}
			case "password":
				values = []string{acct.Password}
			default:
				for _, v := range field.ChildrenNamed(stanza.NSDataForm, "value") {
					values = append(values, v.Text)
				}
			}
			if len(values) == 0 && field.HasChild(stanza.NSDataForm, "required") {
				return nil, fmt.Errorf("registration form requires %q", name)
			}
			out := submit.AddChild(xmlstream.New(stanza.NSDataForm, "field").SetAttr("var", name))
			for _, v := range values {
				out.AddChild(xmlstream.New(stanza.NSDataForm, "value").SetText(v))
			}
		}
		return submit, nil
	}
}
