package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// ErrUnsupportedContinue is returned for SASL2 <continue/>, which asks for
// additional tasks this client does not implement.
var ErrUnsupportedContinue = errors.New("auth: sasl2 continue tasks are not supported")

func encode(data []byte) string {
	if len(data) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeData decodes the base64 payload of a challenge, response or success.
func DecodeData(el *xmlstream.Element) ([]byte, error) {
	s := strings.TrimSpace(el.Text)
	if s == "" || s == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// LegacyAuth builds the RFC 6120 <auth/> element.
func LegacyAuth(mechanism string, initial []byte) *xmlstream.Element {
	return xmlstream.New(stanza.NSSASL, "auth").SetAttr("mechanism", mechanism).SetText(encode(initial))
}

// Response answers a challenge in the given SASL namespace.
func Response(space string, data []byte) *xmlstream.Element {
	el := xmlstream.New(space, "response")
	if len(data) > 0 {
		el.SetText(base64.StdEncoding.EncodeToString(data))
	}
	return el
}

// UserAgent identifies this installation to a SASL2 server.
type UserAgent struct {
	ID       string
	Software string
	Device   string
}

// Bind requests an inline Bind2 resource.
type Bind struct {
	Tag           string
	EnableSM      bool
	EnableCarbons bool
}

// Request is the content of an <authenticate/> element.
type Request struct {
	Mechanism string
	Initial   []byte
	UserAgent UserAgent
	Bind      *Bind
	// Extra elements such as an SM <resume/> are appended as they are.
	Extra []*xmlstream.Element
	// RequestToken asks the server to issue a fast token for this mechanism.
	RequestToken string
	// Fast marks an authentication performed with a fast token.
	Fast bool
}

// Authenticate builds the SASL2 <authenticate/> element.
func Authenticate(r Request) *xmlstream.Element {
	el := xmlstream.New(stanza.NSSASL2, "authenticate").SetAttr("mechanism", r.Mechanism)
	if r.Initial != nil {
		el.AddChild(xmlstream.New(stanza.NSSASL2, "initial-response")).SetText(encode(r.Initial))
	}
	if r.UserAgent.ID != "" {
		ua := el.AddChild(xmlstream.New(stanza.NSSASL2, "user-agent")).SetAttr("id", r.UserAgent.ID)
		if r.UserAgent.Software != "" {
			ua.AddChild(xmlstream.New(stanza.NSSASL2, "software")).SetText(r.UserAgent.Software)
		}
		if r.UserAgent.Device != "" {
			ua.AddChild(xmlstream.New(stanza.NSSASL2, "device")).SetText(r.UserAgent.Device)
		}
	}
	if r.Bind != nil {
		b := el.AddChild(xmlstream.New(stanza.NSBind2, "bind"))
		if r.Bind.Tag != "" {
			b.AddChild(xmlstream.New(stanza.NSBind2, "tag")).SetText(r.Bind.Tag)
		}
		if r.Bind.EnableCarbons {
			b.AddChild(xmlstream.New(stanza.NSCarbons, "enable"))
		}
		if r.Bind.EnableSM {
			b.AddChild(xmlstream.New(stanza.NSSM, "enable")).SetAttr("resume", "true")
		}
	}
	el.Append(r.Extra...)
	if r.RequestToken != "" {
		el.AddChild(xmlstream.New(stanza.NSFast, "request-token")).SetAttr("mechanism", r.RequestToken)
	}
	if r.Fast {
		el.AddChild(xmlstream.New(stanza.NSFast, "fast"))
	}
	return el
}

// Token is a fast token issued by the server.
type Token struct {
	Value  string
	Expiry time.Time
}

// Success is a parsed SASL or SASL2 <success/>.
type Success struct {
	AdditionalData []byte
	// AuthorizationID is the full JID assigned by a SASL2 server.
	AuthorizationID string
	// Bound is the Bind2 <bound/> result, possibly carrying SM <enabled/>.
	Bound *xmlstream.Element
	// Resumed and ResumeFailed carry the inline SM resumption outcome.
	Resumed      *xmlstream.Element
	ResumeFailed *xmlstream.Element
	Token        *Token
}

// ParseSuccess reads both the legacy and the SASL2 form.
func ParseSuccess(el *xmlstream.Element) (Success, error) {
	var s Success
	if el.Name.Space == stanza.NSSASL {
		data, err := DecodeData(el)
		if err != nil {
			return s, err
		}
		s.AdditionalData = data
		return s, nil
	}
	if ad := el.Child(stanza.NSSASL2, "additional-data"); ad != nil {
		data, err := DecodeData(ad)
		if err != nil {
			return s, err
		}
		s.AdditionalData = data
	}
	s.AuthorizationID = el.ChildText(stanza.NSSASL2, "authorization-identifier")
	s.Bound = el.Child(stanza.NSBind2, "bound")
	s.Resumed = el.Child(stanza.NSSM, "resumed")
	s.ResumeFailed = el.Child(stanza.NSSM, "failed")
	if t := el.Child(stanza.NSFast, "token"); t != nil && t.AttrValue("token") != "" {
		s.Token = &Token{Value: t.AttrValue("token")}
		if exp, err := time.Parse(time.RFC3339, t.AttrValue("expiry")); err == nil {
			s.Token.Expiry = exp
		}
	}
	return s, nil
}

// Failure is a parsed SASL or SASL2 <failure/>.
type Failure struct {
	Condition string
	Text      string
}

func (f Failure) Error() string {
	if f.Text != "" {
		return "sasl failure: " + f.Condition + ": " + f.Text
	}
	return "sasl failure: " + f.Condition
}

// ParseFailure reads the defined condition and optional text. The condition
// is always in the SASL namespace; the text follows the failure element.
func ParseFailure(el *xmlstream.Element) Failure {
	var f Failure
	for _, c := range el.Children {
		switch {
		case c.Name.Local == "text":
			f.Text = strings.TrimSpace(c.Text)
		case c.Name.Space == stanza.NSSASL && f.Condition == "":
			f.Condition = c.Name.Local
		}
	}
	if f.Condition == "" {
		f.Condition = "not-authorized"
	}
	return f
}
