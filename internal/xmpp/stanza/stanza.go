package stanza

import (
	"github.com/google/uuid"

	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// Namespaces used by the connection engine
const (
	NSClient      = xmlstream.NSClient
	NSStream      = xmlstream.NSStream
	NSStreamError = "urn:ietf:params:xml:ns:xmpp-streams"
	NSStanzaError = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSTLS         = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL        = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSSASL2       = "urn:xmpp:sasl:2"
	NSBind        = "urn:ietf:params:xml:ns:xmpp-bind"
	NSBind2       = "urn:xmpp:bind:0"
	NSSession     = "urn:ietf:params:xml:ns:xmpp-session"
	NSSM          = "urn:xmpp:sm:3"
	NSFast        = "urn:xmpp:fast:0"
	NSChannelBind = "urn:xsf:sasl-cb:0"
	NSRegister    = "jabber:iq:register"
	NSRegisterFea = "http://jabber.org/features/iq-register"
	NSDataForm    = "jabber:x:data"
	NSOOB         = "jabber:x:oob"
	NSPing        = "urn:xmpp:ping"
	NSCarbons     = "urn:xmpp:carbons:2"
	NSBlocking    = "urn:xmpp:blocking"
	NSMAM         = "urn:xmpp:mam:2"
	NSCommands    = "http://jabber.org/protocol/commands"
)

// IQ types
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// NewID returns a fresh stanza id.
func NewID() string {
	return uuid.NewString()
}

// NewIQ creates an IQ of the given type with a fresh id. An empty to
// addresses the user's server.
func NewIQ(typ, to string) *xmlstream.Element {
	iq := xmlstream.New(NSClient, "iq").SetAttr("type", typ).SetAttr("id", NewID())
	if to != "" {
		iq.SetAttr("to", to)
	}
	return iq
}

// NewQuery creates an IQ carrying one payload child.
func NewQuery(typ, to, space, local string) (*xmlstream.Element, *xmlstream.Element) {
	iq := NewIQ(typ, to)
	q := iq.AddChild(xmlstream.New(space, local))
	return iq, q
}

// NewMessage creates a message stanza
func NewMessage(typ, to, body string) *xmlstream.Element {
	msg := xmlstream.New(NSClient, "message").SetAttr("type", typ).SetAttr("to", to).SetAttr("id", NewID())
	if body != "" {
		msg.AddChild(xmlstream.New(NSClient, "body")).SetText(body)
	}
	return msg
}

// NewPresence creates a presence stanza
func NewPresence(typ, to string) *xmlstream.Element {
	return xmlstream.New(NSClient, "presence").SetAttr("type", typ).SetAttr("to", to)
}

// Result builds the empty result reply for an inbound IQ.
func Result(req *xmlstream.Element) *xmlstream.Element {
	return xmlstream.New(NSClient, "iq").
		SetAttr("type", IQResult).
		SetAttr("id", req.AttrValue("id")).
		SetAttr("to", req.AttrValue("from"))
}

// ErrorReply builds an error reply for an inbound IQ.
func ErrorReply(req *xmlstream.Element, errType, condition string) *xmlstream.Element {
	iq := xmlstream.New(NSClient, "iq").
		SetAttr("type", IQError).
		SetAttr("id", req.AttrValue("id")).
		SetAttr("to", req.AttrValue("from"))
	e := iq.AddChild(xmlstream.New(NSClient, "error")).SetAttr("type", errType)
	e.AddChild(xmlstream.New(NSStanzaError, condition))
	return iq
}

// Acknowledgeable reports whether el counts towards the stream management
// sequence: IQ, message and presence stanzas, never nonzas.
func Acknowledgeable(el *xmlstream.Element) bool {
	if el == nil || el.Name.Space != NSClient {
		return false
	}
	switch el.Name.Local {
	case "iq", "message", "presence":
		return true
	}
	return false
}

// IsMessage reports whether el is a message stanza
func IsMessage(el *xmlstream.Element) bool {
	return el.Is(NSClient, "message")
}
