package auth

import (
	"strings"

	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// Inline lists what the server accepts inside a SASL2 <authenticate/>.
type Inline struct {
	Bind2 bool
	// Bind2Features are the namespaces Bind2 can enable inline (sm, carbons).
	Bind2Features  []string
	SM             bool
	Fast           bool
	FastMechanisms []string
}

// Offer is the authentication part of a <stream:features/> element.
type Offer struct {
	Mechanisms      []string
	SASL2           bool
	SASL2Mechanisms []string
	Inline          Inline
	ChannelBindings []string
}

// ParseOffer extracts mechanisms from stream features.
func ParseOffer(features *xmlstream.Element) Offer {
	var o Offer
	if mechs := features.Child(stanza.NSSASL, "mechanisms"); mechs != nil {
		for _, m := range mechs.ChildrenNamed(stanza.NSSASL, "mechanism") {
			o.Mechanisms = append(o.Mechanisms, strings.TrimSpace(m.Text))
		}
	}
	if a := features.Child(stanza.NSSASL2, "authentication"); a != nil {
		o.SASL2 = true
		for _, m := range a.ChildrenNamed(stanza.NSSASL2, "mechanism") {
			o.SASL2Mechanisms = append(o.SASL2Mechanisms, strings.TrimSpace(m.Text))
		}
		if inline := a.Child(stanza.NSSASL2, "inline"); inline != nil {
			if b := inline.Child(stanza.NSBind2, "bind"); b != nil {
				o.Inline.Bind2 = true
				for _, f := range b.Child(stanza.NSBind2, "inline").ChildrenNamed(stanza.NSBind2, "feature") {
					o.Inline.Bind2Features = append(o.Inline.Bind2Features, f.AttrValue("var"))
				}
			}
			o.Inline.SM = inline.HasChild(stanza.NSSM, "sm")
			if fast := inline.Child(stanza.NSFast, "fast"); fast != nil {
				o.Inline.Fast = true
				for _, m := range fast.ChildrenNamed(stanza.NSFast, "mechanism") {
					o.Inline.FastMechanisms = append(o.Inline.FastMechanisms, strings.TrimSpace(m.Text))
				}
			}
		}
	}
	if cb := features.Child(stanza.NSChannelBind, "sasl-channel-binding"); cb != nil {
		for _, b := range cb.ChildrenNamed(stanza.NSChannelBind, "channel-binding") {
			o.ChannelBindings = append(o.ChannelBindings, b.AttrValue("type"))
		}
	}
	return o
}

// Available reports whether the server offers any authentication at all.
func (o Offer) Available() bool {
	return len(o.Mechanisms) > 0 || o.SASL2
}

// Offered returns the mechanism list of the protocol that will be used.
func (o Offer) Offered() []string {
	if o.SASL2 {
		return o.SASL2Mechanisms
	}
	return o.Mechanisms
}

// Bind2Supports reports whether Bind2 can enable ns inline.
func (o Offer) Bind2Supports(ns string) bool {
	return o.Inline.Bind2 && contains(o.Inline.Bind2Features, ns)
}
