package stanza

import (
	"strings"

	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// Error is a parsed stanza or stream error.
type Error struct {
	Type      string
	Condition string
	Text      string
}

func (e Error) Error() string {
	if e.Text != "" {
		return e.Condition + ": " + e.Text
	}
	return e.Condition
}

// StanzaError extracts the <error/> of an IQ, message or presence.
func StanzaError(el *xmlstream.Element) (Error, bool) {
	errEl := el.Child(NSClient, "error")
	if errEl == nil {
		return Error{}, false
	}
	return parseConditions(errEl, NSStanzaError, errEl.AttrValue("type")), true
}

// StreamError parses a <stream:error/>.
func StreamError(el *xmlstream.Element) Error {
	return parseConditions(el, NSStreamError, "")
}

func parseConditions(el *xmlstream.Element, space, typ string) Error {
	out := Error{Type: typ}
	for _, c := range el.Children {
		if c.Name.Space != space {
			continue
		}
		if c.Name.Local == "text" {
			out.Text = strings.TrimSpace(c.Text)
			continue
		}
		if out.Condition == "" {
			out.Condition = c.Name.Local
		}
	}
	if out.Condition == "" {
		out.Condition = "undefined-condition"
	}
	return out
}
