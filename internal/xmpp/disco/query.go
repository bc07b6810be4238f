package disco

import (
	"fmt"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// Namespaces of the two disco queries
const (
	NSInfo  = string(FeatureInfo)
	NSItems = string(FeatureItems)
)

// InfoQuery builds a disco#info get for to, optionally for a node.
func InfoQuery(to jid.JID, node string) *xmlstream.Element {
	iq, q := stanza.NewQuery(stanza.IQGet, to.String(), NSInfo, "query")
	q.SetAttr("node", node)
	return iq
}

// ItemsQuery builds a disco#items get for to, optionally for a node.
func ItemsQuery(to jid.JID, node string) *xmlstream.Element {
	iq, q := stanza.NewQuery(stanza.IQGet, to.String(), NSItems, "query")
	q.SetAttr("node", node)
	return iq
}

// ParseInfo reads the <query/> of a disco#info result.
func ParseInfo(iq *xmlstream.Element) (*Info, error) {
	q := iq.Child(NSInfo, "query")
	if q == nil {
		return nil, fmt.Errorf("disco: result without info query")
	}
	info := &Info{}
	for _, c := range q.Children {
		switch {
		case c.Is(NSInfo, "identity"):
			info.Identities = append(info.Identities, Identity{
				Category: c.AttrValue("category"),
				Type:     c.AttrValue("type"),
				Name:     c.AttrValue("name"),
				Lang:     c.AttrValue("lang"),
			})
		case c.Is(NSInfo, "feature"):
			if v := c.AttrValue("var"); v != "" {
				info.Features = append(info.Features, Feature(v))
			}
		}
	}
	return info, nil
}

// ParseItems reads the <query/> of a disco#items result. Items with an
// invalid JID are skipped.
func ParseItems(iq *xmlstream.Element) ([]Item, error) {
	q := iq.Child(NSItems, "query")
	if q == nil {
		return nil, fmt.Errorf("disco: result without items query")
	}
	var items []Item
	for _, c := range q.ChildrenNamed(NSItems, "item") {
		j, err := jid.Parse(c.AttrValue("jid"))
		if err != nil {
			continue
		}
		items = append(items, Item{JID: j, Name: c.AttrValue("name"), Node: c.AttrValue("node")})
	}
	return items, nil
}
