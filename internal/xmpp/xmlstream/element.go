package xmlstream

import (
	"encoding/xml"
	"strings"
)

const xmlURL = "http://www.w3.org/XML/1998/namespace"

// Element is a fully read XML element with its children.
type Element struct {
	Name     xml.Name
	Attr     []xml.Attr
	Children []*Element
	Text     string
}

// New creates an empty element in the given namespace
func New(space, local string) *Element {
	return &Element{Name: xml.Name{Space: space, Local: local}}
}

// Is reports whether the element has the given namespace and local name.
// An empty space matches any namespace.
func (e *Element) Is(space, local string) bool {
	if e == nil {
		return false
	}
	if e.Name.Local != local {
		return false
	}
	return space == "" || e.Name.Space == space
}

// AttrValue returns the value of an unqualified attribute
func (e *Element) AttrValue(local string) string {
	if e == nil {
		return ""
	}
	for _, a := range e.Attr {
		if a.Name.Local == local && (a.Name.Space == "" || a.Name.Space == xmlURL && local == "lang") {
			return a.Value
		}
	}
	return ""
}

// SetAttr sets or replaces an unqualified attribute. An empty value removes it.
func (e *Element) SetAttr(local, value string) *Element {
	for i, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == local {
			if value == "" {
				e.Attr = append(e.Attr[:i], e.Attr[i+1:]...)
			} else {
				e.Attr[i].Value = value
			}
			return e
		}
	}
	if value != "" {
		e.Attr = append(e.Attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
	}
	return e
}

// Child returns the first child matching space and local, or nil
func (e *Element) Child(space, local string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Is(space, local) {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every child matching space and local
func (e *Element) ChildrenNamed(space, local string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Children {
		if c.Is(space, local) {
			out = append(out, c)
		}
	}
	return out
}

// HasChild reports whether a matching child exists
func (e *Element) HasChild(space, local string) bool {
	return e.Child(space, local) != nil
}

// ChildText returns the trimmed text of the first matching child
func (e *Element) ChildText(space, local string) string {
	c := e.Child(space, local)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text)
}

// AddChild appends c and returns it so builders can keep descending.
func (e *Element) AddChild(c *Element) *Element {
	e.Children = append(e.Children, c)
	return c
}

// Append appends children and returns e.
func (e *Element) Append(children ...*Element) *Element {
	e.Children = append(e.Children, children...)
	return e
}

// SetText replaces the character data of e.
func (e *Element) SetText(s string) *Element {
	e.Text = s
	return e
}

// Copy returns a deep copy of e.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	c := &Element{Name: e.Name, Text: e.Text}
	c.Attr = append([]xml.Attr(nil), e.Attr...)
	for _, child := range e.Children {
		c.Children = append(c.Children, child.Copy())
	}
	return c
}

// String serializes the element, declaring its namespace.
func (e *Element) String() string {
	var b strings.Builder
	e.encode(&b, "")
	return b.String()
}

// Marshal serializes e as a child of an element in parentNS.
func (e *Element) Marshal(parentNS string) []byte {
	var b strings.Builder
	e.encode(&b, parentNS)
	return []byte(b.String())
}

func (e *Element) encode(b *strings.Builder, parentNS string) {
	b.WriteByte('<')
	b.WriteString(e.Name.Local)
	if e.Name.Space != "" && e.Name.Space != parentNS {
		b.WriteString(" xmlns='")
		escape(b, e.Name.Space)
		b.WriteByte('\'')
	}
	for _, a := range e.Attr {
		switch a.Name.Space {
		case "":
			if a.Name.Local == "xmlns" {
				continue
			}
			b.WriteByte(' ')
			b.WriteString(a.Name.Local)
		case xmlURL:
			b.WriteString(" xml:")
			b.WriteString(a.Name.Local)
		default:
			// Prefixed attributes from foreign namespaces are not carried over.
			continue
		}
		b.WriteString("='")
		escape(b, a.Value)
		b.WriteByte('\'')
	}
	if len(e.Children) == 0 && e.Text == "" {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	escape(b, e.Text)
	for _, c := range e.Children {
		c.encode(b, e.Name.Space)
	}
	b.WriteString("</")
	b.WriteString(e.Name.Local)
	b.WriteByte('>')
}

func escape(b *strings.Builder, s string) {
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		case '\'':
			b.WriteString("&apos;")
		case '"':
			b.WriteString("&quot;")
		default:
			b.WriteRune(r)
		}
	}
}

// Parse decodes a single standalone element. It is meant for fixtures and
// payloads, not for reading a live stream.
func Parse(s string) (*Element, error) {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return decodeElement(dec, start)
		}
	}
}

// decodeElement reads the remainder of start from dec.
func decodeElement(dec *xml.Decoder, start xml.StartElement) (*Element, error) {
	e := &Element{Name: start.Name}
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		e.Attr = append(e.Attr, a)
	}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			e.Children = append(e.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			e.Text = text.String()
			return e, nil
		}
	}
}
