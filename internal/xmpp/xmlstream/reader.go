package xmlstream

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// NSStream is the namespace of the stream framing elements.
const NSStream = "http://etherx.jabber.org/streams"

var (
	// ErrStreamClosed is returned by Next when the peer sent </stream:stream>.
	ErrStreamClosed = errors.New("xmlstream: stream closed by peer")
	// ErrNotStream is returned when the first element is not a stream header.
	ErrNotStream = errors.New("xmlstream: expected stream header")
)

// Header is the opening <stream:stream> tag sent by the server
type Header struct {
	ID      string
	From    string
	To      string
	Version string
	Lang    string
}

// Reader reads top-level children of an XML stream. It is not safe for
// concurrent use; a connection reads from one worker only.
type Reader struct {
	src *bufio.Reader
	dec *xml.Decoder
}

// NewReader creates a reader on r
func NewReader(r io.Reader) *Reader {
	rd := &Reader{}
	rd.Reset(r)
	return rd
}

// Reset binds the reader to a new transport, e.g. after the TLS upgrade.
func (r *Reader) Reset(src io.Reader) {
	r.src = bufio.NewReader(src)
	r.Restart()
}

// Restart starts parsing a new stream document on the same transport,
// keeping any bytes already buffered. Used after SASL success.
func (r *Reader) Restart() {
	r.dec = xml.NewDecoder(r.src)
	r.dec.Strict = true
}

// ReadHeader consumes the XML declaration and the stream header.
func (r *Reader) ReadHeader() (Header, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return Header{}, err
		}
		switch t := tok.(type) {
		case xml.ProcInst, xml.Comment, xml.Directive:
			continue
		case xml.CharData:
			if len(strings.TrimSpace(string(t))) == 0 {
				continue
			}
			return Header{}, ErrNotStream
		case xml.StartElement:
			if t.Name.Space != NSStream || t.Name.Local != "stream" {
				return Header{}, fmt.Errorf("%w: got <%s>", ErrNotStream, t.Name.Local)
			}
			var h Header
			for _, a := range t.Attr {
				switch {
				case a.Name.Space == "" && a.Name.Local == "id":
					h.ID = a.Value
				case a.Name.Space == "" && a.Name.Local == "from":
					h.From = a.Value
				case a.Name.Space == "" && a.Name.Local == "to":
					h.To = a.Value
				case a.Name.Space == "" && a.Name.Local == "version":
					h.Version = a.Value
				case a.Name.Local == "lang":
					h.Lang = a.Value
				}
			}
			return h, nil
		default:
			return Header{}, ErrNotStream
		}
	}
}

// Next blocks until the next complete top-level child arrives.
// Whitespace keepalives between children are skipped.
func (r *Reader) Next() (*Element, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return decodeElement(r.dec, t)
		case xml.EndElement:
			if t.Name.Space == NSStream && t.Name.Local == "stream" {
				return nil, ErrStreamClosed
			}
			return nil, fmt.Errorf("xmlstream: unexpected end tag </%s>", t.Name.Local)
		}
	}
}
