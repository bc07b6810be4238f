package xmlstream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

const serverStream = `<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='s1' from='example.com' version='1.0' xml:lang='en'>`

func TestReaderHeaderAndChildren(t *testing.T) {
	input := serverStream +
		`<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls></stream:features>` +
		"\n " +
		`<message from='a@example.com/r' id='m1'><body>hi &amp; bye</body></message>` +
		`</stream:stream>`

	r := NewReader(strings.NewReader(input))
	h, err := r.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader returned error: %v", err)
	}
	if h.ID != "s1" || h.From != "example.com" || h.Version != "1.0" || h.Lang != "en" {
		t.Fatalf("unexpected header: %+v", h)
	}

	features, err := r.Next()
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if !features.Is(NSStream, "features") {
		t.Fatalf("expected stream features, got %v", features.Name)
	}
	tls := features.Child("urn:ietf:params:xml:ns:xmpp-tls", "starttls")
	if tls == nil || !tls.HasChild("", "required") {
		t.Fatalf("expected starttls with required child, got %s", features)
	}

	msg, err := r.Next()
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if !msg.Is(NSClient, "message") {
		t.Fatalf("expected jabber:client message, got %v", msg.Name)
	}
	if got := msg.ChildText(NSClient, "body"); got != "hi & bye" {
		t.Fatalf("expected body %q, got %q", "hi & bye", got)
	}

	if _, err := r.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestReaderRejectsNonStream(t *testing.T) {
	r := NewReader(strings.NewReader(`<html/>`))
	if _, err := r.ReadHeader(); !errors.Is(err, ErrNotStream) {
		t.Fatalf("expected ErrNotStream, got %v", err)
	}
}

func TestReaderRestartKeepsBufferedBytes(t *testing.T) {
	input := serverStream + `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>` +
		serverStream + `<stream:features/>`
	r := NewReader(strings.NewReader(input))
	if _, err := r.ReadHeader(); err != nil {
		t.Fatalf("ReadHeader returned error: %v", err)
	}
	if el, err := r.Next(); err != nil || el.Name.Local != "success" {
		t.Fatalf("expected success, got %v (%v)", el, err)
	}
	r.Restart()
	if _, err := r.ReadHeader(); err != nil {
		t.Fatalf("second ReadHeader returned error: %v", err)
	}
	el, err := r.Next()
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if !el.Is(NSStream, "features") {
		t.Fatalf("expected features after restart, got %v", el.Name)
	}
}

func TestElementMarshalNamespaces(t *testing.T) {
	iq := New(NSClient, "iq").SetAttr("type", "set").SetAttr("id", "b1")
	bind := iq.AddChild(New("urn:ietf:params:xml:ns:xmpp-bind", "bind"))
	bind.AddChild(New("urn:ietf:params:xml:ns:xmpp-bind", "resource")).SetText("phone<1>")

	got := string(iq.Marshal(NSClient))
	want := `<iq type='set' id='b1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>phone&lt;1&gt;</resource></bind></iq>`
	if got != want {
		t.Fatalf("unexpected serialization\n got: %s\nwant: %s", got, want)
	}

	parsed, err := Parse(iq.String())
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if parsed.Child("urn:ietf:params:xml:ns:xmpp-bind", "bind").ChildText("", "resource") != "phone<1>" {
		t.Fatalf("resource did not survive parse: %s", parsed)
	}
}

func TestSetAttrRemovesEmpty(t *testing.T) {
	e := New(NSClient, "iq").SetAttr("to", "a@b").SetAttr("to", "")
	if e.AttrValue("to") != "" || len(e.Attr) != 0 {
		t.Fatalf("expected attribute removed, got %v", e.Attr)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestWriterOrderAndFlush(t *testing.T) {
	buf := &syncBuffer{}
	w := NewWriter(buf)
	defer w.Close()

	if err := w.OpenStream("example.com", "alice@example.com", "en"); err != nil {
		t.Fatalf("OpenStream returned error: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := w.WriteRaw("<r/>"); err != nil {
			t.Fatalf("WriteRaw returned error: %v", err)
		}
	}
	if err := w.CloseStream(); err != nil {
		t.Fatalf("CloseStream returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "<?xml version='1.0'?><stream:stream") {
		t.Fatalf("expected stream header first, got %q", out[:40])
	}
	if !strings.Contains(out, "from='alice@example.com'") {
		t.Fatalf("expected from attribute in header: %s", out)
	}
	if strings.Count(out, "<r/>") != 50 || !strings.HasSuffix(out, "</stream:stream>") {
		t.Fatalf("writes were lost or reordered: %s", out)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriterSurfacesTransportError(t *testing.T) {
	w := NewWriter(failingWriter{})
	defer w.Close()

	_ = w.WriteRaw("<a/>")
	if err := w.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush to report the write error")
	}
	if err := w.WriteRaw("<b/>"); err == nil {
		t.Fatalf("expected writes after a transport error to fail")
	}
}

func TestWriterClosed(t *testing.T) {
	w := NewWriter(&syncBuffer{})
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := w.WriteRaw("<a/>"); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}
