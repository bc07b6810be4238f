package sm

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

func message(n int) *xmlstream.Element {
	return stanza.NewMessage("chat", "romeo@example.net", fmt.Sprintf("m%d", n))
}

func bodies(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Element.ChildText(stanza.NSClient, "body"))
	}
	return out
}

func TestTrackIgnoresNonzasAndInactiveSession(t *testing.T) {
	l := NewLedger(0)
	if seq := l.Track(message(1)); seq != 0 {
		t.Fatalf("expected no tracking before enable, got %d", seq)
	}
	l.Enable("sm-1", true, "")
	if seq := l.Track(xmlstream.New(stanza.NSSM, "r")); seq != 0 {
		t.Fatalf("expected nonza to be untracked, got %d", seq)
	}
	if seq := l.Track(message(1)); seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}
}

func TestQueueHighestKeyEqualsSent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := NewLedger(0)
	l.Enable("sm-1", true, "")
	acked := uint32(0)
	for i := 0; i < 500; i++ {
		if rng.Intn(3) > 0 {
			l.Track(message(i))
		} else {
			h := acked + uint32(rng.Intn(int(l.Sent()-acked)+1))
			before := l.Pending()
			got, err := l.Ack(h)
			if err != nil {
				t.Fatalf("Ack(%d) returned error: %v", h, err)
			}
			want := 0
			for _, e := range before {
				if e.Seq <= h {
					want++
				}
			}
			if len(got) != want {
				t.Fatalf("expected %d entries acked for h=%d, got %d", want, h, len(got))
			}
			acked = h
		}
		pending := l.Pending()
		if len(pending) == 0 {
			continue
		}
		if last := pending[len(pending)-1].Seq; last != l.Sent() {
			t.Fatalf("expected highest key %d to equal sent %d", last, l.Sent())
		}
		for j := 1; j < len(pending); j++ {
			if pending[j].Seq != pending[j-1].Seq+1 {
				t.Fatalf("expected contiguous keys, got %d after %d", pending[j].Seq, pending[j-1].Seq)
			}
		}
	}
}

func TestAckBeyondSent(t *testing.T) {
	l := NewLedger(0)
	l.Enable("", false, "")
	l.Track(message(1))
	if _, err := l.Ack(2); !errors.Is(err, ErrAckOutOfRange) {
		t.Fatalf("expected ErrAckOutOfRange, got %v", err)
	}
	if len(l.Pending()) != 1 {
		t.Fatalf("expected queue untouched after a bad ack")
	}
}

func TestResumeResendsExactlyUnacked(t *testing.T) {
	l := NewLedger(0)
	l.Enable("sm-1", true, "")
	for i := 1; i <= 6; i++ {
		l.Track(message(i))
	}
	if _, err := l.Ack(2); err != nil {
		t.Fatalf("Ack returned error: %v", err)
	}
	l.Suspend()

	acked, resend, err := l.Resume(4)
	if err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if got := bodies(acked); fmt.Sprint(got) != "[m3 m4]" {
		t.Fatalf("expected m3 m4 acknowledged, got %v", got)
	}
	if got := bodies(resend); fmt.Sprint(got) != "[m5 m6]" {
		t.Fatalf("expected m5 m6 resent in order, got %v", got)
	}
	if l.Sent() != 4 {
		t.Fatalf("expected sent truncated to 4, got %d", l.Sent())
	}
	for _, e := range resend {
		l.Track(e.Element)
	}
	if l.Sent() != 6 || len(l.Pending()) != 2 {
		t.Fatalf("expected resent stanzas requeued as 5 and 6, got sent=%d pending=%d", l.Sent(), len(l.Pending()))
	}
}

// A resumed session that the server acknowledged up to h must end with the
// same effective queue as a session that was never interrupted.
func TestResumeMatchesUninterruptedQueue(t *testing.T) {
	for h := uint32(0); h <= 5; h++ {
		interrupted := NewLedger(0)
		steady := NewLedger(0)
		interrupted.Enable("sm-1", true, "")
		steady.Enable("sm-1", true, "")
		for i := 1; i <= 5; i++ {
			interrupted.Track(message(i))
			steady.Track(message(i))
		}

		interrupted.Suspend()
		id, _ := interrupted.StreamID()
		if id != "sm-1" {
			t.Fatalf("expected stream id kept across suspend, got %q", id)
		}
		_, resend, err := interrupted.Resume(h)
		if err != nil {
			t.Fatalf("Resume(%d) returned error: %v", h, err)
		}
		for _, e := range resend {
			interrupted.Track(e.Element)
		}
		if _, err := steady.Ack(h); err != nil {
			t.Fatalf("Ack(%d) returned error: %v", h, err)
		}

		a, b := interrupted.Pending(), steady.Pending()
		if fmt.Sprint(bodies(a)) != fmt.Sprint(bodies(b)) {
			t.Fatalf("h=%d: expected queue %v, got %v", h, bodies(b), bodies(a))
		}
		for i := range a {
			if a[i].Seq != b[i].Seq {
				t.Fatalf("h=%d: expected seq %d, got %d", h, b[i].Seq, a[i].Seq)
			}
		}
	}
}

func TestInboundCountsOnlyWhileEnabled(t *testing.T) {
	l := NewLedger(0)
	l.Inbound()
	l.Enable("", false, "")
	l.Inbound()
	l.Inbound()
	if l.H() != 2 {
		t.Fatalf("expected h=2, got %d", l.H())
	}
	l.Enable("", false, "")
	if l.H() != 0 {
		t.Fatalf("expected enable to reset h, got %d", l.H())
	}
}

func TestEnableReturnsLeftoverAndDropsUnresumableID(t *testing.T) {
	l := NewLedger(0)
	l.Enable("sm-1", true, "xmpp.example.com:5222")
	l.Track(message(1))
	l.Track(stanza.NewPresence("", ""))

	leftover := l.Enable("sm-2", false, "")
	if len(leftover) != 2 || len(Messages(leftover)) != 1 {
		t.Fatalf("expected two leftovers with one message, got %d", len(leftover))
	}
	if id, loc := l.StreamID(); id != "" || loc != "" {
		t.Fatalf("expected no resumption id, got %q %q", id, loc)
	}
}

func TestExhaustedAtLimit(t *testing.T) {
	l := NewLedger(3)
	l.Enable("sm-1", true, "")
	for i := 0; i < 2; i++ {
		l.Track(message(i))
	}
	if l.Exhausted() {
		t.Fatalf("expected ledger below its limit")
	}
	l.Track(message(3))
	if !l.Exhausted() {
		t.Fatalf("expected ledger exhausted at its limit")
	}
	pending := l.Reset()
	if len(pending) != 3 || l.Sent() != 0 || l.Enabled() {
		t.Fatalf("expected reset to return the queue and clear counters")
	}
}

func TestConfirmOnlyWhileEnabled(t *testing.T) {
	l := NewLedger(0)
	l.Confirm("early", true, "")
	if id, _ := l.StreamID(); id != "" {
		t.Fatalf("expected confirmation ignored without a session, got %q", id)
	}
	l.Enable("", false, "")
	l.Track(message(1))
	l.Confirm("sm-9", true, "xmpp.example.com:5222")
	if id, loc := l.StreamID(); id != "sm-9" || loc != "xmpp.example.com:5222" {
		t.Fatalf("expected confirmed id, got %q %q", id, loc)
	}
	if l.Sent() != 1 {
		t.Fatalf("expected confirmation to keep the sent counter, got sent=%d", l.Sent())
	}
}

func TestConfirmRestartsInboundCounter(t *testing.T) {
	l := NewLedger(0)
	l.Enable("", false, "")
	l.Inbound()
	l.Inbound()
	l.Confirm("sm-1", false, "")
	if l.H() != 0 {
		t.Fatalf("expected h=0 after confirmation, got %d", l.H())
	}
	if id, _ := l.StreamID(); id != "" {
		t.Fatalf("expected no resumption id for a non-resumable session, got %q", id)
	}
	l.Inbound()
	if l.H() != 1 {
		t.Fatalf("expected h=1, got %d", l.H())
	}
}
