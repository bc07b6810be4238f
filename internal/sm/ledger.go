// Package sm keeps the XEP-0198 stream management bookkeeping: outbound
// sequence numbers, the queue of unacknowledged stanzas and the inbound
// counter.
package sm

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

// ErrAckOutOfRange means the server acknowledged more than was sent.
var ErrAckOutOfRange = errors.New("sm: ack beyond sent count")

// Entry is a queued stanza and its sequence number.
type Entry struct {
	Seq     uint32
	Element *xmlstream.Element
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	enabled  bool
	streamID string
	location string

	sent     uint32
	received uint32
	queue    []Entry
	limit    uint32
}

// NewLedger creates a ledger that asks for rotation once limit stanzas
// were sent. Zero means math.MaxInt32.
func NewLedger(limit uint32) *Ledger {
	if limit == 0 {
		limit = math.MaxInt32
	}
	return &Ledger{limit: limit}
}

// Enable starts a new session. Counters restart and entries left over from
// a previous session are returned to the caller.
func (l *Ledger) Enable(id string, resumable bool, location string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	leftover := l.queue
	l.queue = nil
	l.enabled = true
	l.sent = 0
	l.received = 0
	if resumable {
		l.streamID = id
		l.location = location
	} else {
		l.streamID = ""
		l.location = ""
	}
	return leftover
}

// Confirm applies the server's <enabled/>. The inbound counter restarts so
// stanzas that arrived before the confirmation are not reported; stanzas
// sent since Enable keep their sequence numbers.
func (l *Ledger) Confirm(id string, resumable bool, location string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	l.received = 0
	if resumable {
		l.streamID = id
		l.location = location
	} else {
		l.streamID = ""
		l.location = ""
	}
}

// Enabled reports whether an SM session is active on the current stream
func (l *Ledger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// StreamID returns the resumption id and preferred location, if any.
func (l *Ledger) StreamID() (id, location string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamID, l.location
}

// DropStreamID forgets the resumption id so it is never reused.
func (l *Ledger) DropStreamID() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streamID = ""
	l.location = ""
}

// Suspend marks the stream gone while keeping the resumption state.
func (l *Ledger) Suspend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
}

// Track records an acknowledgeable stanza that was just written and returns
// its sequence number. Anything else, or a write outside an SM session,
// returns 0.
func (l *Ledger) Track(el *xmlstream.Element) uint32 {
	if !stanza.Acknowledgeable(el) {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return 0
	}
	l.sent++
	l.queue = append(l.queue, Entry{Seq: l.sent, Element: el})
	return l.sent
}

// Ack removes every entry with a sequence number up to h and returns them
// in order.
func (l *Ledger) Ack(h uint32) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h > l.sent {
		return nil, fmt.Errorf("%w: h=%d sent=%d", ErrAckOutOfRange, h, l.sent)
	}
	return l.release(h), nil
}

func (l *Ledger) release(h uint32) []Entry {
	n := 0
	for n < len(l.queue) && l.queue[n].Seq <= h {
		n++
	}
	acked := make([]Entry, n)
	copy(acked, l.queue[:n])
	l.queue = append(l.queue[:0:0], l.queue[n:]...)
	return acked
}

// Inbound counts one received stanza while the session is active.
func (l *Ledger) Inbound() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled {
		l.received++
	}
}

// H returns the inbound count to report in <a/> and <resume/>.
func (l *Ledger) H() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received
}

// Resume applies the server's h after <resumed/>. Entries up to h are
// returned as acknowledged; the rest are removed from the queue and returned
// for resending in their original order. The sent counter restarts at h so
// resent stanzas receive fresh sequence numbers through Track.
func (l *Ledger) Resume(h uint32) (acked, resend []Entry, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h > l.sent {
		return nil, nil, fmt.Errorf("%w: h=%d sent=%d", ErrAckOutOfRange, h, l.sent)
	}
	acked = l.release(h)
	resend = l.queue
	l.queue = nil
	l.sent = h
	l.enabled = true
	return acked, resend, nil
}

// Reset ends the session for good and returns what was still unacknowledged.
func (l *Ledger) Reset() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.queue
	l.queue = nil
	l.enabled = false
	l.streamID = ""
	l.location = ""
	l.sent = 0
	l.received = 0
	return pending
}

// Exhausted reports whether the sent counter reached its limit and the
// session has to be restarted.
func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent >= l.limit
}

// Sent returns the outbound sequence counter
func (l *Ledger) Sent() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}

// Pending returns a copy of the queue.
func (l *Ledger) Pending() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.queue))
	copy(out, l.queue)
	return out
}

// Messages filters entries down to message stanzas.
func Messages(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if stanza.IsMessage(e.Element) {
			out = append(out, e)
		}
	}
	return out
}
