// Package iq correlates IQ responses with the requests that are waiting for
// them.
package iq

import (
	"errors"
	"sync"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/xmpp/stanza"
	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

var (
	// ErrTimeout is delivered to every callback still pending at teardown.
	ErrTimeout = errors.New("iq: connection closed before a response arrived")
	// ErrSpoofed means a response came from an address the request was not
	// sent to.
	ErrSpoofed = errors.New("iq: response from unexpected sender")
)

// Result is what a callback receives: either the response, which may be of
// type error, or Err set when no response will ever arrive.
type Result struct {
	Response *xmlstream.Element
	Err      error
}

// StanzaError returns the error carried by an error-typed response.
func (r Result) StanzaError() (stanza.Error, bool) {
	if r.Response == nil || r.Response.AttrValue("type") != stanza.IQError {
		return stanza.Error{}, false
	}
	return stanza.StanzaError(r.Response)
}

// OK reports whether the request succeeded.
func (r Result) OK() bool {
	return r.Err == nil && r.Response != nil && r.Response.AttrValue("type") == stanza.IQResult
}

// Callback is invoked exactly once per request.
type Callback func(Result)

type entry struct {
	to string
	cb Callback
}

// Registry is safe for concurrent use. Callbacks run outside its lock.
type Registry struct {
	mu      sync.Mutex
	pending map[string]entry
	log     *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{pending: make(map[string]entry), log: log}
}

// Add registers cb for req, assigning an id when req has none, and returns
// the id.
func (r *Registry) Add(req *xmlstream.Element, cb Callback) string {
	id := req.AttrValue("id")
	if id == "" {
		id = stanza.NewID()
		req.SetAttr("id", id)
	}
	if cb == nil {
		return id
	}
	r.mu.Lock()
	r.pending[id] = entry{to: req.AttrValue("to"), cb: cb}
	r.mu.Unlock()
	return id
}

// Resolve delivers a result or error IQ to its callback. It reports whether a
// callback consumed it. A response failing the origin check leaves the
// request pending and returns ErrSpoofed.
func (r *Registry) Resolve(resp *xmlstream.Element, account jid.JID) (bool, error) {
	switch resp.AttrValue("type") {
	case stanza.IQResult, stanza.IQError:
	default:
		return false, nil
	}
	id := resp.AttrValue("id")
	r.mu.Lock()
	e, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	from := resp.AttrValue("from")
	if !validOrigin(e.to, from, account) {
		r.mu.Unlock()
		r.log.Warn("dropping spoofed iq response", zap.String("id", id), zap.String("to", e.to), zap.String("from", from))
		return false, ErrSpoofed
	}
	delete(r.pending, id)
	r.mu.Unlock()

	e.cb(Result{Response: resp})
	return true, nil
}

// Drain fails every pending callback with ErrTimeout and empties the
// registry. It returns how many callbacks were invoked.
func (r *Registry) Drain() int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]entry)
	r.mu.Unlock()

	for _, e := range pending {
		e.cb(Result{Err: ErrTimeout})
	}
	return len(pending)
}

// Len returns the number of pending requests
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// validOrigin accepts a response to a server-addressed request from the
// server, the bare account or the full account JID; any other request must be
// answered by exactly the address it was sent to.
func validOrigin(to, from string, account jid.JID) bool {
	if addressesServer(to, account) {
		if from == "" {
			return true
		}
		f, err := jid.Parse(from)
		if err != nil {
			return false
		}
		return f.Equal(account.Domain()) || f.Equal(account.Bare()) || f.Equal(account)
	}
	if from == "" {
		return false
	}
	t, err1 := jid.Parse(to)
	f, err2 := jid.Parse(from)
	if err1 != nil || err2 != nil {
		return to == from
	}
	return t.Equal(f)
}

func addressesServer(to string, account jid.JID) bool {
	if to == "" {
		return true
	}
	t, err := jid.Parse(to)
	if err != nil {
		return false
	}
	return t.Equal(account.Domain()) || t.Equal(account.Bare())
}
