package auth

import (
	"crypto/tls"
	"fmt"

	"mellium.im/sasl"
)

// Session drives one challenge/response exchange.
type Session struct {
	sel  Selection
	neg  *sasl.Negotiator
	more bool
	step int
}

// NewSession prepares the negotiator for sel. cs is nil over plaintext.
func NewSession(sel Selection, o Offer, c Credentials, cs *tls.ConnectionState) *Session {
	secret := []byte(c.Password)
	if sel.Fast {
		secret = c.FastToken
	}
	user := []byte(c.Username)
	opts := []sasl.Option{
		sasl.Credentials(func() ([]byte, []byte, []byte) {
			return user, secret, nil
		}),
		sasl.RemoteMechanisms(o.Offered()...),
	}
	if cs != nil {
		opts = append(opts, sasl.TLSState(*cs))
	}
	return &Session{sel: sel, neg: sasl.NewClient(sel.mech, opts...)}
}

// Selection returns the mechanism this session runs.
func (s *Session) Selection() Selection {
	return s.sel
}

// Initial computes the initial response.
func (s *Session) Initial() ([]byte, error) {
	if s.step != 0 {
		return nil, fmt.Errorf("auth: initial response already computed")
	}
	return s.advance(nil)
}

// Challenge answers a server challenge.
func (s *Session) Challenge(data []byte) ([]byte, error) {
	if s.step == 0 {
		if _, err := s.advance(nil); err != nil {
			return nil, err
		}
	}
	return s.advance(data)
}

// Finish checks additional data carried by success. A mechanism that still
// expects a server message must receive it here.
func (s *Session) Finish(additional []byte) error {
	if !s.more {
		return nil
	}
	if len(additional) == 0 {
		return ErrServerProof
	}
	if _, err := s.advance(additional); err != nil {
		return err
	}
	if s.more {
		return ErrServerProof
	}
	return nil
}

func (s *Session) advance(in []byte) ([]byte, error) {
	more, resp, err := s.neg.Step(in)
	s.step++
	if err != nil {
		return nil, fmt.Errorf("failed to compute %s step: %w", s.sel.Name, err)
	}
	s.more = more
	return resp, nil
}
