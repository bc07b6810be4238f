package stanza

import "github.com/meszmate/xmppconn/internal/xmpp/xmlstream"

// Kind is the closed set of stream-level children the engine reacts to.
type Kind int

const (
	KindUnknown Kind = iota
	KindFeatures
	KindStreamError
	KindProceed
	KindTLSFailure
	KindSASLChallenge
	KindSASLSuccess
	KindSASLFailure
	KindSASL2Challenge
	KindSASL2Success
	KindSASL2Failure
	KindSASL2Continue
	KindSMEnabled
	KindSMResumed
	KindSMFailed
	KindSMAck
	KindSMRequest
	KindIQ
	KindMessage
	KindPresence
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindFeatures:       "features",
	KindStreamError:    "stream-error",
	KindProceed:        "proceed",
	KindTLSFailure:     "tls-failure",
	KindSASLChallenge:  "sasl-challenge",
	KindSASLSuccess:    "sasl-success",
	KindSASLFailure:    "sasl-failure",
	KindSASL2Challenge: "sasl2-challenge",
	KindSASL2Success:   "sasl2-success",
	KindSASL2Failure:   "sasl2-failure",
	KindSASL2Continue:  "sasl2-continue",
	KindSMEnabled:      "sm-enabled",
	KindSMResumed:      "sm-resumed",
	KindSMFailed:       "sm-failed",
	KindSMAck:          "sm-ack",
	KindSMRequest:      "sm-request",
	KindIQ:             "iq",
	KindMessage:        "message",
	KindPresence:       "presence",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

type key struct{ space, local string }

var kinds = map[key]Kind{
	{NSStream, "features"}: KindFeatures,
	{NSStream, "error"}:    KindStreamError,
	{NSTLS, "proceed"}:     KindProceed,
	{NSTLS, "failure"}:     KindTLSFailure,
	{NSSASL, "challenge"}:  KindSASLChallenge,
	{NSSASL, "success"}:    KindSASLSuccess,
	{NSSASL, "failure"}:    KindSASLFailure,
	{NSSASL2, "challenge"}: KindSASL2Challenge,
	{NSSASL2, "success"}:   KindSASL2Success,
	{NSSASL2, "failure"}:   KindSASL2Failure,
	{NSSASL2, "continue"}:  KindSASL2Continue,
	{NSSM, "enabled"}:      KindSMEnabled,
	{NSSM, "resumed"}:      KindSMResumed,
	{NSSM, "failed"}:       KindSMFailed,
	{NSSM, "a"}:            KindSMAck,
	{NSSM, "r"}:            KindSMRequest,
	{NSClient, "iq"}:       KindIQ,
	{NSClient, "message"}:  KindMessage,
	{NSClient, "presence"}: KindPresence,
}

// Classify maps a top-level element to its Kind.
func Classify(el *xmlstream.Element) Kind {
	if el == nil {
		return KindUnknown
	}
	return kinds[key{el.Name.Space, el.Name.Local}]
}
