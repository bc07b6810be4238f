package stanza

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/xmppconn/internal/xmpp/xmlstream"
)

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		`<features xmlns='http://etherx.jabber.org/streams'/>`: KindFeatures,
		`<error xmlns='http://etherx.jabber.org/streams'/>`:    KindStreamError,
		`<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`:   KindProceed,
		`<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`:  KindSASLSuccess,
		`<success xmlns='urn:xmpp:sasl:2'/>`:                   KindSASL2Success,
		`<continue xmlns='urn:xmpp:sasl:2'/>`:                  KindSASL2Continue,
		`<a xmlns='urn:xmpp:sm:3' h='3'/>`:                     KindSMAck,
		`<r xmlns='urn:xmpp:sm:3'/>`:                           KindSMRequest,
		`<iq xmlns='jabber:client' type='result'/>`:            KindIQ,
		`<message xmlns='jabber:client'/>`:                     KindMessage,
		`<presence xmlns='jabber:client'/>`:                    KindPresence,
		`<message xmlns='jabber:server'/>`:                     KindUnknown,
		`<whatever xmlns='urn:example'/>`:                      KindUnknown,
	}
	for raw, want := range cases {
		el, err := xmlstream.Parse(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, Classify(el), raw)
	}
	assert.Equal(t, KindUnknown, Classify(nil))
}

func TestStreamErrorCondition(t *testing.T) {
	el, err := xmlstream.Parse(`<stream:error xmlns:stream='http://etherx.jabber.org/streams'>` +
		`<policy-violation xmlns='urn:ietf:params:xml:ns:xmpp-streams'/>` +
		`<text xmlns='urn:ietf:params:xml:ns:xmpp-streams'>slow down</text></stream:error>`)
	require.NoError(t, err)

	e := StreamError(el)
	assert.Equal(t, "policy-violation", e.Condition)
	assert.Equal(t, "slow down", e.Text)
	assert.Equal(t, "policy-violation: slow down", e.Error())
}

func TestStanzaError(t *testing.T) {
	el, err := xmlstream.Parse(`<iq xmlns='jabber:client' type='error' id='1'>` +
		`<error type='cancel'><conflict xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`)
	require.NoError(t, err)

	e, ok := StanzaError(el)
	require.True(t, ok)
	assert.Equal(t, "cancel", e.Type)
	assert.Equal(t, "conflict", e.Condition)

	_, ok = StanzaError(NewIQ(IQResult, ""))
	assert.False(t, ok)
}

func TestAcknowledgeable(t *testing.T) {
	assert.True(t, Acknowledgeable(NewIQ(IQGet, "")))
	assert.True(t, Acknowledgeable(NewMessage("chat", "a@b", "hi")))
	assert.True(t, Acknowledgeable(NewPresence("", "")))
	assert.False(t, Acknowledgeable(xmlstream.New(NSSM, "r")))
	assert.False(t, Acknowledgeable(nil))
}

func TestErrorReplyAddressesRequester(t *testing.T) {
	req, err := xmlstream.Parse(`<iq xmlns='jabber:client' type='get' id='q1' from='x@y/z'><query xmlns='urn:example'/></iq>`)
	require.NoError(t, err)

	reply := ErrorReply(req, "cancel", "service-unavailable")
	assert.Equal(t, "q1", reply.AttrValue("id"))
	assert.Equal(t, "x@y/z", reply.AttrValue("to"))
	assert.Equal(t, IQError, reply.AttrValue("type"))
	assert.True(t, reply.Child(NSClient, "error").HasChild(NSStanzaError, "service-unavailable"))
}
