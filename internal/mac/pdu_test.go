package mac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackMACPDURoundTrip(t *testing.T) {
	subs := []SubPDU{
		{LCID: LCIDShortBSR, Payload: []byte{0x01, 0x02, 0x03, 0x04}},
		{LCID: LCID(3), Payload: []byte("hello world")},
		{LCID: LCIDCCCH, Payload: nil},
	}

	pdu := PackMACPDU(subs)
	got := UnpackMACPDU(pdu)

	require.Len(t, got, len(subs))
	for i := range subs {
		assert.Equal(t, subs[i].LCID, got[i].LCID)
		assert.Equal(t, subs[i].Payload, got[i].Payload)
	}
}

func TestUnpackMACPDUStopsOnShortTrailer(t *testing.T) {
	pdu := PackMACPDU([]SubPDU{{LCID: LCIDCRNTI, Payload: []byte{0xaa, 0xbb}}})
	pdu = append(pdu, 0x1F, 0x00) // one trailing padding byte pair, too short for a header

	got := UnpackMACPDU(pdu)
	require.Len(t, got, 1)
	assert.Equal(t, LCIDCRNTI, got[0].LCID)
}

func TestUnpackMACPDUEmpty(t *testing.T) {
	assert.Empty(t, UnpackMACPDU(nil))
}
