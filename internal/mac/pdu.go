package mac

import "encoding/binary"

// LCID identifies a MAC logical channel, including the MAC control
// elements the original's PUSCH demultiplexer recognizes.
type LCID uint8

const (
	LCIDCCCH           LCID = 0
	LCIDPowerHeadroom  LCID = 26
	LCIDCRNTI          LCID = 27
	LCIDShortBSR       LCID = 29
	LCIDLongBSR        LCID = 30
	LCIDPadding        LCID = 31
)

// SubPDU is one LCID-tagged sub-PDU inside a MAC transport block. Real
// LTE MAC packs these behind a 1-2 byte R/R/E/LCID[/F/L] subheader;
// here each sub-PDU instead carries an explicit LCID + length-prefixed
// payload, the in-scope Go-idiomatic equivalent of that bit layout
// (the exact ASN.1/bit-level MAC header packing is the external coding
// library spec.md §1 calls out, not reimplemented bit-for-bit here).
type SubPDU struct {
	LCID    LCID
	Payload []byte
}

// PackMACPDU concatenates sub-PDUs into one transport block:
// [LCID(1) | len(2, big-endian) | payload]... for each sub-PDU.
func PackMACPDU(subs []SubPDU) []byte {
	var out []byte
	for _, s := range subs {
		hdr := make([]byte, 3)
		hdr[0] = byte(s.LCID)
		binary.BigEndian.PutUint16(hdr[1:3], uint16(len(s.Payload)))
		out = append(out, hdr...)
		out = append(out, s.Payload...)
	}
	return out
}

// UnpackMACPDU reverses PackMACPDU, tolerating a trailing short read by
// stopping rather than panicking (the original pads to TBS; padding
// octets are dropped here once the header no longer parses).
func UnpackMACPDU(pdu []byte) []SubPDU {
	var subs []SubPDU
	for len(pdu) >= 3 {
		lcid := LCID(pdu[0])
		l := int(binary.BigEndian.Uint16(pdu[1:3]))
		pdu = pdu[3:]
		if l > len(pdu) {
			break
		}
		var payload []byte
		if l > 0 {
			payload = pdu[:l]
		}
		subs = append(subs, SubPDU{LCID: lcid, Payload: payload})
		pdu = pdu[l:]
	}
	return subs
}
