package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// Algorithm-type distinguisher bytes (TS 33.401 Annex A.7, table A.7-1):
// the first input parameter to the NAS/AS key-derivation KDF, identifying
// which of the six derived keys is being produced.
const (
	AlgTypeNASEnc = 0x01
	AlgTypeNASInt = 0x02
	AlgTypeRRCEnc = 0x03
	AlgTypeRRCInt = 0x04
	AlgTypeUPEnc  = 0x05
	AlgTypeUPInt  = 0x06
)

// fcInput builds a TS 33.220 Annex B "S" string: FC || (P0 || L0) ||
// (P1 || L1) || ... where each Li is the big-endian 16-bit length of the
// preceding Pi.
func fcInput(fcValue byte, params ...[]byte) []byte {
	s := []byte{fcValue}
	var l [2]byte
	for _, p := range params {
		s = append(s, p...)
		binary.BigEndian.PutUint16(l[:], uint16(len(p)))
		s = append(s, l[:]...)
	}
	return s
}

// DeriveKASME derives K_ASME = KDF(CK||IK, FC=0x10, SN-id, SQN xor AK),
// TS 33.401 Annex A.2. snID is MCC||MNC encoded per TS 24.301 (3 bytes)
// and sqnXorAK is the 6-byte SQN xor AK value carried in AUTN.
func DeriveKASME(ck, ik, snID, sqnXorAK []byte) []byte {
	key := append(append([]byte{}, ck...), ik...)
	s := fcInput(0x10, snID, sqnXorAK)

	mac := hmac.New(sha256.New, key)
	mac.Write(s)
	return mac.Sum(nil)
}

// DeriveKeNB derives K_eNB = KDF(K_ASME, FC=0x11, NAS uplink COUNT),
// TS 33.401 Annex A.3.
func DeriveKeNB(kASME []byte, nasUplinkCount uint32) []byte {
	var countBytes [4]byte
	binary.BigEndian.PutUint32(countBytes[:], nasUplinkCount)
	s := fcInput(0x11, countBytes[:])

	mac := hmac.New(sha256.New, kASME)
	mac.Write(s)
	return mac.Sum(nil)
}

// deriveAlgKey computes KDF(key, FC=0x15, algType, algID), TS 33.401
// Annex A.7, and returns the low 128 bits — algType is one of the
// AlgType* distinguishers above, algID is the negotiated EEA/EIA (or
// UEA/UIA) algorithm number.
func deriveAlgKey(key []byte, algType byte, algID uint8) []byte {
	s := fcInput(0x15, []byte{algType}, []byte{algID})

	mac := hmac.New(sha256.New, key)
	mac.Write(s)
	full := mac.Sum(nil)
	return full[16:32]
}

// DeriveNASKeys derives K_NASenc and K_NASint from K_ASME and the
// negotiated EEA/EIA algorithm identifiers.
func DeriveNASKeys(kASME []byte, eea, eia uint8) (kNASenc, kNASint []byte) {
	return deriveAlgKey(kASME, AlgTypeNASEnc, eea), deriveAlgKey(kASME, AlgTypeNASInt, eia)
}

// DeriveRRCKeys derives K_RRCenc and K_RRCint from K_eNB and the
// negotiated EEA/EIA algorithm identifiers.
func DeriveRRCKeys(kENB []byte, eea, eia uint8) (kRRCenc, kRRCint []byte) {
	return deriveAlgKey(kENB, AlgTypeRRCEnc, eea), deriveAlgKey(kENB, AlgTypeRRCInt, eia)
}

// DeriveUPKeys derives K_UPenc and K_UPint from K_eNB and the negotiated
// EEA/EIA algorithm identifiers.
func DeriveUPKeys(kENB []byte, eea, eia uint8) (kUPenc, kUPint []byte) {
	return deriveAlgKey(kENB, AlgTypeUPEnc, eea), deriveAlgKey(kENB, AlgTypeUPInt, eia)
}

// DeriveNHForReestablishment derives a Next Hop key (NH) for the
// K_eNB-refresh chain used on RRC re-establishment / handover-style
// re-keys: NH = KDF(K_ASME, FC=0x12, SYNC-input=previous K_eNB or NH).
func DeriveNHForReestablishment(kASME, syncInput []byte) []byte {
	s := fcInput(0x12, syncInput)

	mac := hmac.New(sha256.New, kASME)
	mac.Write(s)
	return mac.Sum(nil)
}
