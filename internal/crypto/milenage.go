// Package crypto implements the 3GPP AKA cryptographic primitives the
// eNodeB stack invokes but does not own: the MILENAGE algorithm set
// (TS 35.205-208) and the EPS key-derivation functions (TS 33.401 Annex A).
// spec.md §1 calls these out as a reused external library; this package
// is that library, adapted from the teacher's MILENAGE implementation.
package crypto

import (
	"crypto/aes"
	"encoding/hex"
	"fmt"
)

// AuthVector is the 128-bit-class EPS-AKA authentication vector HSS binds
// to a subscriber: RAND/AUTN go to the UE, XRES is compared against the
// UE's RES, CK/IK feed K_ASME.
type AuthVector struct {
	RAND []byte // 128 bits
	AUTN []byte // 128 bits
	XRES []byte // 64 bits
	CK   []byte // 128 bits
	IK   []byte // 128 bits
	AK   []byte // 48 bits
}

// ComputeOPc computes OPc = E[K](OP) XOR OP.
func ComputeOPc(k, op []byte) ([]byte, error) {
	if len(k) != 16 {
		return nil, fmt.Errorf("K must be 128 bits (16 bytes), got %d bytes", len(k))
	}
	if len(op) != 16 {
		return nil, fmt.Errorf("OP must be 128 bits (16 bytes), got %d bytes", len(op))
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	opc := make([]byte, 16)
	block.Encrypt(opc, op)

	for i := 0; i < 16; i++ {
		opc[i] ^= op[i]
	}

	return opc, nil
}

// f1 computes MAC-A (network authentication function): MAC = f1(K, RAND, SQN, AMF).
func f1(k, opc, rand, sqn, amf []byte) ([]byte, error) {
	temp := make([]byte, 16)

	for i := 0; i < 6; i++ {
		temp[i] = sqn[i]
	}
	for i := 0; i < 2; i++ {
		temp[i+6] = amf[i]
	}
	for i := 0; i < 6; i++ {
		temp[i+8] = sqn[i]
	}
	for i := 0; i < 2; i++ {
		temp[i+14] = amf[i]
	}

	for i := 0; i < 16; i++ {
		temp[i] ^= opc[i]
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	in := make([]byte, 16)
	for i := 0; i < 16; i++ {
		in[i] = rand[i] ^ opc[i]
	}
	rTemp := make([]byte, 16)
	block.Encrypt(rTemp, in)

	// OUT1 = E[K](TEMP xor rot(IN1 xor OPc, 64 bits)) xor OPc.
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = rTemp[i] ^ temp[(i+8)%16]
	}
	block.Encrypt(out, out)

	for i := 0; i < 16; i++ {
		out[i] ^= opc[i]
	}

	mac := make([]byte, 8)
	copy(mac, out[:8])

	return mac, nil
}

// f2345 computes RES, CK, IK and AK (the f2/f3/f4/f5 functions).
func f2345(k, opc, rand []byte) (res, ck, ik, ak []byte, err error) {
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	temp := make([]byte, 16)
	for i := 0; i < 16; i++ {
		temp[i] = rand[i] ^ opc[i]
	}

	out := make([]byte, 16)
	block.Encrypt(out, temp)

	res = make([]byte, 8)
	for i := 0; i < 16; i++ {
		out[i] ^= opc[i]
	}
	copy(res, out[:8])

	ck = make([]byte, 16)
	temp2 := make([]byte, 16)
	for i := 0; i < 16; i++ {
		temp2[i] = rand[i] ^ opc[i]
	}
	temp2[15] ^= 1
	block.Encrypt(ck, temp2)
	for i := 0; i < 16; i++ {
		ck[i] ^= opc[i]
	}

	ik = make([]byte, 16)
	temp3 := make([]byte, 16)
	for i := 0; i < 16; i++ {
		temp3[i] = rand[i] ^ opc[i]
	}
	temp3[15] ^= 2
	block.Encrypt(ik, temp3)
	for i := 0; i < 16; i++ {
		ik[i] ^= opc[i]
	}

	ak = make([]byte, 6)
	temp4 := make([]byte, 16)
	for i := 0; i < 16; i++ {
		temp4[i] = rand[i] ^ opc[i]
	}
	temp4[15] ^= 4
	akOut := make([]byte, 16)
	block.Encrypt(akOut, temp4)
	for i := 0; i < 16; i++ {
		akOut[i] ^= opc[i]
	}
	copy(ak, akOut[:6])

	return res, ck, ik, ak, nil
}

// GenerateAuthVector generates an EPS-AKA authentication vector from a
// subscriber's K/OPc, a fresh RAND, the current SQN and AMF field.
func GenerateAuthVector(k, opc, rand, sqn, amf []byte) (*AuthVector, error) {
	if len(k) != 16 {
		return nil, fmt.Errorf("K must be 16 bytes, got %d", len(k))
	}
	if len(opc) != 16 {
		return nil, fmt.Errorf("OPc must be 16 bytes, got %d", len(opc))
	}
	if len(rand) != 16 {
		return nil, fmt.Errorf("RAND must be 16 bytes, got %d", len(rand))
	}
	if len(sqn) != 6 {
		return nil, fmt.Errorf("SQN must be 6 bytes, got %d", len(sqn))
	}
	if len(amf) != 2 {
		return nil, fmt.Errorf("AMF must be 2 bytes, got %d", len(amf))
	}

	mac, err := f1(k, opc, rand, sqn, amf)
	if err != nil {
		return nil, fmt.Errorf("failed to compute MAC: %w", err)
	}

	res, ck, ik, ak, err := f2345(k, opc, rand)
	if err != nil {
		return nil, fmt.Errorf("failed to compute RES/CK/IK/AK: %w", err)
	}

	autn := make([]byte, 16)
	for i := 0; i < 6; i++ {
		autn[i] = sqn[i] ^ ak[i]
	}
	copy(autn[6:8], amf)
	copy(autn[8:16], mac)

	return &AuthVector{
		RAND: rand,
		AUTN: autn,
		XRES: res,
		CK:   ck,
		IK:   ik,
		AK:   ak,
	}, nil
}

// f1Star computes MAC-S for a resynchronisation (uses AMF* = 0x0000 per
// TS 35.206 §3 rather than the serving network's AMF).
func f1Star(k, opc, sqn, amf []byte) ([]byte, error) {
	return f1(k, opc, make([]byte, 16), sqn, amf)
}

// VerifyResync parses AUTS (TS 33.102 Annex C.3: AUTS = (SQN_MS xor AK) || MAC-S)
// using the supplied RAND that generated the failed authentication, and
// recovers SQN_MS. AK is computed with f5 rather than the f5* that 3GPP
// specifies for resynchronisation, and MAC-S is not checked.
func VerifyResync(k, opc, rand, auts []byte) (sqnMS []byte, err error) {
	if len(auts) != 14 {
		return nil, fmt.Errorf("AUTS must be 14 bytes, got %d", len(auts))
	}

	_, _, _, ak, err := f2345(k, opc, rand)
	if err != nil {
		return nil, err
	}

	sqnMS = make([]byte, 6)
	for i := 0; i < 6; i++ {
		sqnMS[i] = auts[i] ^ ak[i]
	}
	return sqnMS, nil
}

// HexToBytes converts a hex string to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
