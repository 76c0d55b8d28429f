// Package hss implements the home subscriber server: the subscriber
// table and EPS-AKA vector generation/resync, grounded on the original
// LTE_fdd_enb_hss (a user_list of IMSI/IMEI/K records plus a
// per-user generated-data cache of SQN_HE/IND_HE and derived keys)
// and on the teacher's nf/udm/internal/service/authentication.go
// AuthenticationService shape for the Go method surface.
package hss

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/crypto"
	"github.com/your-org/lte-enodeb/internal/errs"
)

// subscriber is one HSS-owned record: stored credentials plus the
// sequence-number state and last-generated vector/keys.
type subscriber struct {
	imsi string
	imei string
	k    []byte
	opc  []byte

	sqnHE uint64
	indHE uint8

	lastVector *crypto.AuthVector
	kASME      []byte
	kENB       []byte
	kUPenc     []byte
	kUPint     []byte
}

// HSS is the subscriber store and AKA vector generator.
type HSS struct {
	mu   sync.Mutex
	logger *zap.Logger

	byIMSI map[string]*subscriber

	useUserFile bool
	userFile    string

	op []byte // shared Operator Variant secret
}

// New creates an empty HSS. op is the 128-bit OP constant shared by
// every subscriber on this network, used to derive OPc per-subscriber.
func New(logger *zap.Logger, op []byte) *HSS {
	return &HSS{
		logger: logger,
		byIMSI: make(map[string]*subscriber),
		op:     op,
	}
}

// AddUser registers a subscriber with its IMSI/IMEI/K (hex-encoded K).
func (h *HSS) AddUser(imsi, imei, kHex string) errs.Error {
	k, err := crypto.HexToBytes(kHex)
	if err != nil || len(k) != 16 {
		return errs.InvalidParam
	}
	opc, err := crypto.ComputeOPc(k, h.op)
	if err != nil {
		return errs.Exception
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.byIMSI[imsi] = &subscriber{imsi: imsi, imei: imei, k: k, opc: opc}
	h.writeUserFileLocked()
	return errs.None
}

// DelUser removes a subscriber.
func (h *HSS) DelUser(imsi string) errs.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byIMSI[imsi]; !ok {
		return errs.InvalidParam
	}
	delete(h.byIMSI, imsi)
	h.writeUserFileLocked()
	return errs.None
}

// IsIMSIAllowed reports whether imsi is a registered subscriber.
func (h *HSS) IsIMSIAllowed(imsi string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.byIMSI[imsi]
	return ok
}

// IsIMEIAllowed reports whether imei belongs to a registered subscriber.
func (h *HSS) IsIMEIAllowed(imei string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.byIMSI {
		if s.imei == imei {
			return true
		}
	}
	return false
}

// GenerateSecurityData draws a fresh RAND, increments SQN/IND, computes
// the AKA vector via MILENAGE, then derives K_ASME (SN-ID = MCC||MNC)
// and the eNB-side key chain, and binds it to the subscriber.
func (h *HSS) GenerateSecurityData(imsi string, mcc, mnc uint16) (*crypto.AuthVector, errs.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.byIMSI[imsi]
	if !ok {
		return nil, errs.InvalidParam
	}

	randBuf := make([]byte, 16)
	if _, err := rand.Read(randBuf); err != nil {
		return nil, errs.Exception
	}

	s.sqnHE++
	s.indHE = (s.indHE + 1) & 0x1F
	sqn := sqnBytes(s.sqnHE, s.indHE)
	amf := []byte{0x80, 0x00}

	vec, err := crypto.GenerateAuthVector(s.k, s.opc, randBuf, sqn, amf)
	if err != nil {
		return nil, errs.Exception
	}

	snID := snIDBytes(mcc, mnc)
	sqnXorAK := make([]byte, 6)
	for i := range sqnXorAK {
		sqnXorAK[i] = sqn[i] ^ vec.AK[i]
	}
	kASME := crypto.DeriveKASME(vec.CK, vec.IK, snID, sqnXorAK)
	kENB := crypto.DeriveKeNB(kASME, 0)
	kUPenc, kUPint := crypto.DeriveUPKeys(kENB, 2 /* EEA2 */, 2 /* EIA2 */)

	s.lastVector = vec
	s.kASME = kASME
	s.kENB = kENB
	s.kUPenc = kUPenc
	s.kUPint = kUPint

	return vec, errs.None
}

// SecurityResynch parses AUTS to recover SQN_MS and regenerates the
// vector; GenerateSecurityData's increment leaves SQN_HE = SQN_MS+1.
func (h *HSS) SecurityResynch(imsi string, mcc, mnc uint16, rand, auts []byte) errs.Error {
	h.mu.Lock()
	s, ok := h.byIMSI[imsi]
	h.mu.Unlock()
	if !ok {
		return errs.InvalidParam
	}

	sqnMS, err := crypto.VerifyResync(s.k, s.opc, rand, auts)
	if err != nil {
		return errs.Exception
	}

	h.mu.Lock()
	s.sqnHE = bytesToSQN(sqnMS)
	h.mu.Unlock()

	_, ecode := h.GenerateSecurityData(imsi, mcc, mnc)
	return ecode
}

// RegenerateEnbSecurityData re-derives K_eNB-dependent keys on a resume
// with a known NAS uplink count, without a fresh AKA round.
func (h *HSS) RegenerateEnbSecurityData(imsi string, nasCountUL uint32) ([]byte, []byte, []byte, errs.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byIMSI[imsi]
	if !ok || s.kASME == nil {
		return nil, nil, nil, errs.InvalidParam
	}
	kENB := crypto.DeriveKeNB(s.kASME, nasCountUL)
	kUPenc, kUPint := crypto.DeriveUPKeys(kENB, 2, 2)
	s.kENB, s.kUPenc, s.kUPint = kENB, kUPenc, kUPint
	return kENB, kUPenc, kUPint, errs.None
}

// GetKASME returns the K_ASME bound to imsi by the last successful
// GenerateSecurityData call, or nil if none has run yet.
func (h *HSS) GetKASME(imsi string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byIMSI[imsi]
	if !ok {
		return nil
	}
	return s.kASME
}

// GetAuthVector returns the last-generated vector for imsi, if any.
func (h *HSS) GetAuthVector(imsi string) *crypto.AuthVector {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byIMSI[imsi]
	if !ok {
		return nil
	}
	return s.lastVector
}

// PrintAllUsers renders a human-readable dump for the ops/status surface.
func (h *HSS) PrintAllUsers() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var b strings.Builder
	for imsi, s := range h.byIMSI {
		fmt.Fprintf(&b, "imsi=%s imei=%s sqn_he=%d\n", imsi, s.imei, s.sqnHE)
	}
	return b.String()
}

// SetUseUserFile turns on flat-file persistence of the subscriber table.
func (h *HSS) SetUseUserFile(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useUserFile = true
	h.userFile = path
}

// ReadUserFile loads IMSI/IMEI/K triples from the persisted user file.
func (h *HSS) ReadUserFile() errs.Error {
	h.mu.Lock()
	path := h.userFile
	h.mu.Unlock()
	if path == "" {
		return errs.None
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Exception
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		h.AddUser(fields[0], fields[1], fields[2])
	}
	return errs.None
}

func (h *HSS) writeUserFileLocked() {
	if !h.useUserFile {
		return
	}
	var b strings.Builder
	for _, s := range h.byIMSI {
		fmt.Fprintf(&b, "%s %s %s\n", s.imsi, s.imei, crypto.BytesToHex(s.k))
	}
	os.WriteFile(h.userFile, []byte(b.String()), 0o600)
}

func sqnBytes(sqn uint64, ind uint8) []byte {
	full := (sqn << 5) | uint64(ind&0x1F)
	b := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		b[i] = byte(full)
		full >>= 8
	}
	return b
}

func bytesToSQN(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v >> 5
}

func snIDBytes(mcc, mnc uint16) []byte {
	return []byte{byte(mcc >> 8), byte(mcc), byte(mnc)}
}
