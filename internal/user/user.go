// Package user implements the UE/bearer manager: C-RNTI and M-TMSI
// allocation, UE record storage keyed by an arena handle, RB ownership,
// and the two-phase delayed-deletion sweep.
//
// Grounded on the original LTE_fdd_enb_user_mgr (singleton holding
// user_list/delayed_del_user_list, c_rnti_map, next_m_tmsi/next_c_rnti
// counters) and on the teacher's UEContextManager
// (nf/amf/internal/context/ue_context.go) for the map-plus-RWMutex
// manager shape — UE/RB records here are reached by UeID/RbID handles
// rather than raw pointers, per the arena-handle redesign note.
package user

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/crypto"
	"github.com/your-org/lte-enodeb/internal/errs"
)

// UeID is an arena handle for a UE record, replacing the original's UE*.
type UeID uint32

// RbID is an arena handle for a radio bearer, replacing the original's RB*.
type RbID uint32

// RbIdentity names the five bearers a UE may own.
type RbIdentity uint8

const (
	SRB0 RbIdentity = iota
	SRB1
	SRB2
	DRB1
	DRB2
)

// SecurityCaps mirrors the UE's advertised EEA/EIA/UEA/UIA/GEA bitmasks.
type SecurityCaps struct {
	EEA uint8
	EIA uint8
	UEA uint8
	UIA uint8
	GEA uint8
}

// AuthContext bundles the authentication vector and the derived keys
// bound to one UE.
type AuthContext struct {
	Vector    *crypto.AuthVector
	KASME     []byte
	KeNB      []byte
	KNASenc   []byte
	KNASint   []byte
	KRRCenc   []byte
	KRRCint   []byte
	KUPenc    []byte
	KUPint    []byte
	NASCountUL uint32
	NASCountDL uint32
}

// HarqAlloc is a stored (PDU, allocation) pair awaiting its ACK/NACK
// opportunity, keyed by the TTI at which that opportunity occurs.
type HarqAlloc struct {
	PDU      []byte
	RbID     RbID
	NDI      bool
	RetxCnt  int
	CommitTTI uint32
}

// RB is one radio bearer owned by a UE.
type RB struct {
	mu sync.RWMutex

	ID       RbID
	Owner    UeID
	Identity RbIdentity
	LCID     uint8
	LogChannelGroup uint8

	RRCState string
	MMEState string

	PDCPConfig PDCPConfigSelector

	ContentionResolutionID uint64

	// Reassembly/ARQ state lives in internal/rlc keyed by RbID; this
	// struct only carries the identity and config RLC/PDCP/MAC read.
}

// PDCPConfigSelector chooses the PDCP header/security mode for an RB.
type PDCPConfigSelector uint8

const (
	PDCPPlain PDCPConfigSelector = iota
	PDCPSecurity
	PDCPLongSN
)

func (s PDCPConfigSelector) String() string {
	switch s {
	case PDCPSecurity:
		return "SECURITY"
	case PDCPLongSN:
		return "LONG_SN"
	default:
		return "PLAIN"
	}
}

// UE is one attached or attaching UE record, owned exclusively by
// Manager. References elsewhere in the stack carry UeID, never *UE.
type UE struct {
	mu sync.RWMutex

	ID    UeID
	CRNTI uint16

	IMSI  string
	IMEI  string
	GUTI  string
	MTMSI uint32
	STMSI uint32

	IPAddr net.IP

	Caps SecurityCaps
	Auth AuthContext

	DLNDI bool
	ULNDI bool

	HarqPending map[uint32]*HarqAlloc

	ULBufferBytes uint32

	RBs map[RbIdentity]RbID

	pendingDeletion bool
	inactivityTimer *time.Timer
}

// IsPendingDeletion reports whether prepare_for_deletion has been called.
func (u *UE) IsPendingDeletion() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.pendingDeletion
}

// Manager owns every live UE and RB record plus the C-RNTI/M-TMSI
// allocators, mirroring LTE_fdd_enb_user_mgr.
type Manager struct {
	mu sync.RWMutex

	logger *zap.Logger

	users         map[UeID]*UE
	delayedDelete map[UeID]*UE
	nextUeID      UeID

	rbs    map[RbID]*RB
	nextRbID RbID

	crntiMap map[uint16]UeID
	nextCRNTI uint16

	nextMTMSI uint32

	inactivityWindow time.Duration
}

// NewManager creates an empty user/bearer manager.
func NewManager(logger *zap.Logger, inactivityWindow time.Duration) *Manager {
	if inactivityWindow <= 0 {
		inactivityWindow = 10 * time.Second
	}
	return &Manager{
		logger:           logger,
		users:            make(map[UeID]*UE),
		delayedDelete:    make(map[UeID]*UE),
		rbs:              make(map[RbID]*RB),
		crntiMap:         make(map[uint16]UeID),
		nextCRNTI:        1,
		inactivityWindow: inactivityWindow,
	}
}

// AssignCRNTI allocates a fresh C-RNTI and creates the backing UE
// record; a C-RNTI is never live against two UE records at once.
func (m *Manager) AssignCRNTI() (UeID, uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var crnti uint16
	for {
		m.nextCRNTI++
		if m.nextCRNTI == 0 {
			m.nextCRNTI = 1
		}
		if _, taken := m.crntiMap[m.nextCRNTI]; !taken {
			crnti = m.nextCRNTI
			break
		}
	}

	m.nextUeID++
	id := m.nextUeID
	ue := &UE{
		ID:          id,
		CRNTI:       crnti,
		HarqPending: make(map[uint32]*HarqAlloc),
		RBs:         make(map[RbIdentity]RbID),
	}
	m.users[id] = ue
	m.crntiMap[crnti] = id
	m.resetInactivityLocked(ue)
	return id, crnti
}

// ReleaseCRNTI frees crnti for reuse without deleting the UE record
// (used when a transient C-RNTI is superseded by TransferCRNTI).
func (m *Manager) ReleaseCRNTI(crnti uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.crntiMap, crnti)
}

// TransferCRNTI rebinds a UE record found via a PUSCH C-RNTI control
// element: the transient C-RNTI id was assigned under is released and
// replaced by the embedded one.
func (m *Manager) TransferCRNTI(transient UeID, embedded uint16) errs.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ue, ok := m.users[transient]
	if !ok {
		return errs.InvalidParam
	}
	delete(m.crntiMap, ue.CRNTI)
	ue.mu.Lock()
	ue.CRNTI = embedded
	ue.mu.Unlock()
	m.crntiMap[embedded] = transient
	return errs.None
}

// ResetInactivityTimer restarts U's inactivity window; expiry releases
// its C-RNTI. Callers hold no lock.
func (m *Manager) ResetInactivityTimer(id UeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.users[id]
	if !ok {
		return
	}
	m.resetInactivityLocked(ue)
}

func (m *Manager) resetInactivityLocked(ue *UE) {
	if ue.inactivityTimer != nil {
		ue.inactivityTimer.Stop()
	}
	id := ue.ID
	ue.inactivityTimer = time.AfterFunc(m.inactivityWindow, func() {
		m.PrepareForDeletion(id)
	})
}

// NextMTMSI returns the next monotonic M-TMSI value.
func (m *Manager) NextMTMSI() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMTMSI++
	return m.nextMTMSI
}

// AddRB creates and attaches a new RB of the given identity to owner.
func (m *Manager) AddRB(owner UeID, identity RbIdentity, lcid, lcg uint8) (RbID, errs.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ue, ok := m.users[owner]
	if !ok {
		return 0, errs.InvalidParam
	}

	m.nextRbID++
	id := m.nextRbID
	rb := &RB{
		ID:              id,
		Owner:           owner,
		Identity:        identity,
		LCID:            lcid,
		LogChannelGroup: lcg,
		PDCPConfig:      PDCPPlain,
	}
	m.rbs[id] = rb
	ue.mu.Lock()
	ue.RBs[identity] = id
	ue.mu.Unlock()
	return id, errs.None
}

// FindByIMSI looks up a UE by IMSI.
func (m *Manager) FindByIMSI(imsi string) (UeID, bool) {
	return m.find(func(u *UE) bool { return u.IMSI == imsi })
}

// FindByCRNTI looks up a UE by C-RNTI.
func (m *Manager) FindByCRNTI(crnti uint16) (UeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.crntiMap[crnti]
	return id, ok
}

// FindByGUTI looks up a UE by GUTI.
func (m *Manager) FindByGUTI(guti string) (UeID, bool) {
	return m.find(func(u *UE) bool { return u.GUTI == guti })
}

// FindBySTMSI looks up a UE by S-TMSI.
func (m *Manager) FindBySTMSI(stmsi uint32) (UeID, bool) {
	return m.find(func(u *UE) bool { return u.STMSI == stmsi })
}

// FindByIP looks up a UE by its bound IP address.
func (m *Manager) FindByIP(ip net.IP) (UeID, bool) {
	return m.find(func(u *UE) bool { return u.IPAddr != nil && u.IPAddr.Equal(ip) })
}

func (m *Manager) find(pred func(*UE) bool) (UeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, ue := range m.users {
		ue.mu.RLock()
		match := pred(ue)
		ue.mu.RUnlock()
		if match {
			return id, true
		}
	}
	return 0, false
}

// Get returns the UE record for id, or nil if it doesn't exist or is
// already in the delayed-deletion list.
func (m *Manager) Get(id UeID) *UE {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[id]
}

// GetRB returns the RB record for id.
func (m *Manager) GetRB(id RbID) *RB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rbs[id]
}

// PrepareForDeletion marks a UE for two-phase deletion: it moves from
// the active list into the delayed-deletion list immediately so no new
// lookups find it, but the record itself is kept alive until Sweep
// confirms no queued message still references it.
func (m *Manager) PrepareForDeletion(id UeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.users[id]
	if !ok {
		return
	}
	ue.mu.Lock()
	ue.pendingDeletion = true
	ue.mu.Unlock()
	delete(m.users, id)
	delete(m.crntiMap, ue.CRNTI)
	m.delayedDelete[id] = ue
	if m.logger != nil {
		m.logger.Info("user marked for deletion", zap.Uint32("ue_id", uint32(id)))
	}
}

// Sweep finalizes deletion of every UE in the delayed list for which
// drained reports no outstanding reference. Call periodically from a
// background goroutine.
func (m *Manager) Sweep(drained func(UeID) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.delayedDelete {
		if drained(id) {
			delete(m.delayedDelete, id)
			if m.logger != nil {
				m.logger.Debug("user record freed", zap.Uint32("ue_id", uint32(id)))
			}
		}
	}
}

// AllUeIDs returns the handles of every live (non-deleted) UE, for
// callers that need to scan every UE's per-UE state (e.g. MAC's HARQ
// table sweep).
func (m *Manager) AllUeIDs() []UeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UeID, 0, len(m.users))
	for id := range m.users {
		out = append(out, id)
	}
	return out
}

// PrintAllUsers renders a human-readable dump of every live user,
// mirroring print_all_users for the ops/status surface.
func (m *Manager) PrintAllUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users))
	for _, ue := range m.users {
		ue.mu.RLock()
		out = append(out, ue.IMSI)
		ue.mu.RUnlock()
	}
	return out
}

// Count returns the number of live (non-deleted) UE records.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}
