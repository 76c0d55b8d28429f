// Package mac implements the eNodeB's MAC scheduling core: random
// access, DL/UL scheduling, HARQ retransmission, PUSCH demultiplexing,
// and the periodic SR-PUCCH table. Grounded on the original
// LTE_fdd_enb_mac (RAR/DL/UL/SR sched queues, a 10-slot
// sched_dl_subfr/sched_ul_subfr ring keyed by tti mod 10, and the
// handle_* dispatch table reading PHY/RLC messages) — reimplemented
// with Go slices/maps guarded by a mutex instead of the original's
// semaphore-protected queues, and goroutine dispatch instead of the
// message-queue callback thread.
package mac

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/cnfgdb"
	"github.com/your-org/lte-enodeb/internal/errs"
	"github.com/your-org/lte-enodeb/internal/msgq"
	"github.com/your-org/lte-enodeb/internal/obsmetrics"
	"github.com/your-org/lte-enodeb/internal/pcap"
	"github.com/your-org/lte-enodeb/internal/phy"
	"github.com/your-org/lte-enodeb/internal/user"
)

// MaxHARQRetx is the maximum HARQ retransmission count before an
// allocation is silently dropped, per spec.md invariant.
const MaxHARQRetx = 5

// raResponseWindow is the number of subframes after tti+3 within which
// an RAR must be committed before it is discarded.
const raResponseWindow = 10

var tracer = otel.Tracer("enodeb/mac")

// rarEntry is a pending Random Access Response awaiting a scheduling slot.
type rarEntry struct {
	ueID       user.UeID
	tempCRNTI  uint16
	preambleTTI uint32
	timingAdv  uint16
}

// dlEntry is a queued downlink SDU awaiting its target TTI.
type dlEntry struct {
	ueID      user.UeID
	rbID      user.RbID
	sdu       []byte
	targetTTI uint32
}

// ulEntry is a queued uplink grant awaiting its target TTI.
type ulEntry struct {
	ueID          user.UeID
	rbID          user.RbID
	requestedBits uint32
	targetTTI     uint32
	ndi           bool
}

// srEntry is a registered periodic PUCCH-SR reservation.
type srEntry struct {
	crnti   uint16
	iSR     uint32
	n1PUCCH uint32
}

// MAC is the scheduling core.
type MAC struct {
	mu sync.Mutex

	logger  *zap.Logger
	cnfgDB  *cnfgdb.DB
	userMgr *user.Manager
	fabric  *msgq.Fabric
	queue   *msgq.Queue

	rarQueue []rarEntry
	dlQueue  []dlEntry
	ulQueue  []ulEntry
	srTable  map[uint16]srEntry

	nextPRBCursor [10]uint8

	lastDLTTI   uint32
	haveLastTTI bool

	pcapW *pcap.Writer
}

// SetPCAP attaches a pcap capture writer: every committed DL/UL MAC PDU
// is mirrored to it from then on. Passing nil disables capture again.
func (m *MAC) SetPCAP(w *pcap.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pcapW = w
}

// maxTTIDrift bounds how many subframes of silent gap between
// consecutive HandleReadyToSend calls is treated as ordinary jitter
// rather than a PHY stall. Per spec.md §9's open question, whether
// fast-forwarding past a long stall is the right call is unclear; the
// original's behavior (drop the intervening subframes silently) is
// preserved here, with a counted metric rather than a log flood.
const maxTTIDrift = 10

// New constructs a MAC scheduler bound to the given config DB and user manager.
func New(logger *zap.Logger, cnfgDB *cnfgdb.DB, userMgr *user.Manager) *MAC {
	return &MAC{
		logger:  logger,
		cnfgDB:  cnfgDB,
		userMgr: userMgr,
		srTable: make(map[uint16]srEntry),
	}
}

// Start attaches MAC's consumer queue to fabric and begins its
// consumer goroutine.
func (m *MAC) Start(ctx context.Context, fabric *msgq.Fabric) {
	m.fabric = fabric
	m.queue = fabric.NewQueue(msgq.LayerMAC, msgq.DefaultCapacity, true)
	m.queue.Attach(msgq.MacSduReady, func(msg msgq.Message) {
		if d, ok := msg.Payload.(DownlinkSDU); ok {
			m.EnqueueDLSDU(d.UeID, d.RbID, d.SDU, 0)
		}
	})
	m.queue.Attach(msgq.TimerTick, func(msgq.Message) {})
	go m.queue.Run(ctx)
}

// AddPeriodicSRPUCCH registers a (C-RNTI, I_SR, n_1_PUCCH) SR reservation.
func (m *MAC) AddPeriodicSRPUCCH(crnti uint16, iSR, n1PUCCH uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.srTable[crnti] = srEntry{crnti: crnti, iSR: iSR, n1PUCCH: n1PUCCH}
}

// RemovePeriodicSRPUCCH deregisters crnti's SR reservation.
func (m *MAC) RemovePeriodicSRPUCCH(crnti uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.srTable, crnti)
}

// enqueueDL appends a downlink SDU to the DL scheduling queue.
func (m *MAC) enqueueDL(e dlEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlQueue = append(m.dlQueue, e)
}

// HandlePrachDecode allocates a UE+C-RNTI for each decoded preamble and
// queues an RAR on the RAR queue keyed by the PRACH TTI.
func (m *MAC) HandlePrachDecode(e phy.PrachEvent) {
	_, span := tracer.Start(context.Background(), "MAC.HandlePrachDecode")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, preamble := range e.Preambles {
		_ = preamble
		ueID, crnti := m.userMgr.AssignCRNTI()
		adv := uint16(0)
		if i < len(e.TimingAdv) {
			adv = e.TimingAdv[i]
		}
		m.rarQueue = append(m.rarQueue, rarEntry{
			ueID:        ueID,
			tempCRNTI:   crnti,
			preambleTTI: e.CurrentTTI,
			timingAdv:   adv,
		})
		obsmetrics.RecordRandomAccess("allocated")
	}
}

// raRNTI computes the RA-RNTI for a PRACH TTI, per §6: 1 + (tti mod 10).
func raRNTI(tti uint32) uint16 {
	return uint16(1 + (tti % 10))
}

// HandleReadyToSend is MAC's single outbound message: build the fully
// populated DL/UL allocation arrays for the requested (dlTTI, ulTTI),
// honoring the ordering RAR > DL retx > new DL FIFO > UL grants.
func (m *MAC) HandleReadyToSend(rts phy.ReadyToSend) phy.Schedule {
	ctx, span := tracer.Start(context.Background(), "MAC.HandleReadyToSend")
	defer span.End()
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haveLastTTI {
		drift := rts.DLTTI - m.lastDLTTI
		if drift > maxTTIDrift {
			obsmetrics.TTIDriftResyncs.Inc()
			if m.logger != nil {
				m.logger.Warn("TTI drift exceeded threshold, fast-forwarding subframe ring",
					zap.Uint32("last_dl_tti", m.lastDLTTI), zap.Uint32("dl_tti", rts.DLTTI))
			}
		}
	}
	m.lastDLTTI = rts.DLTTI
	m.haveLastTTI = true

	sched := phy.Schedule{DLTTI: rts.DLTTI, ULTTI: rts.ULTTI}

	// 1. RAR: commit any RAR whose window (tti+3 .. tti+3+window) covers dlTTI.
	var remainingRAR []rarEntry
	for _, r := range m.rarQueue {
		windowEnd := r.preambleTTI + 3 + raResponseWindow
		if rts.DLTTI >= r.preambleTTI+3 && rts.DLTTI < windowEnd {
			sched.DL = append(sched.DL, phy.DLAllocation{
				RNTI: raRNTI(r.preambleTTI),
				MCS:  0,
				NPRB: 6,
				TBS:  56,
				PDU:  PackMACPDU([]SubPDU{{LCID: LCIDCCCH, Payload: []byte{byte(r.tempCRNTI >> 8), byte(r.tempCRNTI)}}}),
			})
			obsmetrics.RecordRandomAccess("committed")
			continue
		}
		if rts.DLTTI < windowEnd {
			remainingRAR = append(remainingRAR, r)
		} else {
			obsmetrics.RecordRandomAccess("window_elapsed")
			if m.logger != nil {
				m.logger.Warn("RAR response window elapsed", zap.Uint32("preamble_tti", r.preambleTTI))
			}
		}
	}
	m.rarQueue = remainingRAR

	// 2. DL retransmissions: scan every UE's HARQ table for entries due now.
	for _, ueID := range m.liveUEIDsLocked() {
		ue := m.userMgr.Get(ueID)
		if ue == nil {
			continue
		}
		if alloc, ok := ue.HarqPending[rts.DLTTI]; ok && alloc.RetxCnt > 0 {
			sched.DL = append(sched.DL, phy.DLAllocation{RNTI: ue.CRNTI, PDU: alloc.PDU, MCS: mcsForTBS(len(alloc.PDU))})
			m.writePCAPLocked(pcap.PcapDirectionDL, ue.CRNTI, uint16(ueID), rts.DLTTI, alloc.PDU)
		}
	}

	// 3. New DL PDUs in FIFO order.
	var remainingDL []dlEntry
	seenRNTI := make(map[uint16]bool)
	for _, d := range m.dlQueue {
		ue := m.userMgr.Get(d.ueID)
		if ue == nil {
			continue
		}
		if d.targetTTI > rts.DLTTI || seenRNTI[ue.CRNTI] {
			remainingDL = append(remainingDL, d)
			continue
		}
		seenRNTI[ue.CRNTI] = true
		pdu := PackMACPDU([]SubPDU{{LCID: LCID(d.rbID), Payload: d.sdu}})
		sched.DL = append(sched.DL, phy.DLAllocation{RNTI: ue.CRNTI, PDU: pdu, MCS: mcsForTBS(len(pdu))})
		m.writePCAPLocked(pcap.PcapDirectionDL, ue.CRNTI, uint16(d.ueID), rts.DLTTI, pdu)

		ackTTI := rts.DLTTI + 4
		ue.HarqPending[ackTTI] = &user.HarqAlloc{PDU: pdu, RbID: d.rbID, NDI: !ue.DLNDI, CommitTTI: rts.DLTTI}
		ue.DLNDI = !ue.DLNDI
	}
	m.dlQueue = remainingDL

	// 4. UL grants.
	var remainingUL []ulEntry
	for _, u := range m.ulQueue {
		ue := m.userMgr.Get(u.ueID)
		if ue == nil {
			continue
		}
		if u.targetTTI > rts.ULTTI {
			remainingUL = append(remainingUL, u)
			continue
		}
		sched.UL = append(sched.UL, phy.ULAllocation{RNTI: ue.CRNTI, NDI: u.ndi, TBS: u.requestedBits})
	}
	m.ulQueue = remainingUL

	// 6. SR periodic reservations due this UL subframe.
	for crnti, sr := range m.srTable {
		if srDueThisSubframe(sr, rts.ULTTI) {
			sched.SR = append(sched.SR, phy.SRReservation{RNTI: crnti})
		}
	}

	return sched
}

func srDueThisSubframe(sr srEntry, ulTTI uint32) bool {
	period, offset := decodeISR(sr.iSR)
	return period > 0 && (ulTTI+offset)%period == 0
}

// decodeISR returns the period (in subframes) and offset encoded by
// the rolling I_SR index RRC allocates, per the original's SR resource
// table (simplified here to a fixed 20ms-period/linear-offset mapping).
func decodeISR(iSR uint32) (period, offset uint32) {
	return 20, iSR % 20
}

func mcsForTBS(tbsBytes int) uint8 {
	bits := tbsBytes * 8
	switch {
	case bits < 10*100:
		return 5 // QPSK band
	case bits < 17*100:
		return 12 // 16-QAM band
	default:
		return 20 // 64-QAM band
	}
}

// writePCAPLocked mirrors one committed MAC PDU to the capture file, if
// one is attached. Called with m.mu held.
func (m *MAC) writePCAPLocked(direction uint8, rnti uint16, ueID uint16, tti uint32, pdu []byte) {
	if m.pcapW == nil {
		return
	}
	if err := m.pcapW.WriteLTEMAC(direction, rnti, ueID, tti, pdu); err != nil && m.logger != nil {
		m.logger.Warn("pcap write failed", zap.Error(err))
	}
}

func (m *MAC) liveUEIDsLocked() []user.UeID {
	// The HARQ scan walks the handles of every live UE the user manager
	// reports, not the manager's map itself.
	return m.userMgr.AllUeIDs()
}

// HandlePucchDecode processes an ACK/NACK or SR PUCCH opportunity.
func (m *MAC) HandlePucchDecode(e phy.PucchEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ueID, ok := m.userMgr.FindByCRNTI(e.RNTI)
	if !ok {
		if m.logger != nil {
			m.logger.Warn("PUCCH for unknown C-RNTI", zap.Uint16("rnti", e.RNTI))
		}
		return
	}
	ue := m.userMgr.Get(ueID)
	if ue == nil {
		return
	}

	switch e.Kind {
	case phy.PucchAckNack:
		m.handleAckNackLocked(ue, e)
	case phy.PucchSR:
		// Scheduling request: queue a UL grant for the next opportunity.
		m.ulQueue = append(m.ulQueue, ulEntry{ueID: ueID, targetTTI: e.CurrentTTI + 4, requestedBits: 512, ndi: !ue.ULNDI})
		ue.ULNDI = !ue.ULNDI
	}
}

func (m *MAC) handleAckNackLocked(ue *user.UE, e phy.PucchEvent) {
	alloc, ok := ue.HarqPending[e.CurrentTTI]
	if !ok {
		return
	}
	ack := len(e.Bits) > 0 && e.Bits[0] != 0
	if ack {
		delete(ue.HarqPending, e.CurrentTTI)
		obsmetrics.RecordHarqOutcome("ack")
		return
	}

	if alloc.RetxCnt >= MaxHARQRetx {
		delete(ue.HarqPending, e.CurrentTTI)
		obsmetrics.RecordHarqOutcome("dropped")
		if m.logger != nil {
			m.logger.Warn("HARQ retransmission limit exceeded", zap.Uint16("rnti", ue.CRNTI))
		}
		return
	}

	alloc.RetxCnt++
	delete(ue.HarqPending, e.CurrentTTI)
	retxTTI := e.CurrentTTI + 4
	ue.DLNDI = !ue.DLNDI
	ue.HarqPending[retxTTI] = &user.HarqAlloc{PDU: alloc.PDU, RbID: alloc.RbID, NDI: ue.DLNDI, RetxCnt: alloc.RetxCnt, CommitTTI: e.CurrentTTI}
	obsmetrics.RecordHarqOutcome("retransmitted")
}

// HandlePuschDecode demultiplexes a decoded uplink transport block into
// its sub-PDUs and dispatches each by LCID.
func (m *MAC) HandlePuschDecode(e phy.PuschEvent) {
	m.mu.Lock()
	ueID, ok := m.userMgr.FindByCRNTI(e.RNTI)
	m.writePCAPLocked(pcap.PcapDirectionUL, e.RNTI, uint16(ueID), e.CurrentTTI, e.Bits)
	m.mu.Unlock()
	if !ok {
		if m.logger != nil {
			m.logger.Error("PUSCH for unknown C-RNTI", zap.Uint16("rnti", e.RNTI))
		}
		return
	}

	for _, sub := range UnpackMACPDU(e.Bits) {
		switch sub.LCID {
		case LCIDCCCH:
			m.handleCCCHSDU(ueID, sub.Payload)
		case LCIDShortBSR, LCIDLongBSR:
			m.handleBSR(ueID, sub.Payload)
		case LCIDCRNTI:
			m.handleCRNTICE(ueID, sub.Payload)
		case LCIDPowerHeadroom:
			if m.logger != nil {
				m.logger.Debug("power headroom CE ignored")
			}
		case LCIDPadding:
		default:
			m.handleDCCHOrDRBSDU(ueID, sub.LCID, sub.Payload)
		}
	}
}

func (m *MAC) handleCCCHSDU(ueID user.UeID, payload []byte) {
	ue := m.userMgr.Get(ueID)
	if ue == nil || len(payload) < 6 {
		return
	}
	var crID uint64
	for _, b := range payload[:6] {
		crID = crID<<8 | uint64(b)
	}
	rb := m.userMgr.GetRB(ue.RBs[user.SRB0])
	if rb != nil {
		rb.ContentionResolutionID = crID
	}
	m.fabric.Send(msgq.Message{Type: msgq.RlcPduReady, Dest: msgq.LayerRLC, Payload: RLCUplinkSDU{UeID: ueID, RbIdentity: user.SRB0, SDU: payload}})
}

func (m *MAC) handleDCCHOrDRBSDU(ueID user.UeID, lcid LCID, payload []byte) {
	m.fabric.Send(msgq.Message{Type: msgq.RlcPduReady, Dest: msgq.LayerRLC, Payload: RLCUplinkSDU{UeID: ueID, RbIdentity: lcidToIdentity(lcid), SDU: payload}})
}

func lcidToIdentity(l LCID) user.RbIdentity {
	switch l {
	case 1:
		return user.SRB1
	case 2:
		return user.SRB2
	case 3:
		return user.DRB1
	default:
		return user.DRB2
	}
}

func (m *MAC) handleBSR(ueID user.UeID, payload []byte) {
	ue := m.userMgr.Get(ueID)
	if ue == nil || len(payload) < 4 {
		return
	}
	bytes := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	ue.ULBufferBytes = bytes
	m.SchedUL(ueID, bytes)
}

func (m *MAC) handleCRNTICE(transient user.UeID, payload []byte) {
	if len(payload) < 2 {
		return
	}
	embedded := uint16(payload[0])<<8 | uint16(payload[1])
	if ecode := m.userMgr.TransferCRNTI(transient, embedded); ecode != errs.None && m.logger != nil {
		m.logger.Error("C-RNTI transfer failed", zap.String("error", ecode.String()))
	}
}

// RLCUplinkSDU is the MAC->RLC handoff payload for one decoded SDU.
type RLCUplinkSDU struct {
	UeID       user.UeID
	RbIdentity user.RbIdentity
	SDU        []byte
}

// SchedUL queues a UL grant for ueID sized via requestedBits, capped by
// a fixed per-subframe policy. The grant carries no target TTI, so the
// next HandleReadyToSend commits it; no tti+4 offset is applied.
func (m *MAC) SchedUL(ueID user.UeID, requestedBits uint32) {
	const maxBytesPerSubframe = 8192
	if requestedBits > maxBytesPerSubframe {
		requestedBits = maxBytesPerSubframe
	}
	ue := m.userMgr.Get(ueID)
	if ue == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ue.ULNDI = !ue.ULNDI
	// targetTTI is left at 0, so HandleReadyToSend commits the entry on
	// its next pass.
	m.ulQueue = append(m.ulQueue, ulEntry{ueID: ueID, requestedBits: requestedBits, ndi: ue.ULNDI})
}

// EnqueueDLSDU queues sdu for transmission to ueID/rbID no earlier than
// targetTTI (0 means "as soon as a slot is free"), called by RLC/PDCP
// handing a PDU down to MAC.
func (m *MAC) EnqueueDLSDU(ueID user.UeID, rbID user.RbID, sdu []byte, targetTTI uint32) {
	m.enqueueDL(dlEntry{ueID: ueID, rbID: rbID, sdu: sdu, targetTTI: targetTTI})
}

// DownlinkSDU is RLC's handoff to MAC: one framed RLC PDU ready to be
// queued for the bearer's next scheduling opportunity.
type DownlinkSDU struct {
	UeID user.UeID
	RbID user.RbID
	SDU  []byte
}
