// Package rlc implements the radio-link-control layer: per-bearer TM,
// UM and AM framing with one whole SDU per PDU (SDUs are not segmented),
// and AM's poll-driven status-PDU ARQ loop.
//
// Grounded on the original LTE_fdd_enb_rlc (singleton handling
// handle_mac_msg/handle_pdcp_msg with per-mode handle_tm/um/am_pdu and
// handle_tm/um/am_sdu dispatch, plus send_status_pdu/send_amd_pdu) —
// reimplemented as a non-singleton keyed by RbID, one consumer
// goroutine reading both its MAC-facing and PDCP-facing queues via the
// fabric's per-type dispatch instead of the original's two semaphore
// queues.
package rlc

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/mac"
	"github.com/your-org/lte-enodeb/internal/msgq"
	"github.com/your-org/lte-enodeb/internal/obsmetrics"
	"github.com/your-org/lte-enodeb/internal/user"
)

// Mode selects an RB's RLC framing and ARQ behavior.
type Mode uint8

const (
	ModeTM Mode = iota
	ModeUM
	ModeAM
)

// statusProhibitInterval is t_status_prohibit: the minimum gap between
// two status PDUs sent for the same bearer.
const statusProhibitInterval = 20 * time.Millisecond

// reassemblyTimeout is the t_reassembly value. No code reads it: PDUs
// are not segmented, so no partial SDU is held or dropped on a timer.
const reassemblyTimeout = 100 * time.Millisecond

// pollEveryNPDUs sets the AM poll bit on every Nth transmitted PDU. No
// other PDU carries the poll bit, including the last PDU of a burst.
const pollEveryNPDUs = 8

// DownlinkSDU is PDCP's handoff to RLC: one SDU ready for framing and
// transmission on the given UE/bearer.
type DownlinkSDU struct {
	UeID       user.UeID
	RbIdentity user.RbIdentity
	SDU        []byte
}

// UplinkSDU is RLC's handoff to PDCP: one fully reassembled SDU ready
// for PDCP processing.
type UplinkSDU struct {
	UeID       user.UeID
	RbIdentity user.RbIdentity
	SDU        []byte
}

// txPDU is one AM PDU awaiting acknowledgment.
type txPDU struct {
	sn      uint16
	payload []byte
	sentAt  time.Time
}

// channel is the per-RB RLC framing/ARQ state.
type channel struct {
	mu sync.Mutex

	mode Mode

	txNextSN uint16
	rxNextSN uint16

	txBuffer map[uint16]*txPDU // AM: every transmitted PDU by SN; entries are not removed on acknowledgment
	pduSince int               // AM: PDUs sent since last poll

	// reassembly is keyed by SN for partial SDUs spanning multiple PDUs.
	// Every SubPDU here already carries one complete framed unit (see
	// mac.SubPDU), so multi-PDU segmentation never occurs in this scheme
	// and nothing writes to these maps; expireStaleReassemblyLocked
	// sweeps them and finds them empty.
	reassembly       map[uint16][]byte
	reassemblyExpiry map[uint16]time.Time

	lastStatusSent time.Time
}

func newChannel(mode Mode) *channel {
	return &channel{
		mode:             mode,
		txBuffer:         make(map[uint16]*txPDU),
		reassembly:       make(map[uint16][]byte),
		reassemblyExpiry: make(map[uint16]time.Time),
	}
}

// RLC owns every RB's framing state and bridges MAC's transport blocks
// to PDCP's SDUs and back.
type RLC struct {
	mu sync.RWMutex

	logger  *zap.Logger
	userMgr *user.Manager
	fabric  *msgq.Fabric
	queue   *msgq.Queue

	channels map[user.RbID]*channel
}

// New constructs an RLC layer bound to the given user manager.
func New(logger *zap.Logger, userMgr *user.Manager) *RLC {
	return &RLC{
		logger:   logger,
		userMgr:  userMgr,
		channels: make(map[user.RbID]*channel),
	}
}

// ConfigureRB registers rbID's RLC mode, called by RRC on bearer setup.
func (r *RLC) ConfigureRB(rbID user.RbID, mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[rbID] = newChannel(mode)
}

// ReleaseRB drops rbID's framing state, called on bearer/UE teardown.
func (r *RLC) ReleaseRB(rbID user.RbID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, rbID)
}

func (r *RLC) channelFor(rbID user.RbID) *channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[rbID]
}

// Start attaches RLC's consumer queue to fabric: RlcPduReady carries
// uplink transport blocks from MAC, RlcSduReady carries downlink SDUs
// from PDCP.
func (r *RLC) Start(ctx context.Context, fabric *msgq.Fabric) {
	r.fabric = fabric
	r.queue = fabric.NewQueue(msgq.LayerRLC, msgq.DefaultCapacity, false)
	r.queue.Attach(msgq.RlcPduReady, func(msg msgq.Message) {
		if up, ok := msg.Payload.(mac.RLCUplinkSDU); ok {
			r.handleMACPDU(up)
		}
	})
	r.queue.Attach(msgq.RlcSduReady, func(msg msgq.Message) {
		if down, ok := msg.Payload.(DownlinkSDU); ok {
			r.handlePDCPSDU(down)
		}
	})
	go r.queue.Run(ctx)
}

func rbIDFor(ue *user.UE, identity user.RbIdentity) (user.RbID, bool) {
	id, ok := ue.RBs[identity]
	return id, ok
}

// handleMACPDU dispatches one decoded uplink transport block to its
// bearer's mode-specific PDU handler. A single MAC PDU may bundle
// several RLC PDUs for the same LCID; each is length-delimited the
// same way mac.PackMACPDU delimits MAC sub-PDUs.
func (r *RLC) handleMACPDU(up mac.RLCUplinkSDU) {
	ue := r.userMgr.Get(up.UeID)
	if ue == nil {
		return
	}
	rbID, ok := rbIDFor(ue, up.RbIdentity)
	if !ok {
		if r.logger != nil {
			r.logger.Warn("uplink RLC PDU for bearer with no RB", zap.String("identity", rbIdentityName(up.RbIdentity)))
		}
		return
	}
	ch := r.channelFor(rbID)
	if ch == nil {
		return
	}

	if ch.mode == ModeTM {
		// Transparent mode: no header, no segmentation — the MAC SDU is
		// the RLC SDU verbatim.
		r.deliverSDU(up.UeID, up.RbIdentity, up.SDU)
		return
	}

	for _, pdu := range splitRLCPDUs(up.SDU) {
		switch ch.mode {
		case ModeUM:
			r.handleUMPDU(ch, up.UeID, up.RbIdentity, pdu)
		case ModeAM:
			r.handleAMPDU(ch, rbID, up.UeID, up.RbIdentity, pdu)
		}
	}
}

// splitRLCPDUs unframes the length-prefixed bundle a MAC PDU may carry
// for one LCID — the Go-idiomatic stand-in for the bit-packed RLC
// framing bits themselves, consistent with mac.PackMACPDU.
func splitRLCPDUs(b []byte) [][]byte {
	var out [][]byte
	for len(b) >= 2 {
		l := int(binary.BigEndian.Uint16(b[:2]))
		b = b[2:]
		if l > len(b) {
			break
		}
		out = append(out, b[:l])
		b = b[l:]
	}
	return out
}

func framePDU(sn uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:2], sn)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

func unframePDU(pdu []byte) (sn uint16, payload []byte, ok bool) {
	if len(pdu) < 4 {
		return 0, nil, false
	}
	sn = binary.BigEndian.Uint16(pdu[0:2])
	l := int(binary.BigEndian.Uint16(pdu[2:4]))
	if 4+l > len(pdu) {
		return 0, nil, false
	}
	return sn, pdu[4 : 4+l], true
}

// handleUMPDU delivers an unacknowledged-mode PDU's payload to PDCP as
// soon as it arrives. UM has no ARQ, and since PDUs are not segmented no
// partial SDU is held, so nothing is dropped on reassemblyTimeout.
func (r *RLC) handleUMPDU(ch *channel, ueID user.UeID, identity user.RbIdentity, pdu []byte) {
	sn, payload, ok := unframePDU(pdu)
	if !ok {
		return
	}

	ch.mu.Lock()
	r.expireStaleReassemblyLocked(ch)
	if sn != ch.rxNextSN {
		// Out-of-order/missing segment: UM has no retransmission, so
		// whatever arrives out of sequence is delivered as-is rather
		// than blocked on the gap.
		ch.rxNextSN = sn
	}
	ch.rxNextSN++
	ch.mu.Unlock()

	r.deliverSDU(ueID, identity, payload)
}

func (r *RLC) expireStaleReassemblyLocked(ch *channel) {
	now := time.Now()
	for sn, exp := range ch.reassemblyExpiry {
		if now.After(exp) {
			delete(ch.reassembly, sn)
			delete(ch.reassemblyExpiry, sn)
		}
	}
}

// handleAMPDU processes an acknowledged-mode data PDU or status PDU.
// Data and status PDUs share the LCID in this scheme; a status PDU is
// distinguished by a single leading 0xFF tag byte the original carries
// as the D/C bit.
func (r *RLC) handleAMPDU(ch *channel, rbID user.RbID, ueID user.UeID, identity user.RbIdentity, pdu []byte) {
	if len(pdu) > 0 && pdu[0] == statusPDUTag {
		r.handleStatusPDU(ch, rbID, ueID, pdu[1:])
		return
	}

	sn, payload, ok := unframePDU(pdu)
	if !ok {
		return
	}

	ch.mu.Lock()
	if sn == ch.rxNextSN {
		ch.rxNextSN++
	}
	pollBitSet := len(payload) > 0 && payload[len(payload)-1] == pollTag
	if pollBitSet {
		payload = payload[:len(payload)-1]
	}
	needStatus := pollBitSet && time.Since(ch.lastStatusSent) >= statusProhibitInterval
	if needStatus {
		ch.lastStatusSent = time.Now()
	}
	ch.mu.Unlock()

	r.deliverSDU(ueID, identity, payload)

	if needStatus {
		r.sendStatusPDU(ch, rbID, ueID, identity, []uint16{})
	}
}

const statusPDUTag = 0xFF
const pollTag = 0xFE

// handleStatusPDU retransmits every NACKed SN via MAC's single AMD-PDU
// allocation path.
func (r *RLC) handleStatusPDU(ch *channel, rbID user.RbID, ueID user.UeID, body []byte) {
	ch.mu.Lock()
	var nacked []uint16
	for i := 0; i+1 < len(body); i += 2 {
		sn := binary.BigEndian.Uint16(body[i : i+2])
		if p, ok := ch.txBuffer[sn]; ok {
			nacked = append(nacked, sn)
			_ = p
		}
	}
	ch.mu.Unlock()

	for _, sn := range nacked {
		obsmetrics.RecordRLCRetransmission(rbIDLabel(rbID))
		r.retransmit(ch, rbID, ueID, sn)
	}
}

func (r *RLC) retransmit(ch *channel, rbID user.RbID, ueID user.UeID, sn uint16) {
	ch.mu.Lock()
	p, ok := ch.txBuffer[sn]
	ch.mu.Unlock()
	if !ok {
		return
	}
	r.fabric.Send(msgq.Message{
		Type: msgq.MacSduReady,
		Dest: msgq.LayerMAC,
		Payload: macDLEntryFor(ueID, rbID, p.payload),
	})
}

// sendStatusPDU constructs and forwards one status PDU naming the
// missing SNs (empty when this is a pure poll-response ACK).
func (r *RLC) sendStatusPDU(ch *channel, rbID user.RbID, ueID user.UeID, identity user.RbIdentity, nackList []uint16) {
	body := make([]byte, 0, 1+2*len(nackList))
	body = append(body, statusPDUTag)
	for _, sn := range nackList {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, sn)
		body = append(body, b...)
	}
	r.fabric.Send(msgq.Message{
		Type:    msgq.MacSduReady,
		Dest:    msgq.LayerMAC,
		Payload: macDLEntryFor(ueID, rbID, body),
	})
}

// deliverSDU forwards a fully reassembled uplink SDU to PDCP.
func (r *RLC) deliverSDU(ueID user.UeID, identity user.RbIdentity, sdu []byte) {
	r.fabric.Send(msgq.Message{
		Type: msgq.PdcpPduReady,
		Dest: msgq.LayerPDCP,
		Payload: UplinkSDU{UeID: ueID, RbIdentity: identity, SDU: sdu},
	})
}

// handlePDCPSDU frames and forwards one downlink SDU from PDCP. AM
// PDUs are retained in the tx buffer for retransmission; every
// pollEveryNPDUs'th PDU requests a status PDU from the peer, and no
// other PDU does.
func (r *RLC) handlePDCPSDU(down DownlinkSDU) {
	ue := r.userMgr.Get(down.UeID)
	if ue == nil {
		return
	}
	rbID, ok := rbIDFor(ue, down.RbIdentity)
	if !ok {
		return
	}
	ch := r.channelFor(rbID)
	if ch == nil {
		return
	}

	switch ch.mode {
	case ModeTM:
		r.fabric.Send(msgq.Message{Type: msgq.MacSduReady, Dest: msgq.LayerMAC, Payload: macDLEntryFor(down.UeID, rbID, down.SDU)})
		return
	case ModeUM:
		ch.mu.Lock()
		sn := ch.txNextSN
		ch.txNextSN++
		ch.mu.Unlock()
		pdu := framePDU(sn, down.SDU)
		r.fabric.Send(msgq.Message{Type: msgq.MacSduReady, Dest: msgq.LayerMAC, Payload: macDLEntryFor(down.UeID, rbID, pdu)})
		return
	case ModeAM:
		r.handleAMSDU(ch, down, rbID)
	}
}

func (r *RLC) handleAMSDU(ch *channel, down DownlinkSDU, rbID user.RbID) {
	ch.mu.Lock()
	sn := ch.txNextSN
	ch.txNextSN++
	ch.pduSince++
	pollBit := ch.pduSince >= pollEveryNPDUs
	if pollBit {
		ch.pduSince = 0
	}
	ch.mu.Unlock()

	payload := down.SDU
	if pollBit {
		payload = append(append([]byte{}, payload...), pollTag)
	}
	pdu := framePDU(sn, payload)

	ch.mu.Lock()
	ch.txBuffer[sn] = &txPDU{sn: sn, payload: pdu, sentAt: time.Now()}
	ch.mu.Unlock()

	r.fabric.Send(msgq.Message{Type: msgq.MacSduReady, Dest: msgq.LayerMAC, Payload: macDLEntryFor(down.UeID, rbID, pdu)})
}

// macDLEntryFor builds the payload shape mac.MAC's MacSduReady handler
// expects: a downlink SDU bound for ueID/rbID, queued for the next
// scheduling opportunity.
func macDLEntryFor(ueID user.UeID, rbID user.RbID, sdu []byte) mac.DownlinkSDU {
	return mac.DownlinkSDU{UeID: ueID, RbID: rbID, SDU: sdu}
}

func rbIDLabel(rbID user.RbID) string {
	return rbIdentityName(user.RbIdentity(rbID % 5))
}

func rbIdentityName(identity user.RbIdentity) string {
	switch identity {
	case user.SRB0:
		return "SRB0"
	case user.SRB1:
		return "SRB1"
	case user.SRB2:
		return "SRB2"
	case user.DRB1:
		return "DRB1"
	case user.DRB2:
		return "DRB2"
	default:
		return "UNKNOWN"
	}
}
