// Package rrc implements the radio-resource-control layer: the CCCH
// and DCCH per-RB state machines, downlink command handling driven by
// MME, and SR-PUCCH resource allocation.
//
// Grounded on the original LTE_fdd_enb_rrc (singleton with
// ccch_sm/dcch_sm state machines, handle_pdcp_msg/handle_mme_msg
// dispatch, a rolling i_sr allocator) — reimplemented as one consumer
// goroutine over the msgq fabric, with the CCCH/DCCH messages
// themselves represented as small tagged Go structs rather than the
// original's ASN.1 PER-encoded LIBLTE_RRC_MSG types (the RRC ASN.1
// codec is the external coding library per spec.md §1).
package rrc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/cnfgdb"
	"github.com/your-org/lte-enodeb/internal/mac"
	"github.com/your-org/lte-enodeb/internal/msgq"
	"github.com/your-org/lte-enodeb/internal/obsmetrics"
	"github.com/your-org/lte-enodeb/internal/pdcp"
	"github.com/your-org/lte-enodeb/internal/rlc"
	"github.com/your-org/lte-enodeb/internal/user"
)

// State is a UE's RRC connection state.
type State string

const (
	StateIdle      State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateConnected State = "CONNECTED"
)

// CCCHMessageKind distinguishes the two messages SRB0 accepts.
type CCCHMessageKind int

const (
	CCCHConnectionRequest CCCHMessageKind = iota
	CCCHConnectionReestablishRequest
)

// CCCHMessage is one uplink SRB0 message.
type CCCHMessage struct {
	UeID UeTransient
	Kind CCCHMessageKind
}

// UeTransient identifies the UE a CCCH message arrived on before RRC
// state exists for it — always the user manager's UeID handle.
type UeTransient = user.UeID

// DCCHMessageKind distinguishes the messages SRB1/SRB2 accept.
type DCCHMessageKind int

const (
	DCCHConnectionSetupComplete DCCHMessageKind = iota
	DCCHULInfoTransfer
	DCCHSecurityModeComplete
	DCCHReconfigComplete
	DCCHUECapabilityInfo
)

// DCCHMessage is one uplink SRB1/SRB2 message.
type DCCHMessage struct {
	UeID    user.UeID
	Kind    DCCHMessageKind
	Payload []byte // embedded NAS PDU, when present
}

// CommandKind is one of MME's downlink RRC commands.
type CommandKind int

const (
	CommandRelease CommandKind = iota
	CommandSecurity
	CommandSetupDefaultDRB
	CommandSetupDedicatedDRB
)

// Command is one MME-initiated downlink RRC command.
type Command struct {
	UeID    user.UeID
	Kind    CommandKind
	NASPDU  []byte // Attach Accept payload for SETUP_*_DRB
}

// CmdResponse is RRC's reply to MME after executing a Command or
// observing a DCCH event MME needs to know about.
type CmdResponse struct {
	UeID  user.UeID
	Kind  DCCHMessageKind
	NASPDU []byte
}

const (
	iSRBase = 15
	iSRMax  = 34
	n1PUCCHSR = 1
)

// ueRRC is RRC's per-UE bookkeeping.
type ueRRC struct {
	mu    sync.Mutex
	state State
	iSR   uint32
}

// RRC owns the CCCH/DCCH state machines and the SR-PUCCH allocator.
type RRC struct {
	mu sync.RWMutex

	logger  *zap.Logger
	cnfgDB  *cnfgdb.DB
	userMgr *user.Manager
	macL    *mac.MAC
	rlcL    *rlc.RLC
	pdcpL   *pdcp.PDCP
	fabric  *msgq.Fabric
	queue   *msgq.Queue

	ues    map[user.UeID]*ueRRC
	nextISR uint32
}

// New constructs an RRC layer wired to the layers below it.
func New(logger *zap.Logger, cnfgDB *cnfgdb.DB, userMgr *user.Manager, macL *mac.MAC, rlcL *rlc.RLC, pdcpL *pdcp.PDCP) *RRC {
	return &RRC{
		logger:  logger,
		cnfgDB:  cnfgDB,
		userMgr: userMgr,
		macL:    macL,
		rlcL:    rlcL,
		pdcpL:   pdcpL,
		ues:     make(map[user.UeID]*ueRRC),
		nextISR: iSRBase,
	}
}

// Start attaches RRC's consumer queue: RrcPduReady carries uplink SRB
// traffic from PDCP, RrcCmdReady carries downlink commands from MME.
func (r *RRC) Start(ctx context.Context, fabric *msgq.Fabric) {
	r.fabric = fabric
	r.queue = fabric.NewQueue(msgq.LayerRRC, msgq.DefaultCapacity, false)
	r.queue.Attach(msgq.RrcPduReady, func(msg msgq.Message) {
		if up, ok := msg.Payload.(pdcp.UplinkSDU); ok {
			r.handleUplinkSDU(up)
		}
	})
	r.queue.Attach(msgq.RrcCmdReady, func(msg msgq.Message) {
		if cmd, ok := msg.Payload.(Command); ok {
			r.HandleCommand(cmd)
		}
	})
	go r.queue.Run(ctx)
}

func (r *RRC) stateFor(ueID user.UeID) *ueRRC {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.ues[ueID]
	if !ok {
		st = &ueRRC{state: StateIdle}
		r.ues[ueID] = st
	}
	return st
}

// incrementISR returns the next I_SR value in [15, 34], wrapping.
func (r *RRC) incrementISR() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.nextISR
	r.nextISR++
	if r.nextISR > iSRMax {
		r.nextISR = iSRBase
	}
	return v
}

// handleUplinkSDU dispatches a PDCP-delivered SRB SDU by its bearer:
// SRB0 traffic runs the CCCH SM, SRB1/SRB2 traffic runs the DCCH SM.
func (r *RRC) handleUplinkSDU(up pdcp.UplinkSDU) {
	switch up.RbIdentity {
	case user.SRB0:
		r.ccchSM(up.UeID, decodeCCCH(up.SDU))
	case user.SRB1, user.SRB2:
		r.dcchSM(up.UeID, decodeDCCH(up.SDU))
	}
}

// decodeCCCH/decodeDCCH stand in for the ASN.1 PER decoder: the first
// byte tags the message kind, the remainder is payload — the same
// tagged-struct convention internal/mac uses for MAC sub-PDUs.
func decodeCCCH(b []byte) CCCHMessage {
	if len(b) == 0 {
		return CCCHMessage{Kind: CCCHConnectionRequest}
	}
	return CCCHMessage{Kind: CCCHMessageKind(b[0])}
}

func decodeDCCH(b []byte) DCCHMessage {
	if len(b) == 0 {
		return DCCHMessage{}
	}
	return DCCHMessage{Kind: DCCHMessageKind(b[0]), Payload: b[1:]}
}

// ccchSM runs SRB0's state machine: both CON_REQUEST and
// CON_REESTABLISH_REQUEST create SRB1 and respond with a setup
// message; reestablishment without a known C-RNTI is rejected.
func (r *RRC) ccchSM(ueID user.UeID, msg CCCHMessage) {
	ue := r.userMgr.Get(ueID)
	if ue == nil {
		return
	}

	if msg.Kind == CCCHConnectionReestablishRequest {
		if _, ok := r.userMgr.FindByCRNTI(ue.CRNTI); !ok {
			r.sendReestablishReject(ueID)
			return
		}
	}

	rbID, ecode := r.userMgr.AddRB(ueID, user.SRB1, 1, 0)
	if !ecode.OK() {
		return
	}
	r.rlcL.ConfigureRB(rbID, rlc.ModeAM)
	r.pdcpL.ConfigureRB(rbID, 5)

	st := r.stateFor(ueID)
	st.mu.Lock()
	st.state = StateConnecting
	st.mu.Unlock()

	if msg.Kind == CCCHConnectionReestablishRequest {
		r.sendDownlinkSRB0(ueID, []byte{byte(rrcConReestablishment)})
	} else {
		r.sendDownlinkSRB0(ueID, []byte{byte(rrcConSetup)})
	}
}

const (
	rrcConSetup byte = iota
	rrcConReestablishment
	rrcConReestablishReject
	rrcConRelease
	rrcConReconfig
	securityModeCommand
	ueCapabilityEnquiry
	dlInfoTransfer
)

func (r *RRC) sendReestablishReject(ueID user.UeID) {
	r.sendDownlinkSRB0(ueID, []byte{rrcConReestablishReject})
}

// sendDownlinkSRB0 frames a CCCH downlink message and hands it to PDCP
// for SRB0 (transparent mode, no security).
func (r *RRC) sendDownlinkSRB0(ueID user.UeID, body []byte) {
	r.fabric.Send(msgq.Message{
		Type: msgq.PdcpSduReady,
		Dest: msgq.LayerPDCP,
		Payload: pdcp.DownlinkSDU{UeID: ueID, RbIdentity: user.SRB0, SDU: body},
	})
}

// sendDownlinkDCCH frames a DCCH downlink message on the given bearer.
func (r *RRC) sendDownlinkDCCH(ueID user.UeID, identity user.RbIdentity, body []byte) {
	r.fabric.Send(msgq.Message{
		Type: msgq.PdcpSduReady,
		Dest: msgq.LayerPDCP,
		Payload: pdcp.DownlinkSDU{UeID: ueID, RbIdentity: identity, SDU: body},
	})
}

// dcchSM runs SRB1/SRB2's state machine.
func (r *RRC) dcchSM(ueID user.UeID, msg DCCHMessage) {
	st := r.stateFor(ueID)

	switch msg.Kind {
	case DCCHConnectionSetupComplete:
		st.mu.Lock()
		st.state = StateConnected
		st.mu.Unlock()
		obsmetrics.RRCConnectedUEs.Inc()
		r.registerSRPUCCH(ueID)
		r.forwardNASToMME(ueID, msg.Payload)

	case DCCHULInfoTransfer:
		r.forwardNASToMME(ueID, msg.Payload)

	case DCCHSecurityModeComplete:
		r.fabric.Send(msgq.Message{
			Type: msgq.MmeRrcCmdResp,
			Dest: msgq.LayerMME,
			Payload: CmdResponse{UeID: ueID, Kind: DCCHSecurityModeComplete},
		})

	case DCCHReconfigComplete:
		// No-op acknowledgment.

	case DCCHUECapabilityInfo:
		if r.logger != nil {
			r.logger.Info("UE capability info received", zap.Uint32("ue_id", uint32(ueID)))
		}
	}
}

func (r *RRC) registerSRPUCCH(ueID user.UeID) {
	ue := r.userMgr.Get(ueID)
	if ue == nil {
		return
	}
	iSR := r.incrementISR()
	st := r.stateFor(ueID)
	st.mu.Lock()
	st.iSR = iSR
	st.mu.Unlock()
	r.macL.AddPeriodicSRPUCCH(ue.CRNTI, iSR, n1PUCCHSR)
}

func (r *RRC) forwardNASToMME(ueID user.UeID, nasPDU []byte) {
	r.fabric.Send(msgq.Message{
		Type: msgq.MmeNasMsgReady,
		Dest: msgq.LayerMME,
		Payload: NASUp{UeID: ueID, NASPDU: nasPDU},
	})
}

// NASUp is RRC's handoff to MME: one NAS PDU extracted from an RRC
// container message.
type NASUp struct {
	UeID   user.UeID
	NASPDU []byte
}

// HandleCommand executes one MME-initiated downlink RRC command.
func (r *RRC) HandleCommand(cmd Command) {
	ue := r.userMgr.Get(cmd.UeID)
	if ue == nil {
		return
	}

	switch cmd.Kind {
	case CommandRelease:
		r.sendDownlinkDCCH(cmd.UeID, user.SRB1, []byte{rrcConRelease})
		r.macL.RemovePeriodicSRPUCCH(ue.CRNTI)

	case CommandSecurity:
		if rbID, ok := ue.RBs[user.SRB1]; ok {
			r.pdcpL.ActivateSecurity(rbID)
		}
		r.sendDownlinkDCCH(cmd.UeID, user.SRB1, []byte{securityModeCommand})
		r.sendDownlinkDCCH(cmd.UeID, user.SRB1, []byte{ueCapabilityEnquiry})

	case CommandSetupDefaultDRB:
		r.setupDRB(cmd.UeID, user.DRB1, cmd.NASPDU)

	case CommandSetupDedicatedDRB:
		r.setupDRB(cmd.UeID, user.DRB2, cmd.NASPDU)
	}
}

func (r *RRC) setupDRB(ueID user.UeID, identity user.RbIdentity, nasPDU []byte) {
	if identity == user.DRB1 {
		if rbID, ecode := r.userMgr.AddRB(ueID, user.SRB2, 2, 0); ecode.OK() {
			r.rlcL.ConfigureRB(rbID, rlc.ModeAM)
			r.pdcpL.ConfigureRB(rbID, 5)
		}
	}

	rbID, ecode := r.userMgr.AddRB(ueID, identity, uint8(3+identity-user.DRB1), 1)
	if !ecode.OK() {
		return
	}
	r.rlcL.ConfigureRB(rbID, rlc.ModeAM)
	r.pdcpL.ConfigureRB(rbID, 12)

	if rb := r.userMgr.GetRB(rbID); rb != nil {
		rb.PDCPConfig = user.PDCPSecurity
	}

	body := append([]byte{rrcConReconfig}, nasPDU...)
	r.sendDownlinkDCCH(ueID, user.SRB1, body)
}
