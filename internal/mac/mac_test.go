package mac

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/cnfgdb"
	"github.com/your-org/lte-enodeb/internal/pcap"
	"github.com/your-org/lte-enodeb/internal/phy"
	"github.com/your-org/lte-enodeb/internal/user"
)

func newTestMAC(t *testing.T) (*MAC, *user.Manager) {
	t.Helper()
	logger := zap.NewNop()
	userMgr := user.NewManager(logger, time.Hour)
	db := cnfgdb.New(logger)
	return New(logger, db, userMgr), userMgr
}

func TestHandlePrachDecodeQueuesRAR(t *testing.T) {
	m, userMgr := newTestMAC(t)

	m.HandlePrachDecode(phy.PrachEvent{CurrentTTI: 10, Preambles: []uint8{5}, TimingAdv: []uint16{3}})

	require.Len(t, m.rarQueue, 1)
	assert.Equal(t, uint32(10), m.rarQueue[0].preambleTTI)
	assert.Equal(t, 1, userMgr.Count())
}

func TestHandleReadyToSendCommitsRARAtPreambleTTIPlus3(t *testing.T) {
	m, _ := newTestMAC(t)
	m.HandlePrachDecode(phy.PrachEvent{CurrentTTI: 10, Preambles: []uint8{1}})

	sched := m.HandleReadyToSend(phy.ReadyToSend{DLTTI: 13, ULTTI: 17})

	require.Len(t, sched.DL, 1)
	assert.Equal(t, raRNTI(10), sched.DL[0].RNTI)
	assert.Empty(t, m.rarQueue)
}

func TestHandleReadyToSendDeliversQueuedDLSDU(t *testing.T) {
	m, userMgr := newTestMAC(t)
	ueID, crnti := userMgr.AssignCRNTI()

	m.EnqueueDLSDU(ueID, 1, []byte("payload"), 20)
	sched := m.HandleReadyToSend(phy.ReadyToSend{DLTTI: 20, ULTTI: 24})

	require.Len(t, sched.DL, 1)
	assert.Equal(t, crnti, sched.DL[0].RNTI)

	ue := userMgr.Get(ueID)
	require.NotNil(t, ue)
	assert.Len(t, ue.HarqPending, 1)
}

func TestHandleReadyToSendMirrorsCommittedDLPDUToPCAP(t *testing.T) {
	m, userMgr := newTestMAC(t)
	ueID, _ := userMgr.AssignCRNTI()

	pcapPath := filepath.Join(t.TempDir(), "mac.pcap")
	writer, err := pcap.Open(pcapPath, pcap.DLTLTEMAC)
	require.NoError(t, err)
	m.SetPCAP(writer)

	m.EnqueueDLSDU(ueID, 1, []byte("payload"), 20)
	m.HandleReadyToSend(phy.ReadyToSend{DLTTI: 20, ULTTI: 24})
	require.NoError(t, writer.Close())

	data, err := os.ReadFile(pcapPath)
	require.NoError(t, err)
	assert.Greater(t, len(data), 24)
}

func TestHandlePucchDecodeAckClearsHARQ(t *testing.T) {
	m, userMgr := newTestMAC(t)
	ueID, crnti := userMgr.AssignCRNTI()
	m.EnqueueDLSDU(ueID, 1, []byte("payload"), 20)
	m.HandleReadyToSend(phy.ReadyToSend{DLTTI: 20, ULTTI: 24})

	m.HandlePucchDecode(phy.PucchEvent{RNTI: crnti, Kind: phy.PucchAckNack, Bits: []byte{1}, CurrentTTI: 24})

	ue := userMgr.Get(ueID)
	assert.Empty(t, ue.HarqPending)
}

func TestHandlePucchDecodeNackRetransmitsUntilLimit(t *testing.T) {
	m, userMgr := newTestMAC(t)
	ueID, crnti := userMgr.AssignCRNTI()
	m.EnqueueDLSDU(ueID, 1, []byte("payload"), 20)
	m.HandleReadyToSend(phy.ReadyToSend{DLTTI: 20, ULTTI: 24})

	tti := uint32(24)
	for i := 0; i < MaxHARQRetx; i++ {
		m.HandlePucchDecode(phy.PucchEvent{RNTI: crnti, Kind: phy.PucchAckNack, Bits: []byte{0}, CurrentTTI: tti})
		ue := userMgr.Get(ueID)
		require.Len(t, ue.HarqPending, 1)
		tti += 4
	}

	// One more NACK beyond the retx limit must drop the allocation.
	m.HandlePucchDecode(phy.PucchEvent{RNTI: crnti, Kind: phy.PucchAckNack, Bits: []byte{0}, CurrentTTI: tti})
	ue := userMgr.Get(ueID)
	assert.Empty(t, ue.HarqPending)
}

func TestHandlePuschDecodeDispatchesBSR(t *testing.T) {
	m, userMgr := newTestMAC(t)
	_, crnti := userMgr.AssignCRNTI()

	pdu := PackMACPDU([]SubPDU{{LCID: LCIDShortBSR, Payload: []byte{0, 0, 4, 0}}})
	m.HandlePuschDecode(phy.PuschEvent{RNTI: crnti, Bits: pdu, CurrentTTI: 30})

	require.Len(t, m.ulQueue, 1)
	assert.Equal(t, uint32(1024), m.ulQueue[0].requestedBits)
}

func TestHandlePuschDecodeCRNTICETransfersOwnership(t *testing.T) {
	m, userMgr := newTestMAC(t)
	transientUeID, transientCRNTI := userMgr.AssignCRNTI()
	embedded := uint16(9999)

	pdu := PackMACPDU([]SubPDU{{LCID: LCIDCRNTI, Payload: []byte{byte(embedded >> 8), byte(embedded)}}})
	m.HandlePuschDecode(phy.PuschEvent{RNTI: transientCRNTI, Bits: pdu, CurrentTTI: 30})

	ueID, ok := userMgr.FindByCRNTI(embedded)
	require.True(t, ok)
	assert.Equal(t, transientUeID, ueID)

	_, stillTransient := userMgr.FindByCRNTI(transientCRNTI)
	assert.False(t, stillTransient)
}

func TestAddAndRemovePeriodicSRPUCCH(t *testing.T) {
	m, _ := newTestMAC(t)
	m.AddPeriodicSRPUCCH(5, 2, 1)
	assert.Contains(t, m.srTable, uint16(5))

	m.RemovePeriodicSRPUCCH(5)
	assert.NotContains(t, m.srTable, uint16(5))
}
