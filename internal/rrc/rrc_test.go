package rrc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/cnfgdb"
	"github.com/your-org/lte-enodeb/internal/mac"
	"github.com/your-org/lte-enodeb/internal/msgq"
	"github.com/your-org/lte-enodeb/internal/pdcp"
	"github.com/your-org/lte-enodeb/internal/rlc"
	"github.com/your-org/lte-enodeb/internal/user"
)

func newTestRRC(t *testing.T) (*RRC, *msgq.Fabric, *user.Manager, user.UeID) {
	t.Helper()
	logger := zap.NewNop()
	fabric := msgq.NewFabric(logger)
	userMgr := user.NewManager(logger, time.Hour)
	db := cnfgdb.New(logger)
	macL := mac.New(logger, db, userMgr)
	rlcL := rlc.New(logger, userMgr)
	pdcpL := pdcp.New(logger, userMgr)
	r := New(logger, db, userMgr, macL, rlcL, pdcpL)

	ueID, _ := userMgr.AssignCRNTI()
	return r, fabric, userMgr, ueID
}

func TestCCCHConnectionRequestCreatesSRB1AndRespondsWithSetup(t *testing.T) {
	r, fabric, userMgr, ueID := newTestRRC(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got pdcp.DownlinkSDU
	done := make(chan struct{})
	pdcpQueue := fabric.NewQueue(msgq.LayerPDCP, msgq.DefaultCapacity, false)
	pdcpQueue.Attach(msgq.PdcpSduReady, func(msg msgq.Message) {
		if d, ok := msg.Payload.(pdcp.DownlinkSDU); ok {
			got = d
		}
		close(done)
	})
	go pdcpQueue.Run(ctx)

	r.Start(ctx, fabric)
	r.ccchSM(ueID, CCCHMessage{Kind: CCCHConnectionRequest})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for downlink SRB0 setup message")
	}

	assert.Equal(t, user.SRB0, got.RbIdentity)
	assert.Equal(t, []byte{rrcConSetup}, got.SDU)

	ue := userMgr.Get(ueID)
	_, hasSRB1 := ue.RBs[user.SRB1]
	assert.True(t, hasSRB1)

	st := r.stateFor(ueID)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, StateConnecting, st.state)
}

func TestDCCHConnectionSetupCompleteForwardsNASAndRegistersSR(t *testing.T) {
	r, fabric, userMgr, ueID := newTestRRC(t)
	r.ccchSM(ueID, CCCHMessage{Kind: CCCHConnectionRequest})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got NASUp
	done := make(chan struct{})
	mmeQueue := fabric.NewQueue(msgq.LayerMME, msgq.DefaultCapacity, false)
	mmeQueue.Attach(msgq.MmeNasMsgReady, func(msg msgq.Message) {
		if n, ok := msg.Payload.(NASUp); ok {
			got = n
		}
		close(done)
	})
	go mmeQueue.Run(ctx)

	r.Start(ctx, fabric)
	r.dcchSM(ueID, DCCHMessage{Kind: DCCHConnectionSetupComplete, Payload: []byte("attach request")})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded NAS PDU")
	}

	assert.Equal(t, ueID, got.UeID)
	assert.Equal(t, []byte("attach request"), got.NASPDU)

	st := r.stateFor(ueID)
	st.mu.Lock()
	iSR := st.iSR
	state := st.state
	st.mu.Unlock()
	assert.Equal(t, StateConnected, state)
	assert.GreaterOrEqual(t, iSR, uint32(iSRBase))

	_ = userMgr
}

func TestHandleCommandSecurityActivatesPDCPSecurity(t *testing.T) {
	r, _, userMgr, ueID := newTestRRC(t)
	r.ccchSM(ueID, CCCHMessage{Kind: CCCHConnectionRequest})

	ue := userMgr.Get(ueID)
	rbID := ue.RBs[user.SRB1]

	r.HandleCommand(Command{UeID: ueID, Kind: CommandSecurity})

	rb := userMgr.GetRB(rbID)
	require.NotNil(t, rb)
	assert.Equal(t, user.PDCPSecurity, rb.PDCPConfig)
}

func TestIncrementISRWrapsWithinRange(t *testing.T) {
	r, _, _, _ := newTestRRC(t)
	seen := map[uint32]bool{}
	for i := 0; i < int(iSRMax-iSRBase+1)*2; i++ {
		v := r.incrementISR()
		assert.GreaterOrEqual(t, v, uint32(iSRBase))
		assert.LessOrEqual(t, v, uint32(iSRMax))
		seen[v] = true
	}
	assert.True(t, len(seen) > 1)
}
