package mme

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/cnfgdb"
	"github.com/your-org/lte-enodeb/internal/hss"
	"github.com/your-org/lte-enodeb/internal/msgq"
	"github.com/your-org/lte-enodeb/internal/pdcp"
	"github.com/your-org/lte-enodeb/internal/rrc"
	"github.com/your-org/lte-enodeb/internal/user"
)

func newTestMME(t *testing.T) (*MME, *msgq.Fabric, *user.Manager, user.UeID) {
	t.Helper()
	logger := zap.NewNop()
	fabric := msgq.NewFabric(logger)
	userMgr := user.NewManager(logger, time.Hour)
	db := cnfgdb.New(logger)
	h := hss.New(logger, make([]byte, 16))
	require.True(t, h.AddUser("001010000000001", "3519900000000001", "00112233445566778899aabbccddeeff").OK())

	m := New(logger, db, userMgr, h, net.IPv4(10, 0, 1, 1), net.IPv4(8, 8, 8, 8))

	ueID, _ := userMgr.AssignCRNTI()
	rbID, ecode := userMgr.AddRB(ueID, user.SRB1, 1, 0)
	require.True(t, ecode.OK())
	_ = rbID

	return m, fabric, userMgr, ueID
}

func drainOnePDCPDown(t *testing.T, fabric *msgq.Fabric, ctx context.Context) <-chan pdcp.DownlinkSDU {
	t.Helper()
	ch := make(chan pdcp.DownlinkSDU, 8)
	q := fabric.NewQueue(msgq.LayerPDCP, msgq.DefaultCapacity, false)
	q.Attach(msgq.PdcpSduReady, func(msg msgq.Message) {
		if d, ok := msg.Payload.(pdcp.DownlinkSDU); ok {
			ch <- d
		}
	})
	go q.Run(ctx)
	return ch
}

func attachRequestNAS(imsi string) []byte {
	body := []byte{0x01, 0x04, idKindIMSI} // EEA0 bit0 set, EIA2 bit2 set
	body = append(body, []byte(imsi)...)
	return append([]byte{emmAttachRequest}, body...)
}

func attachRequestWithGUTI(guti string) []byte {
	body := []byte{0x01, 0x04, idKindGUTI}
	body = append(body, []byte(guti)...)
	return append([]byte{emmAttachRequest}, body...)
}

func serviceRequestNAS(ksi byte, seqNum uint32) []byte {
	body := make([]byte, 5)
	body[0] = ksi
	binary.BigEndian.PutUint32(body[1:], seqNum)
	return append([]byte{emmServiceRequest}, body...)
}

func TestAttachRequestWithUnknownIMSIIsRejected(t *testing.T) {
	m, fabric, _, ueID := newTestMME(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, fabric)
	downlinks := drainOnePDCPDown(t, fabric, ctx)

	m.handleNASMsg(rrc.NASUp{UeID: ueID, NASPDU: attachRequestNAS("999999999999999")})

	select {
	case d := <-downlinks:
		assert.Equal(t, emmAttachReject, d.SDU[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for attach reject")
	}
}

// TestAttachRequestWithKnownGUTISkipsIdentityRequest covers spec.md §8
// scenario 1: a GUTI that already resolves to a known IMSI goes
// straight to authentication, no identity request in between.
func TestAttachRequestWithKnownGUTISkipsIdentityRequest(t *testing.T) {
	m, fabric, userMgr, ueID := newTestMME(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, fabric)
	downlinks := drainOnePDCPDown(t, fabric, ctx)

	otherID, _ := userMgr.AssignCRNTI()
	other := userMgr.Get(otherID)
	other.IMSI = "001010000000001"
	other.GUTI = "known-guti-1"

	m.handleNASMsg(rrc.NASUp{UeID: ueID, NASPDU: attachRequestWithGUTI("known-guti-1")})

	select {
	case d := <-downlinks:
		assert.Equal(t, emmAuthenticationRequest, d.SDU[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for authentication request")
	}

	st := m.stateFor(ueID)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, AttachAuthenticate, st.attachState)
	assert.Equal(t, "001010000000001", st.imsi)
}

// TestAttachRequestWithUnknownGUTISendsIdentityRequest covers spec.md
// §8 scenario 2: a GUTI the MME has never seen triggers an identity
// request for the IMSI instead of an immediate reject.
func TestAttachRequestWithUnknownGUTISendsIdentityRequest(t *testing.T) {
	m, fabric, _, ueID := newTestMME(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, fabric)
	downlinks := drainOnePDCPDown(t, fabric, ctx)

	m.handleNASMsg(rrc.NASUp{UeID: ueID, NASPDU: attachRequestWithGUTI("never-seen-guti")})

	select {
	case d := <-downlinks:
		assert.Equal(t, emmIdentityRequest, d.SDU[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for identity request")
	}

	st := m.stateFor(ueID)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, AttachIDRequestIMSI, st.attachState)
}

func TestIdentityResponseTriggersAuthenticationRequest(t *testing.T) {
	m, fabric, userMgr, ueID := newTestMME(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, fabric)

	ue := userMgr.Get(ueID)
	ue.IMSI = "001010000000001"
	st := m.stateFor(ueID)
	st.mu.Lock()
	st.imsi = ue.IMSI
	st.mu.Unlock()

	downlinks := drainOnePDCPDown(t, fabric, ctx)
	m.parseIdentityResponse(ueID, st, []byte("001010000000001"))

	select {
	case d := <-downlinks:
		assert.Equal(t, emmAuthenticationRequest, d.SDU[0])
		assert.Greater(t, len(d.SDU), 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for authentication request")
	}

	assert.NotNil(t, ue.Auth.Vector)
}

func TestGetNextIPAddrIncrements(t *testing.T) {
	m, _, _, _ := newTestMME(t)
	first := m.getNextIPAddr()
	second := m.getNextIPAddr()
	assert.NotEqual(t, first.String(), second.String())
}

func TestServiceRequestWithNonZeroKSIIsRejected(t *testing.T) {
	m, fabric, userMgr, ueID := newTestMME(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, fabric)
	downlinks := drainOnePDCPDown(t, fabric, ctx)

	ue := userMgr.Get(ueID)
	ue.IMSI = "001010000000001"
	ue.Auth.NASCountUL = 5

	m.handleNASMsg(rrc.NASUp{UeID: ueID, NASPDU: serviceRequestNAS(1, 6)})

	select {
	case d := <-downlinks:
		require.Len(t, d.SDU, 2)
		assert.Equal(t, emmServiceReject, d.SDU[0])
		assert.Equal(t, emmCauseImplicitlyDetached, d.SDU[1])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for service reject")
	}
	assert.Equal(t, uint32(5), ue.Auth.NASCountUL)
}

// TestServiceRequestWithStaleNASCountResyncs covers spec.md §8
// scenario 5: the UE's own sequence number, not the MME's stale one,
// is what regenerate_enb_security_data gets re-derived from.
func TestServiceRequestWithStaleNASCountResyncs(t *testing.T) {
	m, fabric, userMgr, ueID := newTestMME(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, fabric)
	drainOnePDCPDown(t, fabric, ctx)

	ue := userMgr.Get(ueID)
	ue.IMSI = "001010000000001"
	ue.Auth.NASCountUL = 2
	mcc, mnc := m.plmn()
	_, ecode := m.hssL.GenerateSecurityData(ue.IMSI, mcc, mnc)
	require.True(t, ecode.OK())

	m.handleNASMsg(rrc.NASUp{UeID: ueID, NASPDU: serviceRequestNAS(0, 9)})

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint32(9), ue.Auth.NASCountUL)
	assert.NotNil(t, ue.Auth.KeNB)

	st := m.stateFor(ueID)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, AttachRRCSecurity, st.attachState)
}

func TestDetachRequestReleasesUE(t *testing.T) {
	m, fabric, userMgr, ueID := newTestMME(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, fabric)
	drainOnePDCPDown(t, fabric, ctx)

	st := m.stateFor(ueID)
	m.handleDetach(ueID, st)

	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, userMgr.Get(ueID))
}
