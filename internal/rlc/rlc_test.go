package rlc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/mac"
	"github.com/your-org/lte-enodeb/internal/msgq"
	"github.com/your-org/lte-enodeb/internal/user"
)

func newTestRLC(t *testing.T) (*RLC, *msgq.Fabric, *user.Manager, user.UeID, user.RbID) {
	t.Helper()
	logger := zap.NewNop()
	fabric := msgq.NewFabric(logger)
	userMgr := user.NewManager(logger, time.Hour)
	r := New(logger, userMgr)

	ueID, _ := userMgr.AssignCRNTI()
	rbID, ecode := userMgr.AddRB(ueID, user.DRB1, 3, 0)
	require.True(t, ecode.OK())

	return r, fabric, userMgr, ueID, rbID
}

func drainOneMacSDU(t *testing.T, fabric *msgq.Fabric, ctx context.Context) mac.DownlinkSDU {
	t.Helper()
	macQueue := fabric.NewQueue(msgq.LayerMAC, msgq.DefaultCapacity, false)
	var got mac.DownlinkSDU
	done := make(chan struct{})
	macQueue.Attach(msgq.MacSduReady, func(msg msgq.Message) {
		if d, ok := msg.Payload.(mac.DownlinkSDU); ok {
			got = d
		}
		close(done)
	})
	go macQueue.Run(ctx)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MacSduReady")
	}
	return got
}

func TestTMModePassesSDUThroughUnframed(t *testing.T) {
	r, fabric, _, ueID, rbID := newTestRLC(t)
	r.ConfigureRB(rbID, ModeTM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got UplinkSDU
	done := make(chan struct{})
	pdcpQueue := fabric.NewQueue(msgq.LayerPDCP, msgq.DefaultCapacity, false)
	pdcpQueue.Attach(msgq.PdcpPduReady, func(msg msgq.Message) {
		if u, ok := msg.Payload.(UplinkSDU); ok {
			got = u
		}
		close(done)
	})
	go pdcpQueue.Run(ctx)

	r.Start(ctx, fabric)
	fabric.Send(msgq.Message{
		Type: msgq.RlcPduReady,
		Dest: msgq.LayerRLC,
		Payload: mac.RLCUplinkSDU{UeID: ueID, RbIdentity: user.DRB1, SDU: []byte("raw ccch")},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PdcpPduReady")
	}
	assert.Equal(t, []byte("raw ccch"), got.SDU)
}

func TestAMModeFramesDownlinkSDUAndBuffersForRetx(t *testing.T) {
	r, fabric, _, ueID, rbID := newTestRLC(t)
	r.ConfigureRB(rbID, ModeAM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, fabric)

	fabric.Send(msgq.Message{
		Type:    msgq.RlcSduReady,
		Dest:    msgq.LayerRLC,
		Payload: DownlinkSDU{UeID: ueID, RbIdentity: user.DRB1, SDU: []byte("hello")},
	})

	got := drainOneMacSDU(t, fabric, ctx)
	assert.Equal(t, ueID, got.UeID)
	assert.Equal(t, rbID, got.RbID)

	sn, payload, ok := unframePDU(got.SDU)
	require.True(t, ok)
	assert.Equal(t, uint16(0), sn)
	assert.Equal(t, []byte("hello"), payload)

	ch := r.channelFor(rbID)
	require.NotNil(t, ch)
	ch.mu.Lock()
	_, buffered := ch.txBuffer[0]
	ch.mu.Unlock()
	assert.True(t, buffered)
}

func TestConfigureRBSelectsUMMode(t *testing.T) {
	r, _, _, _, rbID := newTestRLC(t)
	r.ConfigureRB(rbID, ModeUM)
	ch := r.channelFor(rbID)
	require.NotNil(t, ch)
	assert.Equal(t, ModeUM, ch.mode)
}

func TestFramePDUUnframePDURoundTrip(t *testing.T) {
	pdu := framePDU(42, []byte("payload"))
	sn, payload, ok := unframePDU(pdu)
	require.True(t, ok)
	assert.Equal(t, uint16(42), sn)
	assert.Equal(t, []byte("payload"), payload)
}

func TestSplitRLCPDUsHandlesMultipleBundledPDUs(t *testing.T) {
	a := framePDU(1, []byte("aaa"))
	b := framePDU(2, []byte("bb"))
	bundle := append(append([]byte{}, a...), b...)

	parts := splitRLCPDUs(bundle)
	require.Len(t, parts, 2)
	snA, payloadA, ok := unframePDU(parts[0])
	require.True(t, ok)
	assert.Equal(t, uint16(1), snA)
	assert.Equal(t, []byte("aaa"), payloadA)

	snB, payloadB, ok := unframePDU(parts[1])
	require.True(t, ok)
	assert.Equal(t, uint16(2), snB)
	assert.Equal(t, []byte("bb"), payloadB)
}
