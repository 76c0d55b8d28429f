package gw

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/msgq"
	"github.com/your-org/lte-enodeb/internal/pcap"
	"github.com/your-org/lte-enodeb/internal/pdcp"
	"github.com/your-org/lte-enodeb/internal/user"
)

func newTestGW(t *testing.T) (*GW, *msgq.Fabric, *user.Manager) {
	t.Helper()
	logger := zap.NewNop()
	fabric := msgq.NewFabric(logger)
	userMgr := user.NewManager(logger, time.Hour)
	g := New(logger, userMgr)
	return g, fabric, userMgr
}

func TestHandleDownlinkPacketResolvesUEByIPAndForwardsToPDCP(t *testing.T) {
	g, fabric, userMgr := newTestGW(t)
	ueID, _ := userMgr.AssignCRNTI()
	ue := userMgr.Get(ueID)
	ue.IPAddr = net.IPv4(10, 0, 1, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.Start(ctx, fabric)

	var got pdcp.DownlinkSDU
	done := make(chan struct{})
	pdcpQueue := fabric.NewQueue(msgq.LayerPDCP, msgq.DefaultCapacity, false)
	pdcpQueue.Attach(msgq.PdcpDataSduReady, func(msg msgq.Message) {
		if d, ok := msg.Payload.(pdcp.DownlinkSDU); ok {
			got = d
		}
		close(done)
	})
	go pdcpQueue.Run(ctx)

	ipPacket := make([]byte, 20)
	ipPacket[0] = 0x45
	copy(ipPacket[16:20], ue.IPAddr.To4())
	g.handleDownlinkPacket(ipPacket)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for downlink dispatch to PDCP")
	}

	assert.Equal(t, ueID, got.UeID)
	assert.Equal(t, user.DRB1, got.RbIdentity)
	assert.Equal(t, ipPacket, got.SDU)
}

func TestHandleDownlinkPacketDropsUnknownDestination(t *testing.T) {
	g, fabric, _ := newTestGW(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx, fabric)

	ipPacket := make([]byte, 20)
	ipPacket[0] = 0x45
	copy(ipPacket[16:20], net.IPv4(203, 0, 113, 1).To4())

	// Should not panic or block; there is no UE bound to this address.
	g.handleDownlinkPacket(ipPacket)
}

func TestHandleUplinkSDUMirrorsToPCAPWhenAttached(t *testing.T) {
	g, _, _ := newTestGW(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	g.fd = w

	pcapPath := filepath.Join(t.TempDir(), "ip.pcap")
	writer, err := pcap.Open(pcapPath, pcap.DLTIP)
	require.NoError(t, err)
	g.SetPCAP(writer)

	g.handleUplinkSDU(pdcp.UplinkSDU{SDU: []byte("uplink ip packet")})
	w.Close()
	require.NoError(t, writer.Close())

	data, err := os.ReadFile(pcapPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "uplink ip packet")
}

func TestHandleUplinkSDUWritesToTunFD(t *testing.T) {
	g, _, _ := newTestGW(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	g.fd = w

	g.handleUplinkSDU(pdcp.UplinkSDU{SDU: []byte("uplink ip packet")})
	w.Close()

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	assert.Equal(t, "uplink ip packet", string(buf[:n]))
}
