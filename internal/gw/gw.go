// Package gw implements the IP gateway: TUN device lifecycle (open,
// assign an address, bring up) and the RX/TX dispatch between that TUN
// device and PDCP.
//
// TUN creation/address assignment is grounded on
// AlohaLuo-gnbsim-backup/cmd/gnbsim_netlink.go's addTunnel/addIPv4Address,
// using github.com/vishvananda/netlink's Tuntap link type as the
// external TUN I/O library (raw TUN ioctls are out of scope per
// spec.md §1). The RX/TX traffic loops are modeled on the teacher's
// nf/upf/internal/gtpu/handler.go N3/N6 loops, adapted from UDP
// sockets to a TUN file descriptor: downlink resolves the destination
// IPv4 address to a UE and hands the packet to PDCP; uplink writes a
// PDCP-delivered SDU straight back out the TUN fd.
package gw

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/msgq"
	"github.com/your-org/lte-enodeb/internal/obsmetrics"
	"github.com/your-org/lte-enodeb/internal/pcap"
	"github.com/your-org/lte-enodeb/internal/pdcp"
	"github.com/your-org/lte-enodeb/internal/user"
)

// GW owns the TUN device and dispatches packets between it and PDCP.
type GW struct {
	logger  *zap.Logger
	userMgr *user.Manager
	fabric  *msgq.Fabric
	queue   *msgq.Queue

	ifName string
	fd     *os.File

	pcapW *pcap.Writer
}

// New constructs a GW bound to the user manager, for resolving a
// downlink destination IP to the owning UE.
func New(logger *zap.Logger, userMgr *user.Manager) *GW {
	return &GW{logger: logger, userMgr: userMgr}
}

// SetPCAP attaches a pcap capture writer: every IP packet crossing the
// TUN device in either direction is mirrored to it from then on.
// Passing nil disables capture again.
func (g *GW) SetPCAP(w *pcap.Writer) {
	g.pcapW = w
}

// Open creates ifName as a TUN device, assigns it localIP/masklen, and
// brings it up, mirroring addTunnel + addIPv4Address.
func (g *GW) Open(ifName string, localIP net.IP, masklen int) error {
	tun := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: ifName},
		Mode:      netlink.TUNTAP_MODE_TUN,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_NO_PI,
		Queues:    1,
	}
	if err := netlink.LinkAdd(tun); err != nil {
		return fmt.Errorf("failed to add tun device[%s]: %w", ifName, err)
	}
	if err := netlink.LinkSetUp(tun); err != nil {
		return fmt.Errorf("failed to up tun device[%s]: %w", ifName, err)
	}
	if err := addIPv4Address(ifName, localIP, masklen); err != nil {
		return fmt.Errorf("failed to assign address to tun device[%s]: %w", ifName, err)
	}
	if len(tun.Fds) == 0 {
		return fmt.Errorf("tun device[%s] has no backing fd", ifName)
	}

	g.ifName = ifName
	g.fd = tun.Fds[0]
	return nil
}

func addIPv4Address(ifName string, ip net.IP, masklen int) error {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return err
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(masklen, 32)}}
	return netlink.AddrAdd(link, addr)
}

// Start attaches GW's consumer queue (GwDataReady carries uplink SDUs
// recovered by PDCP) and begins the TUN RX loop.
func (g *GW) Start(ctx context.Context, fabric *msgq.Fabric) {
	g.fabric = fabric
	g.queue = fabric.NewQueue(msgq.LayerGW, msgq.DefaultCapacity, false)
	g.queue.Attach(msgq.GwDataReady, func(msg msgq.Message) {
		if up, ok := msg.Payload.(pdcp.UplinkSDU); ok {
			g.handleUplinkSDU(up)
		}
	})
	go g.queue.Run(ctx)
	if g.fd != nil {
		go g.rxLoop(ctx)
	}
}

// handleUplinkSDU writes a decapsulated uplink IP packet out the TUN
// device toward the data network.
func (g *GW) handleUplinkSDU(up pdcp.UplinkSDU) {
	if g.fd == nil {
		return
	}
	if g.pcapW != nil {
		if err := g.pcapW.WriteIP(up.SDU); err != nil && g.logger != nil {
			g.logger.Warn("pcap write failed", zap.Error(err))
		}
	}
	if _, err := g.fd.Write(up.SDU); err != nil {
		if g.logger != nil {
			g.logger.Warn("tun write failed", zap.Error(err))
		}
		return
	}
	obsmetrics.RecordGWPacket("uplink")
}

// rxLoop reads downlink IPv4 packets off the TUN device, resolves the
// destination address to its owning UE, and hands the packet to PDCP
// on that UE's default bearer.
func (g *GW) rxLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := g.fd.Read(buf)
		if err != nil {
			if g.logger != nil {
				g.logger.Warn("tun read failed", zap.Error(err))
			}
			return
		}
		g.handleDownlinkPacket(append([]byte{}, buf[:n]...))
	}
}

func (g *GW) handleDownlinkPacket(ipPacket []byte) {
	if len(ipPacket) < 20 {
		return
	}
	dstIP := net.IP(ipPacket[16:20])

	ueID, ok := g.userMgr.FindByIP(dstIP)
	if !ok {
		obsmetrics.RecordGWPacket("downlink_dropped")
		return
	}

	if g.pcapW != nil {
		if err := g.pcapW.WriteIP(ipPacket); err != nil && g.logger != nil {
			g.logger.Warn("pcap write failed", zap.Error(err))
		}
	}

	g.fabric.Send(msgq.Message{
		Type: msgq.PdcpDataSduReady,
		Dest: msgq.LayerPDCP,
		Payload: pdcp.DownlinkSDU{UeID: ueID, RbIdentity: user.DRB1, SDU: ipPacket},
	})
	obsmetrics.RecordGWPacket("downlink")
}

// Close releases the TUN file descriptor.
func (g *GW) Close() error {
	if g.fd == nil {
		return nil
	}
	return g.fd.Close()
}
