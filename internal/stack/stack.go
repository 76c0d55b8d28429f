// Package stack wires every protocol layer together behind one
// msgq.Fabric and a chosen internal/phy.PHY, the assembly point
// cmd/enodeb and the integration tests both build from.
//
// Grounded on the original LTE_fdd_enodeb top-level class, which owns
// one instance of every _mgr/_sm singleton and starts them in
// PHY -> MAC -> RLC -> PDCP -> RRC -> MME -> GW order; reimplemented
// here as a plain struct of the Go-ported layers (no singletons) built
// by New and started by Start.
package stack

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/cnfgdb"
	"github.com/your-org/lte-enodeb/internal/gw"
	"github.com/your-org/lte-enodeb/internal/hss"
	"github.com/your-org/lte-enodeb/internal/mac"
	"github.com/your-org/lte-enodeb/internal/mme"
	"github.com/your-org/lte-enodeb/internal/msgq"
	"github.com/your-org/lte-enodeb/internal/pcap"
	"github.com/your-org/lte-enodeb/internal/pdcp"
	"github.com/your-org/lte-enodeb/internal/phy"
	"github.com/your-org/lte-enodeb/internal/rlc"
	"github.com/your-org/lte-enodeb/internal/rrc"
	"github.com/your-org/lte-enodeb/internal/user"
)

// Stack is one fully wired eNodeB protocol stack.
type Stack struct {
	Logger  *zap.Logger
	CnfgDB  *cnfgdb.DB
	UserMgr *user.Manager
	HSS     *hss.HSS
	Fabric  *msgq.Fabric

	MAC  *mac.MAC
	RLC  *rlc.RLC
	PDCP *pdcp.PDCP
	RRC  *rrc.RRC
	MME  *mme.MME
	GW   *gw.GW

	PHY    phy.PHY
	PCAP   *pcap.Writer // LTE MAC capture (DLT=147)
	PCAPIP *pcap.Writer // IP capture (DLT=228)
	cancel context.CancelFunc
}

// Config bundles stack construction parameters.
type Config struct {
	IPPoolStart net.IP
	DNSAddr     net.IP
	PCAPPath    string
}

// New constructs every layer and wires their cross-references, without
// starting any goroutines.
func New(logger *zap.Logger, phyImpl phy.PHY, cfg Config) (*Stack, error) {
	db := cnfgdb.New(logger)
	userMgr := user.NewManager(logger, 30*time.Second)
	hssL := hss.New(logger, make([]byte, 16))

	macL := mac.New(logger, db, userMgr)
	rlcL := rlc.New(logger, userMgr)
	pdcpL := pdcp.New(logger, userMgr)
	rrcL := rrc.New(logger, db, userMgr, macL, rlcL, pdcpL)

	ipStart := cfg.IPPoolStart
	if ipStart == nil {
		ipStart = net.IPv4(10, 0, 1, 1)
	}
	dns := cfg.DNSAddr
	if dns == nil {
		dns = net.IPv4(8, 8, 8, 8)
	}
	mmeL := mme.New(logger, db, userMgr, hssL, ipStart, dns)

	gwL := gw.New(logger, userMgr)

	var macWriter, ipWriter *pcap.Writer
	if cfg.PCAPPath != "" {
		macPath, ipPath := pcapPaths(cfg.PCAPPath)
		w, err := pcap.Open(macPath, pcap.DLTLTEMAC)
		if err != nil {
			return nil, err
		}
		macWriter = w
		w, err = pcap.Open(ipPath, pcap.DLTIP)
		if err != nil {
			macWriter.Close()
			return nil, err
		}
		ipWriter = w
		macL.SetPCAP(macWriter)
		gwL.SetPCAP(ipWriter)
	}

	return &Stack{
		Logger:  logger,
		CnfgDB:  db,
		UserMgr: userMgr,
		HSS:     hssL,
		Fabric:  msgq.NewFabric(logger),
		MAC:     macL,
		RLC:     rlcL,
		PDCP:    pdcpL,
		RRC:     rrcL,
		MME:     mmeL,
		GW:      gwL,
		PHY:     phyImpl,
		PCAP:    macWriter,
		PCAPIP:  ipWriter,
	}, nil
}

// pcapPaths derives the LTE MAC and IP capture file paths from one
// configured base path, mirroring the original's separate
// open_lte_pcap_fd/open_ip_pcap_fd calls against a shared base name.
func pcapPaths(base string) (macPath, ipPath string) {
	if ext := ".pcap"; strings.HasSuffix(base, ext) {
		trimmed := strings.TrimSuffix(base, ext)
		return trimmed + ".mac.pcap", trimmed + ".ip.pcap"
	}
	return base + ".mac.pcap", base + ".ip.pcap"
}

// Start begins every layer's consumer goroutine in MAC -> RLC -> PDCP ->
// RRC -> MME -> GW order, then the background UE-deletion sweep, and
// starts the PHY subframe clock last.
func (s *Stack) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.MAC.Start(ctx, s.Fabric)
	s.RLC.Start(ctx, s.Fabric)
	s.PDCP.Start(ctx, s.Fabric)
	s.RRC.Start(ctx, s.Fabric)
	s.MME.Start(ctx, s.Fabric)
	s.GW.Start(ctx, s.Fabric)

	go s.sweepLoop(ctx)

	return s.PHY.Start(s.MAC)
}

// Stop halts the PHY clock and every layer's background goroutine.
func (s *Stack) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.PHY.Stop()
	if s.PCAP != nil {
		s.PCAP.Close()
	}
	if s.PCAPIP != nil {
		s.PCAPIP.Close()
	}
	s.GW.Close()
}

// sweepLoop periodically finalizes deletion of UEs marked pending,
// mirroring the original's timer-driven delayed-delete sweep.
func (s *Stack) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.UserMgr.Sweep(func(user.UeID) bool { return true })
		}
	}
}
