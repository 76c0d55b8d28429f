package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/lte-enodeb/internal/cnfgdb"
	"github.com/your-org/lte-enodeb/internal/config"
	"github.com/your-org/lte-enodeb/internal/opsserver"
	"github.com/your-org/lte-enodeb/internal/phy/simulated"
	"github.com/your-org/lte-enodeb/internal/stack"
)

func main() {
	cfgPath := flag.String("config", "", "Path to the eNodeB's YAML startup config")
	subframeInterval := flag.Duration("subframe-interval", time.Millisecond, "Simulated PHY subframe tick interval")
	flag.Parse()

	logger := initLogger("info")
	defer func() {
		_ = logger.Sync()
	}()

	var cfg config.Config
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			logger.Fatal("failed to load config file", zap.String("path", *cfgPath), zap.Error(err))
		}
		cfg = *loaded
		logger.Info("config loaded", zap.String("path", *cfgPath), zap.String("enb_name", cfg.ENB.Name))
	}

	logger.Info("starting eNodeB", zap.String("ops_address", opsAddress(cfg)))

	ipStart := net.ParseIP(cfg.GW.IPPoolBase)
	if ipStart == nil {
		ipStart = net.IPv4(10, 0, 1, 1)
	}
	dns := net.ParseIP(cfg.GW.DNS)
	if dns == nil {
		dns = net.IPv4(8, 8, 8, 8)
	}

	simPHY := simulated.New(*subframeInterval)

	s, err := stack.New(logger, simPHY, stack.Config{
		IPPoolStart: ipStart,
		DNSAddr:     dns,
		PCAPPath:    cfg.Observability.PCAPPath,
	})
	if err != nil {
		logger.Fatal("failed to construct stack", zap.Error(err))
	}
	seedCnfgDB(s.CnfgDB, cfg)

	if cfg.GW.TUNName != "" {
		masklen := cfg.GW.MaskLen
		if masklen == 0 {
			masklen = 24
		}
		if err := s.GW.Open(cfg.GW.TUNName, ipStart, masklen); err != nil {
			logger.Fatal("failed to open TUN device", zap.String("name", cfg.GW.TUNName), zap.Error(err))
		}
		logger.Info("TUN device opened", zap.String("name", cfg.GW.TUNName), zap.String("address", ipStart.String()))
	} else {
		logger.Info("running without a TUN device; downlink IP traffic has nowhere to be delivered")
	}

	ops := opsserver.New(opsAddress(cfg), logger, s.UserMgr, s.HSS)
	opsErrors := make(chan error, 1)
	go func() {
		opsErrors <- ops.Start()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		logger.Fatal("failed to start stack", zap.Error(err))
	}

	logger.Info("eNodeB started successfully")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-opsErrors:
		if err != nil {
			logger.Error("ops server error", zap.Error(err))
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	s.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := ops.Stop(stopCtx); err != nil {
		logger.Error("error during ops server shutdown", zap.Error(err))
	}

	logger.Info("eNodeB shutdown complete")
}

// opsAddress returns the configured ops HTTP address, or a default if
// the startup config left it blank.
func opsAddress(cfg config.Config) string {
	if cfg.Ops.Address == "" {
		return ":9100"
	}
	return cfg.Ops.Address
}

// seedCnfgDB copies the startup config's cell parameters into the
// runtime parameter store, mirroring how the original reads its flat
// config file into LTE_fdd_enb_cnfg_db at boot before accepting any
// runtime Set calls over the operator interface.
func seedCnfgDB(db *cnfgdb.DB, cfg config.Config) {
	set := func(p cnfgdb.Param, v uint32) {
		if v == 0 {
			return
		}
		if err := db.SetUint32(p, v); !err.OK() {
			return
		}
	}
	set(cnfgdb.ParamMCC, uint32(cfg.ENB.PLMN.MCC))
	set(cnfgdb.ParamMNC, uint32(cfg.ENB.PLMN.MNC))
	set(cnfgdb.ParamBandwidth, cfg.Cell.Bandwidth)
	set(cnfgdb.ParamDLEarfcn, cfg.Cell.DLEarfcn)
	set(cnfgdb.ParamULEarfcn, cfg.Cell.ULEarfcn)
	set(cnfgdb.ParamNIdCell, cfg.Cell.NIDCell)
	set(cnfgdb.ParamCellID, cfg.Cell.CellID)
	set(cnfgdb.ParamTrackingAreaCode, cfg.Cell.TrackingAreaCode)
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	return logger
}
