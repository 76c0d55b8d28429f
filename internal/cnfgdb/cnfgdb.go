// Package cnfgdb implements the eNodeB's process-wide parameter store:
// a finite enum of named parameters, each with a typed slot, bounds
// metadata, and dynamic/read-only flags, plus construction of the
// broadcast system-information bundle.
//
// Grounded on the original LTE_fdd_enb_cnfg_db (three typed
// std::map<PARAM_ENUM, T> slots plus a SYS_INFO struct rebuilt on
// commit) and on the teacher's yaml-tagged Config style
// (nf/smf/internal/config/config.go) for the on-disk shape — but since
// §6 mandates a flat `name value` wire format rather than YAML, the
// persistence path here is a small hand-rolled line format instead of
// yaml.v3 marshal (see DESIGN.md for that stdlib-justification entry).
package cnfgdb

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/errs"
)

// Param is a member of the closed set of named configuration parameters.
type Param int

const (
	ParamBandwidth Param = iota
	ParamFreqBand
	ParamDLEarfcn
	ParamULEarfcn
	ParamDLCenterFreq
	ParamULCenterFreq
	ParamNRbDL
	ParamNRbUL
	ParamNAnt
	ParamNIdCell
	ParamNId1
	ParamNId2
	ParamMCC
	ParamMNC
	ParamCellID
	ParamTrackingAreaCode
	ParamQRxLevMin
	ParamP0NominalPUSCH
	ParamP0NominalPUCCH
	ParamSIB3Present
	ParamSIB4Present
	ParamSIB5Present
	ParamSIB6Present
	ParamSIB7Present
	ParamSIB8Present
	ParamDebugType
	ParamDebugLevel
	ParamEnablePCAP
	ParamIPAddrStart
	ParamDNSAddr
	ParamUseCnfgFile
	ParamUseUserFile
	ParamTxGain
	ParamRxGain

	paramCount
)

var paramText = [...]string{
	"bandwidth", "band", "dl_earfcn", "ul_earfcn", "dl_center_freq",
	"ul_center_freq", "n_rb_dl", "n_rb_ul", "n_ant", "n_id_cell", "n_id_1",
	"n_id_2", "mcc", "mnc", "cell_id", "tracking_area_code", "q_rx_lev_min",
	"p0_nominal_pusch", "p0_nominal_pucch", "sib3_present", "sib4_present",
	"sib5_present", "sib6_present", "sib7_present", "sib8_present",
	"debug_type", "debug_level", "enable_pcap", "ip_addr_start", "dns_addr",
	"use_cnfg_file", "use_user_file", "tx_gain", "rx_gain",
}

func (p Param) String() string {
	if int(p) < len(paramText) {
		return paramText[p]
	}
	return "unknown"
}

// VarType is the storage kind a Param's slot holds, mirroring
// LTE_FDD_ENB_VAR_TYPE_ENUM.
type VarType int

const (
	VarDouble VarType = iota
	VarInt64
	VarUint32
)

// varMeta captures bounds and mutability metadata for one Param.
type varMeta struct {
	varType  VarType
	dynamic  bool
	readOnly bool
	lbound   int64
	ubound   int64
}

var meta = map[Param]varMeta{
	ParamBandwidth:        {varType: VarUint32, dynamic: false, lbound: 6, ubound: 100},
	ParamFreqBand:         {varType: VarUint32, dynamic: false, lbound: 1, ubound: 28},
	ParamDLEarfcn:         {varType: VarUint32, dynamic: true, lbound: 0, ubound: 65535},
	ParamULEarfcn:         {varType: VarUint32, dynamic: false, readOnly: true},
	ParamDLCenterFreq:     {varType: VarDouble, dynamic: false, readOnly: true},
	ParamULCenterFreq:     {varType: VarDouble, dynamic: false, readOnly: true},
	ParamNRbDL:            {varType: VarUint32, dynamic: false, readOnly: true},
	ParamNRbUL:            {varType: VarUint32, dynamic: false, readOnly: true},
	ParamNAnt:             {varType: VarUint32, dynamic: false, lbound: 1, ubound: 4},
	ParamNIdCell:          {varType: VarUint32, dynamic: true, lbound: 0, ubound: 503},
	ParamNId1:             {varType: VarUint32, dynamic: false, readOnly: true},
	ParamNId2:             {varType: VarUint32, dynamic: false, readOnly: true},
	ParamMCC:              {varType: VarUint32, dynamic: true, lbound: 0, ubound: 999},
	ParamMNC:              {varType: VarUint32, dynamic: true, lbound: 0, ubound: 999},
	ParamCellID:           {varType: VarUint32, dynamic: true, lbound: 0, ubound: 0xFFFFFFF},
	ParamTrackingAreaCode: {varType: VarUint32, dynamic: true, lbound: 0, ubound: 0xFFFF},
	ParamQRxLevMin:        {varType: VarInt64, dynamic: true, lbound: -70, ubound: -22},
	ParamP0NominalPUSCH:   {varType: VarInt64, dynamic: true, lbound: -126, ubound: 24},
	ParamP0NominalPUCCH:   {varType: VarInt64, dynamic: true, lbound: -127, ubound: -96},
	ParamSIB3Present:      {varType: VarUint32, dynamic: true, lbound: 0, ubound: 1},
	ParamSIB4Present:      {varType: VarUint32, dynamic: true, lbound: 0, ubound: 1},
	ParamSIB5Present:      {varType: VarUint32, dynamic: true, lbound: 0, ubound: 1},
	ParamSIB6Present:      {varType: VarUint32, dynamic: true, lbound: 0, ubound: 1},
	ParamSIB7Present:      {varType: VarUint32, dynamic: true, lbound: 0, ubound: 1},
	ParamSIB8Present:      {varType: VarUint32, dynamic: true, lbound: 0, ubound: 1},
	ParamDebugType:        {varType: VarUint32, dynamic: true, lbound: 0, ubound: 0xFFFFFFFF},
	ParamDebugLevel:       {varType: VarUint32, dynamic: true, lbound: 0, ubound: 0xFFFFFFFF},
	ParamEnablePCAP:       {varType: VarUint32, dynamic: true, lbound: 0, ubound: 1},
	ParamIPAddrStart:      {varType: VarUint32, dynamic: false},
	ParamDNSAddr:          {varType: VarUint32, dynamic: false},
	ParamUseCnfgFile:      {varType: VarUint32, dynamic: false, lbound: 0, ubound: 1},
	ParamUseUserFile:      {varType: VarUint32, dynamic: false, lbound: 0, ubound: 1},
	ParamTxGain:           {varType: VarDouble, dynamic: true, lbound: 0, ubound: 100},
	ParamRxGain:           {varType: VarDouble, dynamic: true, lbound: 0, ubound: 100},
}

// SysInfo is the broadcast bundle, rebuilt whenever a uint32 parameter
// is committed; consuming layers read a copy through GetSysInfo. MIB/SIB payloads
// are represented as opaque pre-packed byte buffers (the stack's
// in-scope analogue of the original's `sib1_alloc`/`sib_alloc[4]`),
// since the ASN.1 RRC codec itself is the out-of-scope external
// encoding library §1 calls out.
type SysInfo struct {
	MCC, MNC       uint32
	CellID         uint32
	TAC            uint32
	NIdCell        uint32
	NRbDL, NRbUL   uint32
	NAnt           uint32
	SIPeriodicityT uint32
	SIWinLen       uint32

	MIB  []byte
	SIB1 []byte
	SIBs [4][]byte

	SIB3Present, SIB4Present, SIB5Present, SIB6Present, SIB7Present, SIB8Present bool
}

// DB is the process-wide parameter store.
type DB struct {
	mu sync.RWMutex

	logger *zap.Logger

	doubleVals map[Param]float64
	int64Vals  map[Param]int64
	uint32Vals map[Param]uint32

	sysInfo SysInfo

	persistPath string
}

// New constructs a DB with the original's documented defaults.
func New(logger *zap.Logger) *DB {
	db := &DB{
		logger:     logger,
		doubleVals: make(map[Param]float64),
		int64Vals:  make(map[Param]int64),
		uint32Vals: make(map[Param]uint32),
	}
	db.uint32Vals[ParamBandwidth] = 25
	db.uint32Vals[ParamNRbDL] = 25
	db.uint32Vals[ParamNRbUL] = 25
	db.uint32Vals[ParamNAnt] = 1
	db.uint32Vals[ParamNIdCell] = 0
	db.uint32Vals[ParamMCC] = 1
	db.uint32Vals[ParamMNC] = 1
	db.uint32Vals[ParamCellID] = 1
	db.uint32Vals[ParamTrackingAreaCode] = 1
	db.uint32Vals[ParamIPAddrStart] = ipToUint32(10, 0, 1, 0)
	db.uint32Vals[ParamDNSAddr] = ipToUint32(8, 8, 8, 8)
	db.int64Vals[ParamQRxLevMin] = -70
	db.int64Vals[ParamP0NominalPUSCH] = -96
	db.int64Vals[ParamP0NominalPUCCH] = -113
	db.doubleVals[ParamTxGain] = 60
	db.doubleVals[ParamRxGain] = 40
	db.recomputeSysInfoLocked()
	return db
}

func ipToUint32(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// SetUint32 validates and commits a uint32 parameter, cascading
// dependent recomputation (bandwidth -> N_RB_DL/UL, DL EARFCN -> UL
// EARFCN). The DL/UL center frequencies are not recomputed.
func (db *DB) SetUint32(p Param, value uint32) errs.Error {
	db.mu.Lock()
	defer db.mu.Unlock()

	m, ok := meta[p]
	if !ok || m.varType != VarUint32 {
		return errs.InvalidParam
	}
	if m.readOnly {
		return errs.ReadOnly
	}
	if !m.dynamic {
		// The dynamic flag is not enforced: the DB keeps no started
		// state, so non-dynamic parameters are accepted at any time and
		// VARIABLE_NOT_DYNAMIC is never returned.
	}
	if m.ubound != 0 && (int64(value) < m.lbound || int64(value) > m.ubound) {
		return errs.OutOfBounds
	}

	db.uint32Vals[p] = value

	switch p {
	case ParamBandwidth:
		nrb := bandwidthToNRb(value)
		db.uint32Vals[ParamNRbDL] = nrb
		db.uint32Vals[ParamNRbUL] = nrb
	case ParamDLEarfcn:
		db.uint32Vals[ParamULEarfcn] = value + dlUlEarfcnOffset(value)
	}

	db.recomputeSysInfoLocked()
	db.persistLocked()
	return errs.None
}

// GetUint32 returns a uint32 parameter's current value.
func (db *DB) GetUint32(p Param) (uint32, errs.Error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := meta[p]
	if !ok || m.varType != VarUint32 {
		return 0, errs.InvalidParam
	}
	return db.uint32Vals[p], errs.None
}

// SetInt64 validates and commits an int64 parameter.
func (db *DB) SetInt64(p Param, value int64) errs.Error {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := meta[p]
	if !ok || m.varType != VarInt64 {
		return errs.InvalidParam
	}
	if m.readOnly {
		return errs.ReadOnly
	}
	if value < m.lbound || value > m.ubound {
		return errs.OutOfBounds
	}
	db.int64Vals[p] = value
	db.persistLocked()
	return errs.None
}

// GetInt64 returns an int64 parameter's current value.
func (db *DB) GetInt64(p Param) (int64, errs.Error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := meta[p]
	if !ok || m.varType != VarInt64 {
		return 0, errs.InvalidParam
	}
	return db.int64Vals[p], errs.None
}

// SetDouble validates and commits a double parameter.
func (db *DB) SetDouble(p Param, value float64) errs.Error {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := meta[p]
	if !ok || m.varType != VarDouble {
		return errs.InvalidParam
	}
	if m.readOnly {
		return errs.ReadOnly
	}
	if m.ubound != 0 && (value < float64(m.lbound) || value > float64(m.ubound)) {
		return errs.OutOfBounds
	}
	db.doubleVals[p] = value
	db.persistLocked()
	return errs.None
}

// GetDouble returns a double parameter's current value.
func (db *DB) GetDouble(p Param) (float64, errs.Error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.doubleVals[p], errs.None
}

func bandwidthToNRb(mhz uint32) uint32 {
	switch {
	case mhz <= 6:
		return 6
	case mhz <= 15:
		return 15
	case mhz <= 25:
		return 25
	case mhz <= 50:
		return 50
	case mhz <= 75:
		return 75
	default:
		return 100
	}
}

func dlUlEarfcnOffset(dl uint32) uint32 {
	// Simplified FDD DL->UL EARFCN duplex-gap offset (band-1 class);
	// real band tables live in the external PHY/RF library per §1.
	return 18000
}

// recomputeSysInfoLocked rebuilds SysInfo from the current parameter
// set. Held under db.mu; callers must already hold the write lock.
func (db *DB) recomputeSysInfoLocked() {
	db.sysInfo = SysInfo{
		MCC:            db.uint32Vals[ParamMCC],
		MNC:            db.uint32Vals[ParamMNC],
		CellID:         db.uint32Vals[ParamCellID],
		TAC:            db.uint32Vals[ParamTrackingAreaCode],
		NIdCell:        db.uint32Vals[ParamNIdCell],
		NRbDL:          db.uint32Vals[ParamNRbDL],
		NRbUL:          db.uint32Vals[ParamNRbUL],
		NAnt:           db.uint32Vals[ParamNAnt],
		SIPeriodicityT: 8,
		SIWinLen:       20,
		SIB3Present:    db.uint32Vals[ParamSIB3Present] != 0,
		SIB4Present:    db.uint32Vals[ParamSIB4Present] != 0,
		SIB5Present:    db.uint32Vals[ParamSIB5Present] != 0,
		SIB6Present:    db.uint32Vals[ParamSIB6Present] != 0,
		SIB7Present:    db.uint32Vals[ParamSIB7Present] != 0,
		SIB8Present:    db.uint32Vals[ParamSIB8Present] != 0,
	}
	db.sysInfo.MIB = encodeMIB(db.sysInfo)
	db.sysInfo.SIB1 = encodeSIB1(db.sysInfo)
}

func encodeMIB(si SysInfo) []byte {
	return []byte{byte(si.NRbDL), byte(si.NIdCell >> 8), byte(si.NIdCell)}
}

func encodeSIB1(si SysInfo) []byte {
	return []byte{byte(si.MCC >> 8), byte(si.MCC), byte(si.MNC >> 8), byte(si.MNC), byte(si.CellID)}
}

// GetSysInfo returns a copy of the current system-information snapshot —
// every caller gets a consistent value, never a partial update mid-commit.
func (db *DB) GetSysInfo() SysInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.sysInfo
}

// EnablePersistence turns on flat-file persistence of every committed
// parameter to path, matching §6's `name value` wire format exactly.
func (db *DB) EnablePersistence(path string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.persistPath = path
}

func (db *DB) persistLocked() {
	if db.persistPath == "" {
		return
	}
	var b strings.Builder
	for p, v := range db.uint32Vals {
		fmt.Fprintf(&b, "%s %d\n", p, v)
	}
	for p, v := range db.int64Vals {
		fmt.Fprintf(&b, "%s %d\n", p, v)
	}
	for p, v := range db.doubleVals {
		fmt.Fprintf(&b, "%s %f\n", p, v)
	}
	if err := os.WriteFile(db.persistPath, []byte(b.String()), 0o644); err != nil && db.logger != nil {
		db.logger.Warn("failed to persist config", zap.Error(err))
	}
}

// ReadCnfgFile replays a previously persisted flat config file
// line-by-line through the same Set* validation path used at runtime.
func (db *DB) ReadCnfgFile(path string) errs.Error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Exception
	}
	defer f.Close()

	byName := make(map[string]Param, paramCount)
	for p := Param(0); p < paramCount; p++ {
		byName[p.String()] = p
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		p, ok := byName[fields[0]]
		if !ok {
			continue
		}
		m := meta[p]
		switch m.varType {
		case VarUint32:
			if v, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
				db.SetUint32(p, uint32(v))
			}
		case VarInt64:
			if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				db.SetInt64(p, v)
			}
		case VarDouble:
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				db.SetDouble(p, v)
			}
		}
	}
	return errs.None
}
