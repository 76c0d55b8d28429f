// Package config loads the eNodeB's startup configuration: the
// one-shot, operator-edited YAML file cmd/enodeb reads before it
// builds the stack. This is distinct from internal/cnfgdb, which is
// the runtime parameter store the RRC/MAC layers read and the
// operator can change while the process is up — config.Config only
// ever seeds cnfgdb's initial values and names process-level concerns
// cnfgdb has no business knowing about (TUN device name, ops HTTP
// address, PCAP path).
//
// Grounded on the teacher's nf/smf/internal/config/config.go: a single
// yaml-tagged struct tree loaded with yaml.v3, nested per concern.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the eNodeB process's startup configuration.
type Config struct {
	ENB           ENBConfig           `yaml:"enb"`
	Cell          CellConfig          `yaml:"cell"`
	GW            GWConfig            `yaml:"gw"`
	Ops           OpsConfig           `yaml:"ops"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ENBConfig names this eNodeB instance and its PLMN identity.
type ENBConfig struct {
	Name string `yaml:"name"`
	PLMN PLMN   `yaml:"plmn"`
}

// PLMN is a Public Land Mobile Network identity.
type PLMN struct {
	MCC uint16 `yaml:"mcc"`
	MNC uint16 `yaml:"mnc"`
}

// CellConfig seeds the cnfgdb radio parameters the cell broadcasts in
// its system information.
type CellConfig struct {
	Bandwidth        uint32 `yaml:"bandwidth"`
	DLEarfcn         uint32 `yaml:"dl_earfcn"`
	ULEarfcn         uint32 `yaml:"ul_earfcn"`
	NIDCell          uint32 `yaml:"n_id_cell"`
	CellID           uint32 `yaml:"cell_id"`
	TrackingAreaCode uint32 `yaml:"tracking_area_code"`
}

// GWConfig configures the TUN-backed SGi gateway.
type GWConfig struct {
	TUNName    string `yaml:"tun_name"`
	IPPoolBase string `yaml:"ip_pool_base"`
	MaskLen    int    `yaml:"mask_len"`
	DNS        string `yaml:"dns"`
}

// OpsConfig configures the ambient health/ready/status/metrics surface.
type OpsConfig struct {
	Address string `yaml:"address"`
}

// ObservabilityConfig configures logging and PCAP capture.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
	PCAPPath string `yaml:"pcap_path"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
