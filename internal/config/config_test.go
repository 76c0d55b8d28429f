package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
enb:
  name: enb-001
  plmn:
    mcc: 1
    mnc: 1
cell:
  bandwidth: 20
  dl_earfcn: 1850
  ul_earfcn: 19850
  n_id_cell: 1
  cell_id: 1
  tracking_area_code: 1
gw:
  tun_name: enb-tun0
  ip_pool_base: 10.0.1.1
  mask_len: 24
  dns: 8.8.8.8
ops:
  address: ":9100"
observability:
  log_level: info
  pcap_path: /tmp/enb.pcap
`

func TestLoadParsesEverySection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "enb-001", cfg.ENB.Name)
	assert.Equal(t, uint16(1), cfg.ENB.PLMN.MCC)
	assert.Equal(t, uint32(20), cfg.Cell.Bandwidth)
	assert.Equal(t, "enb-tun0", cfg.GW.TUNName)
	assert.Equal(t, 24, cfg.GW.MaskLen)
	assert.Equal(t, ":9100", cfg.Ops.Address)
	assert.Equal(t, "/tmp/enb.pcap", cfg.Observability.PCAPPath)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/enb.yaml")
	assert.Error(t, err)
}
