package pcap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesBigEndianGlobalHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcap")
	w, err := Open(path, DLTLTEMAC)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 24)

	assert.Equal(t, uint32(0xa1b2c3d4), binary.BigEndian.Uint32(data[0:4]))
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(data[4:6]))
	assert.Equal(t, uint16(4), binary.BigEndian.Uint16(data[6:8]))
	assert.Equal(t, uint32(65535), binary.BigEndian.Uint32(data[16:20]))
	assert.Equal(t, uint32(DLTLTEMAC), binary.BigEndian.Uint32(data[20:24]))
}

func TestWriteLTEMACAppendsBigEndianRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mac.pcap")
	w, err := Open(path, DLTLTEMAC)
	require.NoError(t, err)

	msg := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, w.WriteLTEMAC(PcapDirectionDL, 0x1234, 7, 100, msg))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 24+16)

	rec := data[24:]
	inclLen := binary.BigEndian.Uint32(rec[8:12])
	origLen := binary.BigEndian.Uint32(rec[12:16])
	assert.Equal(t, inclLen, origLen)

	frame := rec[16:]
	assert.Equal(t, uint8(1), frame[0]) // radio type: FDD
	assert.Equal(t, uint8(PcapDirectionDL), frame[1])
	assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(frame[2:4]))
	assert.Equal(t, msg, frame[len(frame)-len(msg):])
}
