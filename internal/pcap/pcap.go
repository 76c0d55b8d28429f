// Package pcap writes the two pcap capture files §6 specifies: LTE MAC
// (DLT=147, Catapult DCT2000-style per-packet header) and IP (DLT=228).
// No pcap-writing library appears anywhere in the retrieved example
// pack, so this is implemented directly against the documented byte
// layout with encoding/binary — see DESIGN.md for the stdlib-only
// justification. Grounded on the byte layout LTE_fdd_enb_interface.cc
// documents for open_lte_pcap_fd/open_ip_pcap_fd/send_*_pcap_msg.
package pcap

import (
	"encoding/binary"
	"os"
	"sync"
	"time"
)

const (
	magicNumber  = 0xa1b2c3d4
	versionMajor = 2
	versionMinor = 4

	// DLTLTEMAC is the libpcap link-layer type for Catapult DCT2000-style
	// LTE MAC frames.
	DLTLTEMAC = 147
	// DLTIP is the libpcap link-layer type for raw IP.
	DLTIP = 228

	// PcapDirectionUL / PcapDirectionDL tag an LTE MAC frame's direction.
	PcapDirectionUL = 0
	PcapDirectionDL = 1
)

// Writer appends packets to one pcap capture file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	dlt  uint32
}

// Open creates (or truncates) path and writes the 24-byte global header.
func Open(path string, dlt uint32) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, 24)
	binary.BigEndian.PutUint32(hdr[0:4], magicNumber)
	binary.BigEndian.PutUint16(hdr[4:6], versionMajor)
	binary.BigEndian.PutUint16(hdr[6:8], versionMinor)
	// thiszone, sigfigs left zero.
	binary.BigEndian.PutUint32(hdr[16:20], 65535) // snaplen
	binary.BigEndian.PutUint32(hdr[20:24], dlt)

	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{file: f, dlt: dlt}, nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *Writer) writeRecord(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	rec := make([]byte, 16)
	binary.BigEndian.PutUint32(rec[0:4], uint32(now.Unix()))
	binary.BigEndian.PutUint32(rec[4:8], uint32(now.Nanosecond()/1000))
	binary.BigEndian.PutUint32(rec[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(rec[12:16], uint32(len(payload)))

	if _, err := w.file.Write(rec); err != nil {
		return err
	}
	_, err := w.file.Write(payload)
	return err
}

// WriteLTEMAC writes one Catapult DCT2000-style LTE MAC frame: radio
// type, direction, RNTI value, UEID, SUBFN (tti mod 10), CRC-status tag,
// payload tag, then the packed octets. No RNTI-type field is written.
func (w *Writer) WriteLTEMAC(direction uint8, rnti uint16, ueID uint16, currentTTI uint32, msg []byte) error {
	hdr := make([]byte, 0, 16+len(msg))
	hdr = append(hdr, 1 /* radio type: FDD */, direction)
	rntiBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(rntiBuf, rnti)
	hdr = append(hdr, rntiBuf...)
	ueBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(ueBuf, ueID)
	hdr = append(hdr, ueBuf...)
	subfnBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(subfnBuf, uint16(currentTTI%10))
	hdr = append(hdr, subfnBuf...)
	hdr = append(hdr, 1 /* CRC-status: OK */, 1 /* payload tag: PDSCH/PUSCH */)
	hdr = append(hdr, msg...)
	return w.writeRecord(hdr)
}

// WriteIP writes one raw IPv4/IPv6 datagram.
func (w *Writer) WriteIP(msg []byte) error {
	return w.writeRecord(msg)
}
