// Package mpegts implements MPEG-TS demuxing: transport packet parsing,
// per-PID payload assembly with continuity checking, PAT/PMT discovery,
// and PES reassembly with PTS/DTS extraction.
package mpegts

const (
	// PacketSize is the length of a standard transport stream packet.
	PacketSize = 188

	syncByte       = 0x47
	pidPAT  uint16 = 0x0000
)

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	PID               uint16
	ContinuityCounter uint8
	PayloadStart      bool // payload_unit_start_indicator
	TransportError    bool
	Discontinuity     bool // signaled via the adaptation field
	Payload           []byte
}

// Unit is one logical demuxed unit: a PAT, a PMT, a reassembled PES
// packet, or a raw private section from a PID registered with
// MarkSectionPID. Exactly one of the four fields is non-nil.
type Unit struct {
	PID     uint16
	PAT     *PAT
	PMT     *PMT
	PES     *PES
	Section []byte
}

// PAT is a parsed Program Association Table.
type PAT struct {
	Programs []Program
}

// Program maps a program number to the PID carrying its PMT.
type Program struct {
	Number uint16
	PMTPID uint16
}

// PMT is a parsed Program Map Table.
type PMT struct {
	Streams []ElementaryStream
}

// ElementaryStream describes one elementary stream announced by a PMT.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
}

// PES is a reassembled Packetized Elementary Stream packet. PTS and DTS
// are 33-bit 90 kHz clock values, valid only when the matching Has flag
// is set.
type PES struct {
	StreamID uint8
	PTS      int64
	DTS      int64
	HasPTS   bool
	HasDTS   bool
	Data     []byte
}
