package mpegts

import (
	"errors"
	"io"
)

// Demuxer reads transport packets from a reader and produces Units
// containing parsed PAT, PMT, and PES payloads in stream order.
type Demuxer struct {
	reader      io.Reader
	readBuf     []byte
	set         *assemblerSet
	pending     []Unit
	sectionPIDs map[uint16]bool
	eof         bool
}

// NewDemuxer creates a Demuxer reading 188-byte packets from r.
func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{
		reader:      r,
		readBuf:     make([]byte, PacketSize),
		set:         newAssemblerSet(),
		sectionPIDs: make(map[uint16]bool),
	}
}

// MarkSectionPID registers pid as carrying table sections rather than
// PES data. Its sections are delivered verbatim in Unit.Section.
// Typically called when a PMT announces a data stream type, such as
// SCTE-35 splice information.
func (d *Demuxer) MarkSectionPID(pid uint16) {
	d.sectionPIDs[pid] = true
	d.set.markPSI(pid)
}

// NextUnit returns the next demuxed unit. It returns io.EOF once the
// stream is fully consumed, and passes through any other read error
// (including deadline errors from a deadline-capable reader).
func (d *Demuxer) NextUnit() (Unit, error) {
	for {
		// Serve buffered units first.
		if len(d.pending) > 0 {
			u := d.pending[0]
			d.pending = d.pending[1:]
			return u, nil
		}

		if d.eof {
			return Unit{}, io.EOF
		}

		_, err := io.ReadFull(d.reader, d.readBuf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drain()
				continue
			}
			return Unit{}, err
		}

		pkt, err := parsePacket(d.readBuf)
		if err != nil {
			continue // skip corrupt packets
		}

		done := d.set.add(pkt)
		if done == nil {
			continue
		}

		units, err := d.process(done)
		if err != nil {
			continue // skip corrupt units
		}
		d.pending = append(d.pending, units...)
	}
}

// drain flushes every partially assembled unit at end of stream.
func (d *Demuxer) drain() {
	for _, packets := range d.set.drain() {
		units, err := d.process(packets)
		if err != nil {
			continue
		}
		d.pending = append(d.pending, units...)
	}
}

// process parses a completed run of packets for one PID into units,
// registering any newly announced PMT PIDs along the way.
func (d *Demuxer) process(packets []Packet) ([]Unit, error) {
	if len(packets) == 0 {
		return nil, nil
	}
	pid := packets[0].PID

	payload := joinPayloads(packets)
	if len(payload) == 0 {
		return nil, nil
	}

	if d.sectionPIDs[pid] {
		return parseRawSections(payload, pid)
	}

	if d.set.isPSI(pid) {
		units, err := parseSections(payload, pid)
		if err != nil {
			return nil, err
		}
		for _, u := range units {
			if u.PAT != nil {
				for _, prog := range u.PAT.Programs {
					d.set.markPSI(prog.PMTPID)
				}
			}
		}
		return units, nil
	}

	if isPESPayload(payload) {
		pes, err := parsePES(payload)
		if err != nil {
			return nil, err
		}
		return []Unit{{PID: pid, PES: pes}}, nil
	}

	return nil, nil
}
