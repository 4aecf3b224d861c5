package mpegts

import "sort"

// assembler buffers the packets of a single PID until a flush trigger:
// a new payload_unit_start for PES streams, or a complete section for
// PSI PIDs.
type assembler struct {
	pid     uint16
	packets []Packet
	psiPIDs map[uint16]bool
}

func newAssembler(pid uint16, psiPIDs map[uint16]bool) *assembler {
	return &assembler{pid: pid, psiPIDs: psiPIDs}
}

// add buffers p, returning the packets of a completed unit when one is
// ready and nil otherwise.
func (a *assembler) add(p Packet) []Packet {
	if p.TransportError {
		a.packets = nil
		return nil
	}
	if p.Payload == nil {
		return nil // adaptation-only packet
	}

	// Continuity check against the last buffered packet. A signaled
	// discontinuity means the counter jump is expected.
	if len(a.packets) > 0 && !p.Discontinuity {
		prev := a.packets[len(a.packets)-1].ContinuityCounter
		expected := (prev + 1) & 0x0F
		if p.ContinuityCounter != expected {
			if p.ContinuityCounter == prev {
				return nil // duplicate packet
			}
			a.packets = nil // unsignaled discontinuity, drop the unit
		}
	}

	var done []Packet

	if p.PayloadStart && len(a.packets) > 0 {
		done = a.packets
		a.packets = nil
	}

	a.packets = append(a.packets, p)

	if done == nil && a.isPSI() && sectionComplete(joinPayloads(a.packets)) {
		done = a.packets
		a.packets = nil
	}

	return done
}

func (a *assembler) isPSI() bool {
	return a.pid == pidPAT || a.psiPIDs[a.pid]
}

// flush returns whatever is buffered, used at end of stream.
func (a *assembler) flush() []Packet {
	done := a.packets
	a.packets = nil
	return done
}

func joinPayloads(packets []Packet) []byte {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return payload
}

// assemblerSet routes packets to per-PID assemblers.
type assemblerSet struct {
	byPID   map[uint16]*assembler
	psiPIDs map[uint16]bool
}

func newAssemblerSet() *assemblerSet {
	return &assemblerSet{
		byPID:   make(map[uint16]*assembler),
		psiPIDs: make(map[uint16]bool),
	}
}

// markPSI registers pid as carrying PMT sections.
func (s *assemblerSet) markPSI(pid uint16) {
	s.psiPIDs[pid] = true
}

func (s *assemblerSet) isPSI(pid uint16) bool {
	return pid == pidPAT || s.psiPIDs[pid]
}

func (s *assemblerSet) add(p Packet) []Packet {
	a, ok := s.byPID[p.PID]
	if !ok {
		a = newAssembler(p.PID, s.psiPIDs)
		s.byPID[p.PID] = a
	}
	return a.add(p)
}

// drain flushes every assembler, PAT PID first so PMT PIDs discovered
// during the drain are still recognized as PSI.
func (s *assemblerSet) drain() [][]Packet {
	pids := make([]int, 0, len(s.byPID))
	for pid := range s.byPID {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var all [][]Packet
	for _, pid := range pids {
		if packets := s.byPID[uint16(pid)].flush(); len(packets) > 0 {
			all = append(all, packets)
		}
	}
	return all
}

// sectionComplete reports whether payload holds at least one complete PSI
// section, walking section headers from the pointer field onward.
func sectionComplete(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	offset := 1 + int(payload[0]) // pointer_field
	if offset >= len(payload) {
		return false
	}

	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true // stuffing, section ended
		}
		if offset+3 > len(payload) {
			return false
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		needed := 3 + sectionLength
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}
