package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// parseSections walks the PSI sections in payload and returns a Unit for
// each PAT or PMT found. Other table IDs are skipped.
func parseSections(payload []byte, pid uint16) ([]Unit, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}

	offset := 1 + int(payload[0]) // pointer_field
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var units []Unit

	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break // stuffing
		}
		if offset+3 > len(payload) {
			break
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		section := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePAT(section)
			if err != nil {
				return units, err
			}
			units = append(units, Unit{PID: pid, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMT(section)
			if err != nil {
				return units, err
			}
			units = append(units, Unit{PID: pid, PMT: pmt})
		}

		offset = sectionEnd
	}

	return units, nil
}

// parsePAT decodes a complete PAT section including its trailing CRC32.
//
// Layout: table_id, section_length, transport_stream_id, version,
// section numbers (8 bytes total), then 4-byte program entries, then CRC.
func parsePAT(section []byte) (*PAT, error) {
	if err := verifyCRC32(section); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}
	if len(section) < 12 { // 8 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	entryEnd := 3 + sectionLength - 4 // exclude CRC
	if entryEnd > len(section)-4 {
		entryEnd = len(section) - 4
	}

	pat := &PAT{}
	for i := 8; i+4 <= entryEnd; i += 4 {
		number := uint16(section[i])<<8 | uint16(section[i+1])
		pmtPID := uint16(section[i+2]&0x1F)<<8 | uint16(section[i+3])
		if number == 0 {
			continue // network PID entry
		}
		pat.Programs = append(pat.Programs, Program{Number: number, PMTPID: pmtPID})
	}

	return pat, nil
}

// parsePMT decodes a complete PMT section including its trailing CRC32.
//
// Layout: 12-byte header (through program_info_length), program
// descriptors, then 5-byte elementary stream entries each followed by its
// ES descriptors, then CRC.
func parsePMT(section []byte) (*PMT, error) {
	if err := verifyCRC32(section); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}
	if len(section) < 16 { // 12 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	sectionEnd := 3 + sectionLength

	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	offset := 12 + programInfoLength

	pmt := &PMT{}
	for offset+5 <= sectionEnd-4 {
		streamType := section[offset]
		esPID := uint16(section[offset+1]&0x1F)<<8 | uint16(section[offset+2])
		esInfoLength := int(section[offset+3]&0x0F)<<8 | int(section[offset+4])

		pmt.Streams = append(pmt.Streams, ElementaryStream{PID: esPID, StreamType: streamType})
		offset += 5 + esInfoLength
	}

	return pmt, nil
}

// parseRawSections walks the sections in payload without interpreting
// them, returning each complete section verbatim. Used for PIDs the
// caller registered via MarkSectionPID, where the table format is not
// PAT/PMT (splice info sections, application private data).
func parseRawSections(payload []byte, pid uint16) ([]Unit, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: section payload too short")
	}

	offset := 1 + int(payload[0]) // pointer_field
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: section pointer field out of range")
	}

	var units []Unit
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			break // stuffing
		}
		if offset+3 > len(payload) {
			break
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}

		section := make([]byte, sectionEnd-offset)
		copy(section, payload[offset:sectionEnd])
		units = append(units, Unit{PID: pid, Section: section})

		offset = sectionEnd
	}

	return units, nil
}

// MPEG-2 CRC32, polynomial 0x04C11DB7, as used by PSI sections.
var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks that data, which includes its trailing CRC32, hashes
// to zero.
func verifyCRC32(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("data too short for CRC32")
	}
	if computeCRC32(data) != 0 {
		return fmt.Errorf("CRC32 mismatch")
	}
	return nil
}
