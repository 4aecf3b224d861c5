package mpegts

import "fmt"

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// Stream IDs without an optional PES header: padding_stream,
// private_stream_2, ECM, EMM, DSMCC, H.222.1 type E, directory.
func hasOptionalPESHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// parsePES decodes a reassembled PES packet, extracting the stream ID,
// PTS/DTS when present, and the elementary stream data.
func parsePES(payload []byte) (*PES, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	pes := &PES{StreamID: payload[3]}
	packetLength := int(payload[4])<<8 | int(payload[5])

	if !hasOptionalPESHeader(pes.StreamID) {
		if packetLength > 0 && 6+packetLength <= len(payload) {
			pes.Data = payload[6 : 6+packetLength]
		} else {
			pes.Data = payload[6:]
		}
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	// payload[7] bits 7-6: PTS_DTS_indicator; payload[8]: header data length.
	ptsDTSIndicator := (payload[7] >> 6) & 0x03
	headerDataLength := int(payload[8])

	dataStart := 9 + headerDataLength
	if dataStart > len(payload) {
		dataStart = len(payload)
	}

	switch ptsDTSIndicator {
	case 2: // PTS only
		if len(payload) >= 14 {
			pes.PTS = parseTimestamp(payload[9:14])
			pes.HasPTS = true
		}
	case 3: // PTS + DTS
		if len(payload) >= 19 {
			pes.PTS = parseTimestamp(payload[9:14])
			pes.DTS = parseTimestamp(payload[14:19])
			pes.HasPTS = true
			pes.HasDTS = true
		}
	}

	if end := 6 + packetLength; packetLength > 0 && end <= len(payload) && dataStart <= end {
		pes.Data = payload[dataStart:end]
	} else {
		// packetLength 0 means unbounded, used by video streams.
		pes.Data = payload[dataStart:]
	}

	return pes, nil
}

// parseTimestamp extracts a 33-bit 90 kHz timestamp from 5 PES timestamp
// bytes.
func parseTimestamp(bs []byte) int64 {
	return int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
}
