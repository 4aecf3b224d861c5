package mpegts

import "fmt"

// parsePacket decodes one 188-byte transport packet. The payload is copied
// out of buf, so the caller may reuse buf for the next read.
func parsePacket(buf []byte) (Packet, error) {
	var p Packet

	if len(buf) != PacketSize {
		return p, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return p, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p.TransportError = buf[1]&0x80 != 0
	p.PayloadStart = buf[1]&0x40 != 0
	p.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	hasAdaptation := buf[3]&0x20 != 0
	hasPayload := buf[3]&0x10 != 0
	p.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if hasAdaptation {
		if offset >= PacketSize {
			return p, nil
		}
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < PacketSize {
			p.Discontinuity = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if hasPayload && offset < PacketSize {
		p.Payload = make([]byte, PacketSize-offset)
		copy(p.Payload, buf[offset:])
	}

	return p, nil
}
