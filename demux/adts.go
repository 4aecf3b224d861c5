package demux

import "errors"

// ErrInvalidADTS is returned when an ADTS header carries an out-of-range
// sample rate index.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// AAC sample rate index table (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// adtsFrame is one AAC frame located within an ADTS stream. Data includes
// the ADTS header.
type adtsFrame struct {
	data       []byte
	sampleRate int
	channels   int
}

// splitADTS scans an ADTS byte stream and returns the complete AAC frames
// it contains, resynchronizing on the 0xFFF sync word after garbage and
// stopping at a truncated trailing frame.
func splitADTS(data []byte) ([]adtsFrame, error) {
	var frames []adtsFrame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < 7 {
			break // not enough for a header
		}

		if data[offset] != 0xFF || data[offset+1]&0xF0 != 0xF0 {
			offset++ // scan for the next sync word
			continue
		}

		headerSize := 7
		if data[offset+1]&0x01 == 0 { // protection_absent clear: CRC present
			headerSize = 9
		}

		sampleRateIdx := data[offset+2] >> 2 & 0x0F
		if int(sampleRateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		channelCfg := data[offset+2]&0x01<<2 | data[offset+3]>>6&0x03

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize || offset+frameLen > len(data) {
			break // truncated
		}

		frames = append(frames, adtsFrame{
			data:       data[offset : offset+frameLen],
			sampleRate: aacSampleRates[sampleRateIdx],
			channels:   int(channelCfg),
		})
		offset += frameLen
	}

	return frames, nil
}
