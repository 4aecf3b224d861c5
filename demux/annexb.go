package demux

// H.264 NAL unit types.
const (
	nalTypeIDR = 5
	nalTypeSEI = 6
	nalTypeSPS = 7
)

// H.265 NAL unit types.
const (
	hevcNALBLAStart  = 16
	hevcNALCRA       = 21
	hevcNALSEIPrefix = 39
)

// splitAnnexB splits an Annex B elementary stream into NAL units without
// start codes. Both 3-byte (0x000001) and 4-byte (0x00000001) start codes
// are recognized.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1

	i := 0
	for i+2 < len(data) {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		// At a 0x00 0x00; check for 01 or 00 01.
		codeLen := 0
		if data[i+2] == 1 {
			codeLen = 3
		} else if data[i+2] == 0 && i+3 < len(data) && data[i+3] == 1 {
			codeLen = 4
		}
		if codeLen == 0 {
			i++
			continue
		}
		if start >= 0 {
			nalus = appendNALU(nalus, data[start:i])
		}
		i += codeLen
		start = i
	}
	if start >= 0 {
		nalus = appendNALU(nalus, data[start:])
	}
	return nalus
}

// appendNALU drops empty units produced by adjacent start codes.
func appendNALU(nalus [][]byte, nalu []byte) [][]byte {
	if len(nalu) == 0 {
		return nalus
	}
	return append(nalus, nalu)
}

// h264NALType extracts the NAL unit type from the first header byte.
func h264NALType(nalu []byte) byte {
	return nalu[0] & 0x1F
}

// hevcNALType extracts the NAL unit type from the two-byte HEVC header.
func hevcNALType(nalu []byte) byte {
	return nalu[0] >> 1 & 0x3F
}

// isH264Keyframe reports whether the access unit contains an IDR slice or
// an SPS, either of which marks a safe decode entry point.
func isH264Keyframe(nalus [][]byte) bool {
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		if t := h264NALType(n); t == nalTypeIDR || t == nalTypeSPS {
			return true
		}
	}
	return false
}

// isHEVCKeyframe reports whether the access unit contains an IRAP picture
// (BLA, IDR, or CRA).
func isHEVCKeyframe(nalus [][]byte) bool {
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		if t := hevcNALType(n); t >= hevcNALBLAStart && t <= hevcNALCRA {
			return true
		}
	}
	return false
}
