package scte35

import "fmt"

// MPEG-2 CRC32, polynomial 0x04C11DB7, as used by all TS table sections.
var crcTable [256]uint32

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
		crcTable[i] = crc
	}
}

func crc32MPEG2(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks that data, which includes its trailing CRC32,
// hashes to zero.
func verifyCRC32(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: too short for CRC32", ErrInvalidSection)
	}
	if crc32MPEG2(data) != 0 {
		return fmt.Errorf("%w: CRC32 mismatch", ErrInvalidSection)
	}
	return nil
}
