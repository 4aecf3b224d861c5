// Package scte35 decodes SCTE-35 splice information sections as carried
// on MPEG-TS data PIDs. Only the command types relevant to ad-break
// signaling are interpreted: splice_null, splice_insert, and
// time_signal. Unknown commands decode to a Section with no command
// payload so callers can still observe that a cue arrived.
package scte35

import (
	"errors"
	"fmt"
)

const tableID = 0xFC

// Splice command types (SCTE 35 table 6).
const (
	CmdSpliceNull   = 0x00
	CmdSpliceInsert = 0x05
	CmdTimeSignal   = 0x06
)

// ErrInvalidSection indicates data that is not a well-formed splice
// information section.
var ErrInvalidSection = errors.New("scte35: invalid splice info section")

// SpliceTime is an optional presentation time on the 33-bit 90 kHz
// clock. PTS is valid only when Specified is set.
type SpliceTime struct {
	Specified bool
	PTS       uint64
}

// SpliceInsert is the payload of a splice_insert command.
type SpliceInsert struct {
	EventID        uint32
	Cancel         bool
	OutOfNetwork   bool
	Immediate      bool
	Time           SpliceTime
	HasDuration    bool
	AutoReturn     bool
	Duration       uint64 // 90 kHz ticks
	ProgramID      uint16
	AvailNum       uint8
	AvailsExpected uint8
}

// Section is a decoded splice information section. Insert is non-nil
// for splice_insert commands and Signal for time_signal commands;
// both are nil for splice_null and unrecognized commands.
type Section struct {
	PTSAdjustment uint64 // 90 kHz ticks, already excluded from command times
	Tier          uint16
	Command       uint8
	Insert        *SpliceInsert
	Signal        *SpliceTime
}

// SplicePTS returns the presentation time the section refers to, with
// pts_adjustment applied modulo the 33-bit clock, and whether one is
// present at all.
func (s *Section) SplicePTS() (uint64, bool) {
	var t SpliceTime
	switch {
	case s.Insert != nil:
		t = s.Insert.Time
	case s.Signal != nil:
		t = *s.Signal
	}
	if !t.Specified {
		return 0, false
	}
	return (t.PTS + s.PTSAdjustment) & 0x1FFFFFFFF, true
}

// Decode parses a complete splice information section, verifying the
// trailing MPEG-2 CRC32.
func Decode(data []byte) (*Section, error) {
	// 3-byte header, 11 fixed bytes through command type, 4-byte CRC.
	if len(data) < 18 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSection, len(data))
	}
	if data[0] != tableID {
		return nil, fmt.Errorf("%w: table id 0x%02X", ErrInvalidSection, data[0])
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	if 3+sectionLength != len(data) {
		return nil, fmt.Errorf("%w: section length %d in %d bytes", ErrInvalidSection, sectionLength, len(data))
	}
	if err := verifyCRC32(data); err != nil {
		return nil, err
	}
	if data[4]&0x80 != 0 {
		return nil, fmt.Errorf("%w: encrypted section", ErrInvalidSection)
	}

	s := &Section{
		PTSAdjustment: uint64(data[4]&0x01)<<32 |
			uint64(data[5])<<24 | uint64(data[6])<<16 | uint64(data[7])<<8 | uint64(data[8]),
		Tier:    uint16(data[10])<<4 | uint16(data[11])>>4,
		Command: data[13],
	}

	commandLength := int(data[11]&0x0F)<<8 | int(data[12])
	commandEnd := 14 + commandLength
	if commandLength == 0xFFF {
		// Legacy encoders leave the length unspecified. The command
		// then runs to the CRC; descriptors cannot be located.
		commandEnd = len(data) - 4
	}
	if commandEnd > len(data)-4 {
		return nil, fmt.Errorf("%w: command length %d", ErrInvalidSection, commandLength)
	}
	command := data[14:commandEnd]

	var err error
	switch s.Command {
	case CmdSpliceInsert:
		s.Insert, err = decodeSpliceInsert(command)
	case CmdTimeSignal:
		var t SpliceTime
		t, _, err = decodeSpliceTime(command)
		if err == nil {
			s.Signal = &t
		}
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

func decodeSpliceInsert(data []byte) (*SpliceInsert, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: splice_insert %d bytes", ErrInvalidSection, len(data))
	}

	ins := &SpliceInsert{
		EventID: uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]),
		Cancel:  data[4]&0x80 != 0,
	}
	if ins.Cancel {
		return ins, nil
	}
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: splice_insert truncated", ErrInvalidSection)
	}

	flags := data[5]
	ins.OutOfNetwork = flags&0x80 != 0
	programSplice := flags&0x40 != 0
	durationFlag := flags&0x20 != 0
	ins.Immediate = flags&0x10 != 0

	pos := 6
	if programSplice && !ins.Immediate {
		t, n, err := decodeSpliceTime(data[pos:])
		if err != nil {
			return nil, err
		}
		ins.Time = t
		pos += n
	}
	if durationFlag {
		if pos+5 > len(data) {
			return nil, fmt.Errorf("%w: break_duration truncated", ErrInvalidSection)
		}
		ins.HasDuration = true
		ins.AutoReturn = data[pos]&0x80 != 0
		ins.Duration = uint64(data[pos]&0x01)<<32 |
			uint64(data[pos+1])<<24 | uint64(data[pos+2])<<16 | uint64(data[pos+3])<<8 | uint64(data[pos+4])
		pos += 5
	}
	if pos+4 > len(data) {
		return nil, fmt.Errorf("%w: splice_insert truncated", ErrInvalidSection)
	}
	ins.ProgramID = uint16(data[pos])<<8 | uint16(data[pos+1])
	ins.AvailNum = data[pos+2]
	ins.AvailsExpected = data[pos+3]

	return ins, nil
}

// decodeSpliceTime parses a splice_time() structure and returns the
// number of bytes it occupied.
func decodeSpliceTime(data []byte) (SpliceTime, int, error) {
	if len(data) < 1 {
		return SpliceTime{}, 0, fmt.Errorf("%w: splice_time truncated", ErrInvalidSection)
	}
	if data[0]&0x80 == 0 {
		return SpliceTime{}, 1, nil
	}
	if len(data) < 5 {
		return SpliceTime{}, 0, fmt.Errorf("%w: splice_time truncated", ErrInvalidSection)
	}
	return SpliceTime{
		Specified: true,
		PTS: uint64(data[0]&0x01)<<32 |
			uint64(data[1])<<24 | uint64(data[2])<<16 | uint64(data[3])<<8 | uint64(data[4]),
	}, 5, nil
}
