// Package media defines the decoded output message types that flow from
// the demux source through the decode engine to the caller.
package media

import "github.com/zsiec/refract/buffer"

// Type identifies the kind of payload a Message carries.
type Type int

// Message payload kinds.
const (
	TypeVideo Type = iota
	TypeAudio
	TypeCaption
	TypeSplice
)

func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeCaption:
		return "caption"
	case TypeSplice:
		return "splice"
	}
	return "unknown"
}

// Header carries source-supplied metadata for one decoded message. Timing
// values are in microseconds. Fields beyond Type and PTS are populated only
// where they apply to the payload kind.
type Header struct {
	Type       Type
	PTS        int64
	DTS        int64
	TrackIndex int    // audio track ordinal within the stream
	Keyframe   bool   // video: payload starts a new group of pictures
	Codec      string // "h264", "h265", "aac"
	SampleRate int    // audio
	Channels   int    // audio
	Channel    int    // caption: CEA-608 channel number
	Text       string // caption: decoded text; splice: cue summary
}

// Message is one decoded payload unit handed from the demux source to the
// caller. The Payload storage is exclusively owned: first by the source
// while it fills it, then by the decode engine's queue, then by the caller
// once returned from Decode.
type Message struct {
	Header
	Payload *buffer.Storage
}
