package demux

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/refract/buffer"
	"github.com/zsiec/refract/media"
)

// captionDecoder turns A/53 caption data found in SEI NALUs into caption
// messages, running one CEA-608 decoder per caption channel.
type captionDecoder struct {
	decoders map[int]*ccx.CEA608Decoder
}

func newCaptionDecoder() *captionDecoder {
	return &captionDecoder{
		decoders: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
	}
}

// decode extracts CEA-608 byte pairs from one SEI NALU and returns a
// caption message per completed text emission. Returns nil when the SEI
// carries no caption data or no text completed yet.
func (c *captionDecoder) decode(seiNALU []byte, pts int64) []*media.Message {
	cd := ccx.ExtractCaptions(seiNALU)
	if cd == nil {
		return nil
	}

	var msgs []*media.Message
	for _, pair := range cd.CC608Pairs {
		dec := c.decoders[pair.Channel]
		if dec == nil {
			continue
		}
		text := dec.Decode(pair.Data[0], pair.Data[1])
		if text == "" {
			continue
		}

		payload := buffer.New(len(text))
		copy(payload.WritableTail(), text)
		payload.Append(len(text))

		msgs = append(msgs, &media.Message{
			Header: media.Header{
				Type:    media.TypeCaption,
				PTS:     pts,
				Channel: pair.Channel,
				Text:    text,
			},
			Payload: payload,
		})
	}
	return msgs
}
