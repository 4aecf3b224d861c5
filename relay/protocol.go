// Package relay serves decoded media messages to inspection clients
// over QUIC. Each client gets a unidirectional stream carrying a
// sequence of envelopes, one per decoded message.
package relay

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/refract/buffer"
	"github.com/zsiec/refract/media"
)

// ALPN is the protocol identifier negotiated on relay connections.
const ALPN = "refract-relay"

// Envelope type IDs. Hello opens every stream; the rest map one per
// media message type.
const (
	envHello   uint64 = 0x00
	envVideo   uint64 = 0x01
	envAudio   uint64 = 0x02
	envCaption uint64 = 0x03
	envSplice  uint64 = 0x04
)

// protocolVersion is carried in the hello envelope and bumped whenever
// the envelope format changes incompatibly.
const protocolVersion uint64 = 1

// maxEnvelopeBody bounds the decoded body size so a corrupt length
// field cannot trigger a huge allocation.
const maxEnvelopeBody = 16 << 20

// ErrUnknownEnvelope indicates an envelope type ID this version does
// not understand.
var ErrUnknownEnvelope = errors.New("relay: unknown envelope type")

func envelopeType(t media.Type) (uint64, bool) {
	switch t {
	case media.TypeVideo:
		return envVideo, true
	case media.TypeAudio:
		return envAudio, true
	case media.TypeCaption:
		return envCaption, true
	case media.TypeSplice:
		return envSplice, true
	}
	return 0, false
}

func messageType(id uint64) (media.Type, bool) {
	switch id {
	case envVideo:
		return media.TypeVideo, true
	case envAudio:
		return media.TypeAudio, true
	case envCaption:
		return media.TypeCaption, true
	case envSplice:
		return media.TypeSplice, true
	}
	return 0, false
}

// AppendEnvelope appends the wire encoding of msg to buf and returns
// the extended slice.
// Wire format: [type (varint)] [body_length (varint)] [body], where the
// body is the header fields followed by the varint-length-prefixed
// payload. Timestamps are zigzag-encoded so negative values stay small.
func AppendEnvelope(buf []byte, msg *media.Message) ([]byte, error) {
	id, ok := envelopeType(msg.Type)
	if !ok {
		return nil, fmt.Errorf("relay: unencodable message type %v", msg.Type)
	}

	var body []byte
	body = quicvarint.Append(body, zigzag(msg.PTS))
	body = quicvarint.Append(body, zigzag(msg.DTS))
	body = quicvarint.Append(body, uint64(msg.TrackIndex))
	var flags byte
	if msg.Keyframe {
		flags |= 0x01
	}
	body = append(body, flags)
	body = appendVarIntBytes(body, []byte(msg.Codec))
	body = quicvarint.Append(body, uint64(msg.SampleRate))
	body = quicvarint.Append(body, uint64(msg.Channels))
	body = quicvarint.Append(body, uint64(msg.Channel))
	body = appendVarIntBytes(body, []byte(msg.Text))

	var payload []byte
	if msg.Payload != nil {
		payload = msg.Payload.Data()
	}
	body = appendVarIntBytes(body, payload)

	buf = quicvarint.Append(buf, id)
	buf = quicvarint.Append(buf, uint64(len(body)))
	buf = append(buf, body...)
	return buf, nil
}

// AppendHello appends the greeting envelope that opens every stream.
// The server sends it immediately so the stream is announced to the
// peer before any media flows.
func AppendHello(buf []byte) []byte {
	body := quicvarint.Append(nil, protocolVersion)
	buf = quicvarint.Append(buf, envHello)
	buf = quicvarint.Append(buf, uint64(len(body)))
	return append(buf, body...)
}

// readHello consumes the greeting envelope and rejects servers speaking
// a different protocol version.
func readHello(r quicvarint.Reader) error {
	id, err := quicvarint.Read(r)
	if err != nil {
		return fmt.Errorf("relay: read hello: %w", err)
	}
	if id != envHello {
		return fmt.Errorf("relay: expected hello envelope, got type 0x%x", id)
	}
	length, err := quicvarint.Read(r)
	if err != nil {
		return fmt.Errorf("relay: read hello length: %w", err)
	}
	if length > maxEnvelopeBody {
		return fmt.Errorf("relay: hello body too large: %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("relay: read hello body: %w", err)
	}
	version, _, err := quicvarint.Parse(body)
	if err != nil {
		return fmt.Errorf("relay: parse hello version: %w", err)
	}
	if version != protocolVersion {
		return fmt.Errorf("relay: unsupported protocol version %d", version)
	}
	return nil
}

// WriteEnvelope writes msg to w as a single Write call so concurrent
// writers on the same stream cannot interleave envelopes.
func WriteEnvelope(w io.Writer, msg *media.Message) error {
	buf, err := AppendEnvelope(nil, msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadEnvelope reads one envelope from r. The reader should be
// buffered; a plain reader is wrapped per call, which loses any
// bytes the wrapper buffers past the envelope.
func ReadEnvelope(r io.Reader) (*media.Message, error) {
	br, ok := r.(quicvarint.Reader)
	if !ok {
		br = quicvarint.NewReader(r)
	}

	id, err := quicvarint.Read(br)
	if err != nil {
		return nil, err
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return nil, fmt.Errorf("relay: read body length: %w", err)
	}
	if length > maxEnvelopeBody {
		return nil, fmt.Errorf("relay: envelope body too large: %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("relay: read body: %w", err)
	}

	typ, ok := messageType(id)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownEnvelope, id)
	}
	return parseBody(typ, body)
}

func parseBody(typ media.Type, body []byte) (*media.Message, error) {
	r := newBufReader(body)
	msg := &media.Message{Header: media.Header{Type: typ}}

	pts, err := r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("relay: parse pts: %w", err)
	}
	msg.PTS = unzigzag(pts)

	dts, err := r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("relay: parse dts: %w", err)
	}
	msg.DTS = unzigzag(dts)

	track, err := r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("relay: parse track: %w", err)
	}
	msg.TrackIndex = int(track)

	flags, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("relay: parse flags: %w", err)
	}
	msg.Keyframe = flags&0x01 != 0

	codec, err := r.readVarIntBytes()
	if err != nil {
		return nil, fmt.Errorf("relay: parse codec: %w", err)
	}
	msg.Codec = string(codec)

	sampleRate, err := r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("relay: parse sample rate: %w", err)
	}
	msg.SampleRate = int(sampleRate)

	channels, err := r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("relay: parse channels: %w", err)
	}
	msg.Channels = int(channels)

	channel, err := r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("relay: parse channel: %w", err)
	}
	msg.Channel = int(channel)

	text, err := r.readVarIntBytes()
	if err != nil {
		return nil, fmt.Errorf("relay: parse text: %w", err)
	}
	msg.Text = string(text)

	payload, err := r.readVarIntBytes()
	if err != nil {
		return nil, fmt.Errorf("relay: parse payload: %w", err)
	}
	if len(payload) > 0 {
		storage := buffer.New(len(payload))
		copy(storage.WritableTail(), payload)
		storage.Append(len(payload))
		msg.Payload = storage
	}

	return msg, nil
}

func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	end := b.pos + int(length)
	if end > len(b.data) || end < b.pos {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
