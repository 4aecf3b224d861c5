// Package decoder implements the synchronous, pull-based frame decode
// engine: a FIFO queue of decoded messages fed by a codec Source and served
// to a single caller one message at a time with timeout semantics.
package decoder

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/refract/media"
)

// ErrNoFrame is returned by a Source when no frame could be produced within
// the pull budget. The stream has not ended; the engine surfaces ErrTimeout
// to its caller, who may retry with a fresh budget.
var ErrNoFrame = errors.New("decoder: no frame filled")

// ErrTimeout is returned by Decode when the queue is empty and the source
// produced nothing within the budget. Distinct from io.EOF: the stream may
// still produce frames.
var ErrTimeout = errors.New("decoder: timed out waiting for frame")

// Sink receives decoded messages from a Source. Only the Source passed to
// New may call Push, and only while its Pull is in flight.
type Sink interface {
	Push(*media.Message)
}

// Source is the codec/demux collaborator the engine pulls from. Pull
// decodes until it has pushed at least one message to sink, reached the
// permanent end of the stream, exhausted the budget, or failed.
//
// Pull returns nil after pushing one or more messages, io.EOF once the
// stream has permanently ended, ErrNoFrame when no data arrived within the
// budget (in which case it must not have pushed), or any other error on
// unrecoverable failure.
type Source interface {
	Pull(sink Sink, budget time.Duration) error
}

// Decoder serves decoded messages in FIFO order, pulling from its Source
// only when the queue is empty. Once the source signals end of stream and
// the queue drains, Decode returns io.EOF until Reinit.
//
// A Decoder is not safe for concurrent use: one Decode call at a time.
// The only blocking happens inside Source.Pull, bounded by the budget.
type Decoder struct {
	log   *slog.Logger
	src   Source
	queue []*media.Message
	eof   bool
}

// New creates a Decoder pulling from src. If log is nil, slog.Default()
// is used.
func New(src Source, log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		log: log.With("component", "decoder"),
		src: src,
	}
}

// Reinit resets the engine to its initial state, dropping any queued
// messages and clearing the end-of-stream flag. The engine does not
// self-heal: after Decode has returned io.EOF or a fatal source error,
// Reinit is required before reuse.
func (d *Decoder) Reinit() {
	d.queue = nil
	d.eof = false
}

// Decode returns the next decoded message. Buffered messages are served
// first, without touching the source. On an empty queue the source is
// pulled once with the given budget, then:
//
//   - a queued message, if the pull produced any (even alongside io.EOF —
//     buffered data drains before end-of-data is reported)
//   - io.EOF once the stream has permanently ended and the queue is empty
//   - ErrTimeout when nothing arrived within the budget and the stream
//     has not ended
//   - any other source error verbatim, leaving engine state untouched
func (d *Decoder) Decode(budget time.Duration) (*media.Message, error) {
	if d.eof && len(d.queue) == 0 {
		return nil, io.EOF
	}

	if len(d.queue) == 0 {
		err := d.src.Pull(d, budget)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			d.eof = true
		case errors.Is(err, ErrNoFrame):
			// Retryable; fall through to the queue check.
		default:
			return nil, err
		}

		if len(d.queue) == 0 {
			if d.eof {
				return nil, io.EOF
			}
			d.log.Debug("queue empty after pull", "budget", budget)
			return nil, ErrTimeout
		}
	}

	msg := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return msg, nil
}

// Push appends one message to the tail of the queue. It is the Sink side
// of the Source contract and must not be called by anyone else.
func (d *Decoder) Push(m *media.Message) {
	d.queue = append(d.queue, m)
}
