// Package demux implements the codec collaborator side of the decode
// engine: an MPEG-TS source that splits a transport stream into video
// access units, AAC audio frames, CEA-608 captions, and SCTE-35 splice
// cues, delivering each as a decoded message through the engine's sink.
package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/zsiec/refract/buffer"
	"github.com/zsiec/refract/decoder"
	"github.com/zsiec/refract/media"
	"github.com/zsiec/refract/mpegts"
	"github.com/zsiec/refract/scte35"
)

// MPEG-TS stream type tags from the PMT.
const (
	streamTypeH264   = 0x1B
	streamTypeH265   = 0x24
	streamTypeAAC    = 0x0F
	streamTypeSCTE35 = 0x86
)

// deadlineReader is implemented by readers whose blocking reads can be
// bounded, such as net.Conn and SRT connections.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// timedReader fails reads once its deadline passes, bounding the demux
// loop for readers that cannot enforce deadlines themselves.
type timedReader struct {
	r        io.Reader
	deadline time.Time
}

func (t *timedReader) Read(p []byte) (int, error) {
	if !t.deadline.IsZero() && !time.Now().Before(t.deadline) {
		return 0, os.ErrDeadlineExceeded
	}
	return t.r.Read(p)
}

// TSSource is a decoder.Source that demuxes an MPEG-TS byte stream. For
// readers that support read deadlines the pull budget bounds blocking
// reads; for plain readers it is checked before each packet read.
type TSSource struct {
	log      *slog.Logger
	reader   io.Reader
	timed    *timedReader
	dmx      *mpegts.Demuxer
	captions *captionDecoder

	videoPID   uint16
	isHEVC     bool
	audioPIDs  map[uint16]int
	splicePIDs map[uint16]bool
}

// NewTSSource creates a TSSource reading transport packets from r.
// If log is nil, slog.Default() is used. If r has no SetReadDeadline,
// the pull budget is only checked between reads, so a read that blocks
// on a stalled producer (an io.Pipe, for example) can overrun it.
func NewTSSource(r io.Reader, log *slog.Logger) *TSSource {
	if log == nil {
		log = slog.Default()
	}
	timed := &timedReader{r: r}
	return &TSSource{
		log:        log.With("component", "ts-source"),
		reader:     r,
		timed:      timed,
		dmx:        mpegts.NewDemuxer(timed),
		captions:   newCaptionDecoder(),
		audioPIDs:  make(map[uint16]int),
		splicePIDs: make(map[uint16]bool),
	}
}

// Pull implements decoder.Source. It demuxes until at least one message
// has been pushed, returning nil; io.EOF at end of stream; ErrNoFrame when
// the budget elapses with nothing pushed; or the underlying error.
func (s *TSSource) Pull(sink decoder.Sink, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	s.timed.deadline = deadline
	if dr, ok := s.reader.(deadlineReader); ok {
		if err := dr.SetReadDeadline(deadline); err != nil {
			s.log.Debug("set read deadline", "error", err)
		}
	}

	for {
		unit, err := s.dmx.NextUnit()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			if os.IsTimeout(err) {
				return decoder.ErrNoFrame
			}
			return err
		}

		if pushed := s.handleUnit(sink, unit); pushed > 0 {
			return nil
		}
	}
}

// handleUnit dispatches one demuxed unit, returning how many messages it
// pushed.
func (s *TSSource) handleUnit(sink decoder.Sink, unit mpegts.Unit) int {
	switch {
	case unit.PMT != nil:
		s.registerStreams(unit.PMT)
		return 0
	case unit.Section != nil:
		if s.splicePIDs[unit.PID] {
			return s.pushSplice(sink, unit.Section)
		}
		return 0
	case unit.PES == nil:
		return 0
	case unit.PID == s.videoPID && s.videoPID != 0:
		return s.pushVideo(sink, unit.PES)
	default:
		if track, ok := s.audioPIDs[unit.PID]; ok {
			return s.pushAudio(sink, unit.PES, track)
		}
	}
	return 0
}

// registerStreams records the video and audio PIDs announced by a PMT.
func (s *TSSource) registerStreams(pmt *mpegts.PMT) {
	for _, es := range pmt.Streams {
		switch es.StreamType {
		case streamTypeH264, streamTypeH265:
			if s.videoPID == 0 {
				s.videoPID = es.PID
				s.isHEVC = es.StreamType == streamTypeH265
				s.log.Info("found video stream", "pid", es.PID, "codec", s.videoCodec())
			}
		case streamTypeAAC:
			if _, ok := s.audioPIDs[es.PID]; !ok {
				track := len(s.audioPIDs)
				s.audioPIDs[es.PID] = track
				s.log.Info("found audio stream", "pid", es.PID, "track", track)
			}
		case streamTypeSCTE35:
			if !s.splicePIDs[es.PID] {
				s.splicePIDs[es.PID] = true
				s.dmx.MarkSectionPID(es.PID)
				s.log.Info("found splice stream", "pid", es.PID)
			}
		}
	}
}

func (s *TSSource) videoCodec() string {
	if s.isHEVC {
		return "h265"
	}
	return "h264"
}

// pushVideo emits one video access unit message, plus any caption messages
// decoded from its SEI NALUs.
func (s *TSSource) pushVideo(sink decoder.Sink, pes *mpegts.PES) int {
	if len(pes.Data) == 0 {
		return 0
	}

	pts := ticksToMicros(pes.PTS)
	dts := pts
	if pes.HasDTS {
		dts = ticksToMicros(pes.DTS)
	}

	nalus := splitAnnexB(pes.Data)
	if len(nalus) == 0 {
		return 0
	}

	keyframe := isH264Keyframe(nalus)
	if s.isHEVC {
		keyframe = isHEVCKeyframe(nalus)
	}

	pushed := 0
	sink.Push(&media.Message{
		Header: media.Header{
			Type:     media.TypeVideo,
			PTS:      pts,
			DTS:      dts,
			Keyframe: keyframe,
			Codec:    s.videoCodec(),
		},
		Payload: fillStorage(pes.Data),
	})
	pushed++

	for _, nalu := range nalus {
		if len(nalu) == 0 || !s.isSEI(nalu) {
			continue
		}
		for _, msg := range s.captions.decode(nalu, pts) {
			sink.Push(msg)
			pushed++
		}
	}
	return pushed
}

func (s *TSSource) isSEI(nalu []byte) bool {
	if s.isHEVC {
		return hevcNALType(nalu) == hevcNALSEIPrefix
	}
	return h264NALType(nalu) == nalTypeSEI
}

// pushAudio splits the PES payload into ADTS frames and emits one message
// per frame.
func (s *TSSource) pushAudio(sink decoder.Sink, pes *mpegts.PES, track int) int {
	frames, err := splitADTS(pes.Data)
	if err != nil {
		s.log.Debug("skipping malformed ADTS payload", "track", track, "error", err)
	}

	pts := ticksToMicros(pes.PTS)
	for _, f := range frames {
		sink.Push(&media.Message{
			Header: media.Header{
				Type:       media.TypeAudio,
				PTS:        pts,
				DTS:        pts,
				TrackIndex: track,
				Codec:      "aac",
				SampleRate: f.sampleRate,
				Channels:   f.channels,
			},
			Payload: fillStorage(f.data),
		})
	}
	return len(frames)
}

// pushSplice emits one splice cue message for an SCTE-35 section. The
// raw section is kept as the payload so inspection tools can re-decode
// descriptors this layer does not interpret.
func (s *TSSource) pushSplice(sink decoder.Sink, section []byte) int {
	cue, err := scte35.Decode(section)
	if err != nil {
		s.log.Debug("skipping malformed splice section", "error", err)
		return 0
	}
	if cue.Command == scte35.CmdSpliceNull {
		return 0 // heartbeat, nothing to report
	}

	var pts int64
	if ticks, ok := cue.SplicePTS(); ok {
		pts = ticksToMicros(int64(ticks))
	}

	sink.Push(&media.Message{
		Header: media.Header{
			Type: media.TypeSplice,
			PTS:  pts,
			Text: spliceSummary(cue),
		},
		Payload: fillStorage(section),
	})
	return 1
}

// spliceSummary renders a one-line human-readable cue description.
func spliceSummary(cue *scte35.Section) string {
	switch {
	case cue.Insert != nil:
		ins := cue.Insert
		if ins.Cancel {
			return fmt.Sprintf("splice_insert cancel event=%d", ins.EventID)
		}
		direction := "in"
		if ins.OutOfNetwork {
			direction = "out"
		}
		summary := fmt.Sprintf("splice_insert %s event=%d", direction, ins.EventID)
		if ins.Immediate {
			summary += " immediate"
		}
		if ins.HasDuration {
			summary += fmt.Sprintf(" duration=%.3fs", float64(ins.Duration)/90000)
		}
		return summary
	case cue.Signal != nil:
		return "time_signal"
	}
	return fmt.Sprintf("splice command 0x%02X", cue.Command)
}

// fillStorage copies b into a fresh exact-capacity Storage.
func fillStorage(b []byte) *buffer.Storage {
	st := buffer.New(len(b))
	copy(st.WritableTail(), b)
	st.Append(len(b))
	return st
}

// ticksToMicros converts a 90 kHz clock value to microseconds.
func ticksToMicros(ticks int64) int64 {
	return ticks * 1000000 / 90000
}
