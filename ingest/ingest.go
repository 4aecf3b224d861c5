// Package ingest manages active ingest connections, coupling transport
// byte writers with the readers that feed a decode pipeline.
package ingest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Stats captures connection-level metrics for an ingest stream.
type Stats struct {
	BytesReceived int64
	ReadCount     int64
	UptimeMs      int64
	RemoteAddr    string
}

// Stream is one active ingest connection. The transport side writes raw
// transport-stream bytes into the pipe; the decode side reads them through
// the Reader.
type Stream struct {
	Key       string
	StartedAt time.Time

	reader *io.PipeReader
	writer *io.PipeWriter
	done   chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Reader returns the decode-side reader for this stream.
func (s *Stream) Reader() io.Reader {
	return s.reader
}

// Done returns a channel closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// RecordRead adds one transport read of n bytes to the counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr records the transport peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest streams by key and hands new streams to
// the onStream callback for decode pipeline setup.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(stream *Stream)
}

// NewRegistry creates a Registry. The onStream callback, if non-nil, is
// invoked on its own goroutine whenever a stream is registered.
func NewRegistry(onStream func(stream *Stream)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream under key, returning it along with the writer
// the transport receiver feeds. Registering an already-active key returns
// false.
func (r *Registry) Register(key string) (*Stream, io.Writer, bool) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		reader:    pr,
		writer:    pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.streams[key]; exists {
		r.mu.Unlock()
		return nil, nil, false
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(stream)
	}

	return stream, pw, true
}

// Unregister removes a stream, closing its pipe and signaling Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.writer.Close()
		close(stream.done)
	}
}

// Get returns the stream registered under key, if any.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}
