package relay

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/refract/certs"
	"github.com/zsiec/refract/media"
)

func (s *Server) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestServerBroadcastToClient(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	srv := NewServer("127.0.0.1:0", cert, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	waitFor(t, 5*time.Second, func() bool { return srv.Addr() != nil })

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	client, err := Dial(dialCtx, srv.Addr().String(), cert.Fingerprint[:])
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitFor(t, 5*time.Second, func() bool { return srv.subscriberCount() == 1 })

	want := &media.Message{
		Header: media.Header{
			Type:     media.TypeVideo,
			PTS:      1_000_000,
			Keyframe: true,
			Codec:    "h264",
		},
		Payload: storageOf([]byte{0, 0, 0, 1, 0x65}),
	}
	srv.Broadcast(want)

	got, err := client.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Header != want.Header {
		t.Errorf("header = %+v, want %+v", got.Header, want.Header)
	}
	if !bytes.Equal(got.Payload.Data(), want.Payload.Data()) {
		t.Errorf("payload = %x, want %x", got.Payload.Data(), want.Payload.Data())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned %v after cancel, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Start did not return after cancel")
	}
}

// Dial must complete before any media is broadcast: the greeting
// envelope announces the stream, so an idle relay is still joinable.
func TestDialBeforeTraffic(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	srv := NewServer("127.0.0.1:0", cert, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()
	waitFor(t, 5*time.Second, func() bool { return srv.Addr() != nil })

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	client, err := Dial(dialCtx, srv.Addr().String(), cert.Fingerprint[:])
	if err != nil {
		t.Fatalf("Dial on idle relay: %v", err)
	}
	client.Close()
}

func TestConcurrentBroadcast(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	srv := NewServer("127.0.0.1:0", cert, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()
	waitFor(t, 5*time.Second, func() bool { return srv.Addr() != nil })

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	client, err := Dial(dialCtx, srv.Addr().String(), cert.Fingerprint[:])
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	waitFor(t, 5*time.Second, func() bool { return srv.subscriberCount() == 1 })

	const publishers = 4
	const perPublisher = 25

	recvDone := make(chan error, 1)
	seen := make(map[int64]bool)
	go func() {
		for i := 0; i < publishers*perPublisher; i++ {
			msg, err := client.Recv()
			if err != nil {
				recvDone <- err
				return
			}
			if msg.Header.Codec != "h264" || !bytes.Equal(msg.Payload.Data(), []byte{0x65}) {
				recvDone <- errors.New("corrupt envelope")
				return
			}
			seen[msg.Header.PTS] = true
		}
		recvDone <- nil
	}()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				srv.Broadcast(&media.Message{
					Header: media.Header{
						Type:  media.TypeVideo,
						PTS:   int64(p*perPublisher + i),
						Codec: "h264",
					},
					Payload: storageOf([]byte{0x65}),
				})
			}
		}(p)
	}
	wg.Wait()

	select {
	case err := <-recvDone:
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("client did not receive all envelopes")
	}
	if len(seen) != publishers*perPublisher {
		t.Errorf("distinct messages: got %d, want %d", len(seen), publishers*perPublisher)
	}
}

func TestDialRejectsWrongFingerprint(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	srv := NewServer("127.0.0.1:0", cert, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()
	waitFor(t, 5*time.Second, func() bool { return srv.Addr() != nil })

	bogus := make([]byte, 32)
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	client, err := Dial(dialCtx, srv.Addr().String(), bogus)
	if err == nil {
		client.Close()
		t.Fatal("expected dial to fail with wrong fingerprint")
	}
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Logf("dial failed with: %v", err)
	}
}
