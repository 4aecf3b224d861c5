package decoder

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zsiec/refract/media"
)

// scriptedSource replays a fixed sequence of pull outcomes. Each step may
// push messages before returning its error.
type scriptedSource struct {
	steps   []pullStep
	calls   int
	budgets []time.Duration
}

type pullStep struct {
	push []*media.Message
	err  error
}

func (s *scriptedSource) Pull(sink Sink, budget time.Duration) error {
	s.budgets = append(s.budgets, budget)
	if s.calls >= len(s.steps) {
		return ErrNoFrame
	}
	step := s.steps[s.calls]
	s.calls++
	for _, m := range step.push {
		sink.Push(m)
	}
	return step.err
}

func msg(pts int64) *media.Message {
	return &media.Message{Header: media.Header{Type: media.TypeVideo, PTS: pts}}
}

func TestDecodeFIFO(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []pullStep{
		{push: []*media.Message{msg(1), msg(2), msg(3)}},
	}}
	d := New(src, nil)

	for want := int64(1); want <= 3; want++ {
		m, err := d.Decode(time.Second)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if m.Header.PTS != want {
			t.Errorf("PTS: got %d, want %d", m.Header.PTS, want)
		}
	}
	if src.calls != 1 {
		t.Errorf("pull calls: got %d, want 1 (buffered messages must not repull)", src.calls)
	}
}

func TestFIFOAcrossPulls(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []pullStep{
		{push: []*media.Message{msg(10)}},
		{push: []*media.Message{msg(20)}},
	}}
	d := New(src, nil)

	m, _ := d.Decode(time.Second)
	if m.Header.PTS != 10 {
		t.Errorf("first message PTS: got %d, want 10", m.Header.PTS)
	}
	m, _ = d.Decode(time.Second)
	if m.Header.PTS != 20 {
		t.Errorf("second message PTS: got %d, want 20", m.Header.PTS)
	}
}

func TestDrainBeforeExhaust(t *testing.T) {
	t.Parallel()

	// A pull that both pushes a message and signals end of stream must
	// still deliver the message before io.EOF.
	src := &scriptedSource{steps: []pullStep{
		{push: []*media.Message{msg(7)}, err: io.EOF},
	}}
	d := New(src, nil)

	m, err := d.Decode(time.Second)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Header.PTS != 7 {
		t.Errorf("PTS: got %d, want 7", m.Header.PTS)
	}

	if _, err := d.Decode(time.Second); err != io.EOF {
		t.Errorf("Decode after drain: got %v, want io.EOF", err)
	}
	if src.calls != 1 {
		t.Errorf("pull calls: got %d, want 1", src.calls)
	}
}

func TestEndOfDataLatches(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []pullStep{{err: io.EOF}}}
	d := New(src, nil)

	for i := 0; i < 3; i++ {
		if _, err := d.Decode(time.Second); err != io.EOF {
			t.Fatalf("Decode %d: got %v, want io.EOF", i, err)
		}
	}
	if src.calls != 1 {
		t.Errorf("pull calls: got %d, want 1 (exhausted engine must not repull)", src.calls)
	}
}

func TestReinitRestoresIdle(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []pullStep{
		{err: io.EOF},
		{push: []*media.Message{msg(42)}},
	}}
	d := New(src, nil)

	if _, err := d.Decode(time.Second); err != io.EOF {
		t.Fatalf("Decode: got %v, want io.EOF", err)
	}

	d.Reinit()
	m, err := d.Decode(time.Second)
	if err != nil {
		t.Fatalf("Decode after Reinit: %v", err)
	}
	if m.Header.PTS != 42 {
		t.Errorf("PTS: got %d, want 42", m.Header.PTS)
	}
}

func TestNoFrameYieldsTimeout(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []pullStep{
		{err: ErrNoFrame},
		{push: []*media.Message{msg(1)}},
	}}
	d := New(src, nil)

	if _, err := d.Decode(time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Decode: got %v, want ErrTimeout", err)
	}

	// Timeout is retryable: the next call pulls again and succeeds.
	m, err := d.Decode(time.Millisecond)
	if err != nil {
		t.Fatalf("Decode retry: %v", err)
	}
	if m.Header.PTS != 1 {
		t.Errorf("PTS: got %d, want 1", m.Header.PTS)
	}
}

func TestSuccessWithoutPushYieldsTimeout(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []pullStep{{err: nil}}}
	d := New(src, nil)

	if _, err := d.Decode(time.Second); !errors.Is(err, ErrTimeout) {
		t.Errorf("Decode: got %v, want ErrTimeout", err)
	}
}

func TestFatalErrorPropagatesVerbatim(t *testing.T) {
	t.Parallel()

	fatal := errors.New("codec exploded")
	src := &scriptedSource{steps: []pullStep{
		{err: fatal},
		{push: []*media.Message{msg(5)}},
	}}
	d := New(src, nil)

	if _, err := d.Decode(time.Second); !errors.Is(err, fatal) {
		t.Fatalf("Decode: got %v, want the fatal error verbatim", err)
	}

	// A fatal error must not set the end-of-stream flag: a subsequent call
	// pulls again rather than reporting io.EOF.
	m, err := d.Decode(time.Second)
	if err != nil {
		t.Fatalf("Decode after fatal: %v", err)
	}
	if m.Header.PTS != 5 {
		t.Errorf("PTS: got %d, want 5", m.Header.PTS)
	}
	if src.calls != 2 {
		t.Errorf("pull calls: got %d, want 2", src.calls)
	}
}

func TestBudgetForwardedToSource(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []pullStep{{err: ErrNoFrame}}}
	d := New(src, nil)

	budget := 250 * time.Millisecond
	d.Decode(budget)
	if len(src.budgets) != 1 || src.budgets[0] != budget {
		t.Errorf("budgets: got %v, want [%v]", src.budgets, budget)
	}
}
