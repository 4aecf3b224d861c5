package buffer

import "testing"

func TestNewZeroCapacity(t *testing.T) {
	t.Parallel()

	s := New(0)
	if s.Cap() != 0 {
		t.Errorf("Cap: got %d, want 0", s.Cap())
	}
	if s.Len() != 0 {
		t.Errorf("Len: got %d, want 0", s.Len())
	}
}

func TestEnsureExactFit(t *testing.T) {
	t.Parallel()

	s := New(0)
	s.Ensure(10)
	if s.Cap() != 10 {
		t.Errorf("Cap after Ensure(10): got %d, want 10", s.Cap())
	}

	// Growth must be exact: offset+length+n, no slack.
	copy(s.WritableTail(), []byte{1, 2, 3, 4})
	s.Append(4)
	s.Ensure(20)
	if s.Cap() != 24 {
		t.Errorf("Cap after Ensure(20) with 4 valid: got %d, want 24", s.Cap())
	}
}

func TestEnsureNoReallocWhenTailSuffices(t *testing.T) {
	t.Parallel()

	s := New(16)
	s.Ensure(16)
	if s.Cap() != 16 {
		t.Errorf("Cap: got %d, want 16", s.Cap())
	}
	s.Ensure(8)
	if s.Cap() != 16 {
		t.Errorf("Cap after smaller Ensure: got %d, want 16", s.Cap())
	}
}

func TestAppendAndData(t *testing.T) {
	t.Parallel()

	s := New(8)
	copy(s.WritableTail(), []byte("abcd"))
	s.Append(4)

	if got := string(s.Data()); got != "abcd" {
		t.Errorf("Data: got %q, want %q", got, "abcd")
	}
	if s.Tail() != 4 {
		t.Errorf("Tail: got %d, want 4", s.Tail())
	}
}

func TestTrimAdvancesOffset(t *testing.T) {
	t.Parallel()

	s := New(8)
	copy(s.WritableTail(), []byte("abcdef"))
	s.Append(6)

	s.Trim(2)
	if got := string(s.Data()); got != "cdef" {
		t.Errorf("Data after Trim(2): got %q, want %q", got, "cdef")
	}
	if s.Len() != 4 {
		t.Errorf("Len after Trim(2): got %d, want 4", s.Len())
	}

	// Trimming the full remaining length empties without deallocating.
	s.Trim(4)
	if s.Len() != 0 {
		t.Errorf("Len after full trim: got %d, want 0", s.Len())
	}
	if s.Cap() != 8 {
		t.Errorf("Cap after full trim: got %d, want 8", s.Cap())
	}
}

func TestEnsurePreservesDataAtOffset(t *testing.T) {
	t.Parallel()

	s := New(8)
	copy(s.WritableTail(), []byte("abcdefgh"))
	s.Append(8)
	s.Trim(3)

	s.Ensure(100)
	if got := string(s.Data()); got != "defgh" {
		t.Errorf("Data after growth: got %q, want %q", got, "defgh")
	}
	if s.Cap() != 3+5+100 {
		t.Errorf("Cap after growth: got %d, want %d", s.Cap(), 3+5+100)
	}
}

func TestClearKeepsAllocation(t *testing.T) {
	t.Parallel()

	s := New(32)
	copy(s.WritableTail(), []byte("xyz"))
	s.Append(3)
	s.Trim(1)

	s.Clear()
	if s.Len() != 0 {
		t.Errorf("Len after Clear: got %d, want 0", s.Len())
	}
	if s.Tail() != 32 {
		t.Errorf("Tail after Clear: got %d, want full capacity 32", s.Tail())
	}
	if s.Cap() != 32 {
		t.Errorf("Cap after Clear: got %d, want 32", s.Cap())
	}
}

func TestTrimAppendScenario(t *testing.T) {
	t.Parallel()

	// The reference sequence: a zero-capacity storage grown once, partially
	// filled, fully trimmed, then re-ensured within existing tail space.
	s := New(0)

	s.Ensure(10)
	if s.Cap() != 10 {
		t.Fatalf("Cap after Ensure(10): got %d, want 10", s.Cap())
	}

	copy(s.WritableTail(), []byte{1, 2, 3, 4})
	s.Append(4)
	if s.Len() != 4 {
		t.Fatalf("Len after Append(4): got %d, want 4", s.Len())
	}

	s.Trim(4)
	if s.Len() != 0 {
		t.Fatalf("Len after Trim(4): got %d, want 0", s.Len())
	}
	if s.Tail() != 6 {
		t.Fatalf("Tail after Trim(4): got %d, want 6", s.Tail())
	}

	s.Ensure(6)
	if s.Cap() != 10 {
		t.Errorf("Ensure(6) reallocated: Cap got %d, want 10", s.Cap())
	}
}

func TestInvariantHoldsAcrossOperations(t *testing.T) {
	t.Parallel()

	s := New(4)
	steps := []struct {
		ensure, appendN, trim int
	}{
		{0, 4, 2},
		{8, 8, 3},
		{1, 1, 0},
		{64, 30, 30},
	}
	for i, st := range steps {
		s.Ensure(st.ensure)
		s.Append(st.appendN)
		s.Trim(st.trim)
		if s.Len() < 0 || s.Tail() < 0 || s.Cap() < s.Len() {
			t.Fatalf("step %d: invariant violated: len=%d tail=%d cap=%d",
				i, s.Len(), s.Tail(), s.Cap())
		}
	}
}

func TestAppendBeyondTailPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("Append beyond tail did not panic")
		}
	}()
	s := New(4)
	s.Append(5)
}

func TestTrimBeyondLengthPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("Trim beyond length did not panic")
		}
	}()
	s := New(4)
	s.Append(2)
	s.Trim(3)
}
