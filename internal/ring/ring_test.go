package ring

import (
	"bytes"
	"sync"
	"testing"
)

func fillSeq(n int, start byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

func TestRingMirrorContiguousRead(t *testing.T) {
	r := Open(16, 8)

	// The contiguous window is 8, so 12 bytes go in as 8+4.
	data := fillSeq(12, 1)
	for off := 0; off < len(data); {
		w := r.Write()
		if len(w) == 0 {
			t.Fatalf("write window empty at offset %d", off)
		}
		n := copy(w, data[off:])
		if got := r.WriteForward(n); got != n {
			t.Fatalf("WriteForward = %d, want %d", got, n)
		}
		off += n
	}

	if n := r.ReadForward(10); n != 10 {
		t.Fatalf("ReadForward = %d, want 10", n)
	}

	w2 := r.Write()
	if len(w2) < 6 {
		t.Fatalf("second write window too small: got %d", len(w2))
	}
	copy(w2, fillSeq(6, 13))
	if n := r.WriteForward(6); n != 6 {
		t.Fatalf("WriteForward = %d, want 6", n)
	}

	got := r.Read(8, 0)
	want := append(fillSeq(12, 1)[10:12], fillSeq(6, 13)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("Read(8,0) = %v, want %v", got, want)
	}
}

func TestRingLengthAccounting(t *testing.T) {
	r := Open(32, 16)
	if r.Length() != 0 {
		t.Fatalf("initial length = %d, want 0", r.Length())
	}

	r.WriteForward(10)
	if r.Length() != 10 {
		t.Fatalf("length after write = %d, want 10", r.Length())
	}

	r.ReadForward(4)
	if r.Length() != 6 {
		t.Fatalf("length after read = %d, want 6", r.Length())
	}
}

func TestRingWriteForwardSaturatesAtFree(t *testing.T) {
	r := Open(8, 4)

	n := r.WriteForward(100)
	if n != 8 {
		t.Fatalf("WriteForward(100) = %d, want 8 (capacity)", n)
	}
	if r.Length() != 8 {
		t.Fatalf("length = %d, want 8", r.Length())
	}

	// Buffer full: further writes commit nothing.
	if n := r.WriteForward(5); n != 0 {
		t.Fatalf("WriteForward on full ring = %d, want 0", n)
	}
}

func TestRingReadForwardSaturatesAtLength(t *testing.T) {
	r := Open(8, 4)
	r.WriteForward(3)

	n := r.ReadForward(100)
	if n != 3 {
		t.Fatalf("ReadForward(100) = %d, want 3", n)
	}
	if r.Length() != 0 {
		t.Fatalf("length after drain = %d, want 0", r.Length())
	}
}

func TestRingReadPastLengthReturnsNil(t *testing.T) {
	r := Open(8, 4)
	r.WriteForward(2)

	if got := r.Read(4, 2); got != nil {
		t.Fatalf("Read past length = %v, want nil", got)
	}
	if got := r.Read(4, -1); got != nil {
		t.Fatalf("Read with negative offset = %v, want nil", got)
	}
}

func TestRingWrapAroundIntegrity(t *testing.T) {
	r := Open(16, 8)

	// Drive the cursor around the ring several times, verifying every
	// byte written is read back in order and uncorrupted.
	var produced, consumed []byte
	for round := 0; round < 20; round++ {
		w := r.Write()
		if len(w) == 0 {
			n := r.ReadForward(4)
			consumed = append(consumed, producedTail(produced, consumed, n)...)
			continue
		}
		chunk := fillSeq(min(len(w), 5), byte(round))
		copy(w, chunk)
		r.WriteForward(len(chunk))
		produced = append(produced, chunk...)

		if r.Length() > 4 {
			n := r.ReadForward(4)
			consumed = append(consumed, producedTail(produced, consumed, n)...)
		}
	}
	// drain remainder
	for r.Length() > 0 {
		n := r.ReadForward(r.Length())
		consumed = append(consumed, producedTail(produced, consumed, n)...)
	}

	if !bytes.Equal(produced, consumed) {
		t.Fatalf("wraparound mismatch: produced %v bytes, consumed %v bytes", len(produced), len(consumed))
	}
}

// producedTail returns the next n bytes of produced following what has
// already been accounted for in consumed; used only to build the
// expectation in TestRingWrapAroundIntegrity since ReadForward itself
// does not hand back bytes.
func producedTail(produced, consumed []byte, n int) []byte {
	start := len(consumed)
	end := start + n
	if end > len(produced) {
		end = len(produced)
	}
	if start > len(produced) {
		return nil
	}
	return produced[start:end]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func TestRingConcurrentAccess(t *testing.T) {
	r := Open(4096, 256)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			w := r.Write()
			if len(w) == 0 {
				continue
			}
			r.WriteForward(len(w))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Read(64, 0)
			r.ReadForward(1)
		}
	}()

	wg.Wait()
}
