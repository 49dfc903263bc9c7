package agentrunner

import "testing"

func TestRingBuffer_EvictsBeyondMaxLines(t *testing.T) {
	r := newRingBuffer()
	r.maxLines = 3
	r.maxBytes = 1 << 20
	for i := 0; i < 5; i++ {
		r.Append("line")
	}
	if len(r.Lines()) != 3 {
		t.Fatalf("len = %d, want 3", len(r.Lines()))
	}
	if r.dropped != 2 {
		t.Fatalf("dropped = %d, want 2", r.dropped)
	}
}

func TestRingBuffer_EvictsBeyondMaxBytes(t *testing.T) {
	r := newRingBuffer()
	r.maxLines = 1000
	r.maxBytes = 10
	r.Append("12345")
	r.Append("67890")
	r.Append("abcde")
	lines := r.Lines()
	if len(lines) != 2 {
		t.Fatalf("len = %d, want 2", len(lines))
	}
	if lines[0] != "67890" || lines[1] != "abcde" {
		t.Fatalf("unexpected surviving lines: %v", lines)
	}
}

func TestRingBuffer_LinesReturnsCopy(t *testing.T) {
	r := newRingBuffer()
	r.Append("a")
	out := r.Lines()
	out[0] = "mutated"
	if r.Lines()[0] != "a" {
		t.Fatalf("Lines() leaked internal slice")
	}
}
