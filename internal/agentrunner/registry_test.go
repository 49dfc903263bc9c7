package agentrunner

import "testing"

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry(nil)
	r.register(123)
	r.register(456)
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	r.unregister(123)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_ShutdownAllDoesNotPanicWhenEmpty(t *testing.T) {
	r := NewRegistry(nil)
	r.ShutdownAll()
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}
