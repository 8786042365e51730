package hub

import (
	"errors"
	"regexp"
	"testing"

	"github.com/audix/audix/internal/domain"
)

type stubConn struct {
	sent   [][]byte
	closed bool
}

func (s *stubConn) TrySend(b []byte) error {
	s.sent = append(s.sent, b)
	return nil
}

func (s *stubConn) Close() { s.closed = true }

func TestNewConnIDShape(t *testing.T) {
	rx := regexp.MustCompile(`^[0-9a-f]{16}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewConnID()
		if !rx.MatchString(id) {
			t.Fatalf("id %q is not 16 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestIdentifyDefaultsToListener(t *testing.T) {
	r := NewSignalRegistry()
	id := r.Add(&stubConn{}, "10.0.0.1")

	if err := r.Identify(id, "A1", domain.Role("")); err != nil {
		t.Fatal(err)
	}
	role, flat, ok := r.Role(id)
	if !ok || role != domain.RoleListener || flat != "A1" {
		t.Errorf("role=%v flat=%v, want listener A1", role, flat)
	}
}

func TestBroadcasterRegistration(t *testing.T) {
	r := NewSignalRegistry()
	bc := &stubConn{}
	id := r.Add(bc, "10.0.0.1")

	if err := r.Identify(id, "A1", domain.RoleBroadcaster); err != nil {
		t.Fatal(err)
	}
	conn, gotID, ok := r.Broadcaster("A1")
	if !ok || conn != bc || gotID != id {
		t.Fatalf("Broadcaster lookup = (%v, %q, %v)", conn, gotID, ok)
	}
}

func TestDuplicateBroadcasterDenied(t *testing.T) {
	r := NewSignalRegistry()
	first := r.Add(&stubConn{}, "10.0.0.1")
	if err := r.Identify(first, "A1", domain.RoleBroadcaster); err != nil {
		t.Fatal(err)
	}

	second := r.Add(&stubConn{}, "10.0.0.2")
	err := r.Identify(second, "A1", domain.RoleBroadcaster)
	if !errors.Is(err, domain.ErrAlreadyBroadcasting) {
		t.Fatalf("second identify = %v, want ALREADY_BROADCASTING", err)
	}

	// The index must still point at the first connection.
	_, gotID, ok := r.Broadcaster("A1")
	if !ok || gotID != first {
		t.Errorf("broadcaster = %q, want %q", gotID, first)
	}
}

func TestRemoveOnlyDropsOwnIndexEntry(t *testing.T) {
	r := NewSignalRegistry()
	first := r.Add(&stubConn{}, "10.0.0.1")
	if err := r.Identify(first, "A1", domain.RoleBroadcaster); err != nil {
		t.Fatal(err)
	}

	// A denied second broadcaster disconnecting must not evict the first.
	second := r.Add(&stubConn{}, "10.0.0.2")
	_ = r.Identify(second, "A1", domain.RoleBroadcaster)
	r.Remove(second)

	if _, _, ok := r.Broadcaster("A1"); !ok {
		t.Fatal("first broadcaster must survive the second's removal")
	}

	r.Remove(first)
	if _, _, ok := r.Broadcaster("A1"); ok {
		t.Fatal("index entry must be gone after the owner disconnects")
	}
}

func TestListeningRoundTrip(t *testing.T) {
	r := NewSignalRegistry()
	id := r.Add(&stubConn{}, "10.0.0.1")
	if err := r.Identify(id, "B2", domain.RoleListener); err != nil {
		t.Fatal(err)
	}

	r.SetListening(id, "A1")
	if prev := r.ClearListening(id); prev != "A1" {
		t.Errorf("ClearListening = %q, want A1", prev)
	}
	if prev := r.ClearListening(id); prev != "" {
		t.Errorf("second ClearListening = %q, want empty", prev)
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	r := NewSignalRegistry()
	r.Remove("deadbeefdeadbeef")
}
