package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/audix/audix/internal/domain"
)

func connectIdentified(t *testing.T, h *Hub, flat domain.FlatID) ClientID {
	t.Helper()
	id := h.Connect("10.0.0.1")
	h.Identify(id, flat)
	return id
}

func TestStartBroadcastCreatesStation(t *testing.T) {
	h := New()
	b := connectIdentified(t, h, "A1")

	if err := h.StartBroadcast(b); err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	if !h.StationLive("A1") {
		t.Fatal("station A1 should be live")
	}
	st, _ := h.State(b)
	if st.Role != domain.RoleBroadcaster {
		t.Errorf("role = %v, want broadcaster", st.Role)
	}
}

func TestStartBroadcastWithoutIdentifyDropped(t *testing.T) {
	h := New()
	id := h.Connect("10.0.0.1")
	if err := h.StartBroadcast(id); err != nil {
		t.Fatalf("unidentified broadcast should be a silent no-op, got %v", err)
	}
	snap := h.Snapshot()
	if snap.StationCount != 0 {
		t.Errorf("stations = %d, want 0", snap.StationCount)
	}
}

func TestDuplicateBroadcastDenied(t *testing.T) {
	h := New()
	b1 := connectIdentified(t, h, "A1")
	if err := h.StartBroadcast(b1); err != nil {
		t.Fatalf("first start: %v", err)
	}

	b2 := connectIdentified(t, h, "A1")
	err := h.StartBroadcast(b2)
	if !errors.Is(err, domain.ErrAlreadyBroadcasting) {
		t.Fatalf("second start = %v, want ALREADY_BROADCASTING", err)
	}

	// The denial must not disturb the original station or the second client.
	if !h.StationLive("A1") {
		t.Error("original station should be intact")
	}
	st, _ := h.State(b2)
	if st.Role != domain.RoleIdle {
		t.Errorf("denied client role = %v, want idle", st.Role)
	}
}

func TestStartStopRoundTrip(t *testing.T) {
	h := New()
	b := connectIdentified(t, h, "A1")
	if err := h.StartBroadcast(b); err != nil {
		t.Fatal(err)
	}
	h.StopBroadcast(b)

	if h.StationLive("A1") {
		t.Error("station should be removed")
	}
	st, _ := h.State(b)
	if st.Role != domain.RoleIdle || st.ListeningTo != "" {
		t.Errorf("state after stop = %+v, want idle", st)
	}
}

func TestListenAttachesToStation(t *testing.T) {
	h := New()
	b := connectIdentified(t, h, "A1")
	l := connectIdentified(t, h, "B2")
	if err := h.StartBroadcast(b); err != nil {
		t.Fatal(err)
	}

	h.StartListen(l, "A1")

	st, _ := h.State(l)
	if st.Role != domain.RoleListener || st.ListeningTo != "A1" {
		t.Fatalf("listener state = %+v", st)
	}
	stations := h.PublicStations()
	if len(stations) != 1 || stations[0].Listeners != 1 {
		t.Fatalf("public stations = %+v, want one station with one listener", stations)
	}
}

func TestListenToOfflineStationIgnored(t *testing.T) {
	h := New()
	l := connectIdentified(t, h, "B2")
	h.StartListen(l, "A1")
	st, _ := h.State(l)
	if st.Role != domain.RoleIdle || st.ListeningTo != "" {
		t.Errorf("listening to an offline station must be ignored, state = %+v", st)
	}
}

func TestBroadcasterCannotListen(t *testing.T) {
	h := New()
	b := connectIdentified(t, h, "A1")
	b2 := connectIdentified(t, h, "C3")
	if err := h.StartBroadcast(b); err != nil {
		t.Fatal(err)
	}
	if err := h.StartBroadcast(b2); err != nil {
		t.Fatal(err)
	}

	h.StartListen(b2, "A1")
	st, _ := h.State(b2)
	if st.Role != domain.RoleBroadcaster || st.ListeningTo != "" {
		t.Errorf("broadcaster must not become a listener, state = %+v", st)
	}
}

func TestListenerSwitchesTarget(t *testing.T) {
	h := New()
	b1 := connectIdentified(t, h, "A1")
	b2 := connectIdentified(t, h, "C3")
	l := connectIdentified(t, h, "B2")
	if err := h.StartBroadcast(b1); err != nil {
		t.Fatal(err)
	}
	if err := h.StartBroadcast(b2); err != nil {
		t.Fatal(err)
	}

	h.StartListen(l, "A1")
	h.StartListen(l, "C3")

	st, _ := h.State(l)
	if st.ListeningTo != "C3" {
		t.Fatalf("listeningTo = %q, want C3", st.ListeningTo)
	}
	for _, s := range h.PublicStations() {
		switch s.ID {
		case "A1":
			if s.Listeners != 0 {
				t.Errorf("A1 listeners = %d, want 0 after switch", s.Listeners)
			}
		case "C3":
			if s.Listeners != 1 {
				t.Errorf("C3 listeners = %d, want 1", s.Listeners)
			}
		}
	}
}

func TestStopBroadcastResetsListeners(t *testing.T) {
	h := New()
	b := connectIdentified(t, h, "A1")
	l1 := connectIdentified(t, h, "B2")
	l2 := connectIdentified(t, h, "C3")
	if err := h.StartBroadcast(b); err != nil {
		t.Fatal(err)
	}
	h.StartListen(l1, "A1")
	h.StartListen(l2, "A1")

	h.StopBroadcast(b)

	for _, l := range []ClientID{l1, l2} {
		st, _ := h.State(l)
		if st.Role != domain.RoleIdle || st.ListeningTo != "" {
			t.Errorf("listener %d after stop = %+v, want idle", l, st)
		}
	}
}

func TestStopBroadcastByListeningConnection(t *testing.T) {
	h := New()
	bX := connectIdentified(t, h, "X9")
	bA := connectIdentified(t, h, "A1")
	if err := h.StartBroadcast(bX); err != nil {
		t.Fatal(err)
	}
	if err := h.StartBroadcast(bA); err != nil {
		t.Fatal(err)
	}

	// Second A1 connection tunes into X9, then stops A1's station.
	l := connectIdentified(t, h, "A1")
	h.StartListen(l, "X9")

	h.StopBroadcast(l)

	if h.StationLive("A1") {
		t.Error("A1's station should be torn down")
	}
	st, _ := h.State(l)
	if st.Role != domain.RoleIdle || st.ListeningTo != "" {
		t.Errorf("caller state = %+v, want idle with no target", st)
	}
	for _, s := range h.PublicStations() {
		if s.ID == "X9" && s.Listeners != 0 {
			t.Errorf("X9 listeners = %d, want 0 after the caller left", s.Listeners)
		}
	}
	checkInvariants(t, h)
}

func TestBroadcasterDisconnectCleansUp(t *testing.T) {
	h := New()
	b := connectIdentified(t, h, "A1")
	l1 := connectIdentified(t, h, "B2")
	l2 := connectIdentified(t, h, "C3")
	if err := h.StartBroadcast(b); err != nil {
		t.Fatal(err)
	}
	h.StartListen(l1, "A1")
	h.StartListen(l2, "A1")

	h.Disconnect(b)

	if h.StationLive("A1") {
		t.Fatal("station must be removed on broadcaster disconnect")
	}
	if _, ok := h.State(b); ok {
		t.Error("disconnected client record must be deleted")
	}
	for _, l := range []ClientID{l1, l2} {
		st, _ := h.State(l)
		if st.Role != domain.RoleIdle || st.ListeningTo != "" {
			t.Errorf("surviving listener %d = %+v, want idle", l, st)
		}
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	h := New()
	b := connectIdentified(t, h, "A1")
	if err := h.StartBroadcast(b); err != nil {
		t.Fatal(err)
	}
	h.Disconnect(b)
	h.Disconnect(b)
	h.Disconnect(b)
	if got := h.Snapshot().ClientCount; got != 0 {
		t.Errorf("clients = %d, want 0", got)
	}
}

func TestUpdateAudioClampsLevel(t *testing.T) {
	h := New()
	b := connectIdentified(t, h, "A1")
	if err := h.StartBroadcast(b); err != nil {
		t.Fatal(err)
	}

	h.UpdateAudio(b, domain.AudioStatus{MicOn: true, MicLevel: 4.5})
	snap := h.Snapshot()
	if got := snap.Stations[0].Audio.MicLevel; got != 1 {
		t.Errorf("micLevel = %v, want clamped to 1", got)
	}

	h.UpdateAudio(b, domain.AudioStatus{MicLevel: -2})
	snap = h.Snapshot()
	if got := snap.Stations[0].Audio.MicLevel; got != 0 {
		t.Errorf("micLevel = %v, want clamped to 0", got)
	}
}

func TestUpdateAudioIgnoredWithoutStation(t *testing.T) {
	h := New()
	c := connectIdentified(t, h, "A1")
	h.UpdateAudio(c, domain.AudioStatus{MicOn: true})
	if got := h.Snapshot().StationCount; got != 0 {
		t.Errorf("stations = %d, want 0", got)
	}
}

func TestPublicStationsSortedAndSanitized(t *testing.T) {
	h := New()
	for _, flat := range []domain.FlatID{"C3", "A1", "B2"} {
		b := connectIdentified(t, h, flat)
		if err := h.StartBroadcast(b); err != nil {
			t.Fatal(err)
		}
	}

	stations := h.PublicStations()
	if len(stations) != 3 {
		t.Fatalf("len = %d, want 3", len(stations))
	}
	for i, want := range []domain.FlatID{"A1", "B2", "C3"} {
		if stations[i].ID != want {
			t.Errorf("stations[%d] = %s, want %s", i, stations[i].ID, want)
		}
		if stations[i].Name != string(want) || !stations[i].Live {
			t.Errorf("stations[%d] summary malformed: %+v", i, stations[i])
		}
	}
}

func TestSnapshotIncludesDetail(t *testing.T) {
	h := New()
	b := connectIdentified(t, h, "A1")
	l := connectIdentified(t, h, "B2")
	if err := h.StartBroadcast(b); err != nil {
		t.Fatal(err)
	}
	h.StartListen(l, "A1")

	snap := h.Snapshot()
	if snap.StationCount != 1 || snap.ListenerCount != 1 || snap.ClientCount != 2 {
		t.Fatalf("snapshot totals = %+v", snap)
	}
	st := snap.Stations[0]
	if st.IP == "" {
		t.Error("internal snapshot must include the broadcaster IP")
	}
	if len(st.Listeners) != 1 || st.Listeners[0].FlatID != "B2" || st.Listeners[0].IP == "" {
		t.Errorf("listener detail = %+v", st.Listeners)
	}
}

// checkInvariants verifies the registry invariants that must hold
// between any two external events.
func checkInvariants(t *testing.T, h *Hub) {
	t.Helper()
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.clients {
		switch c.role {
		case domain.RoleBroadcaster:
			if _, ok := h.stations[c.flatID]; !ok {
				t.Errorf("broadcaster %d has no station", id)
			}
			if c.listeningTo != "" {
				t.Errorf("broadcaster %d has listeningTo set", id)
			}
		case domain.RoleListener:
			st, ok := h.stations[c.listeningTo]
			if !ok {
				t.Errorf("listener %d points at missing station %q", id, c.listeningTo)
				continue
			}
			if _, in := st.listeners[id]; !in {
				t.Errorf("listener %d missing from station %q set", id, c.listeningTo)
			}
		case domain.RoleIdle:
			if c.listeningTo != "" {
				t.Errorf("idle client %d has listeningTo set", id)
			}
		}
	}
	for flat, st := range h.stations {
		for lid := range st.listeners {
			lc, ok := h.clients[lid]
			if !ok {
				t.Errorf("station %q references deleted client %d", flat, lid)
				continue
			}
			if lc.role != domain.RoleListener || lc.listeningTo != flat {
				t.Errorf("station %q listener %d inconsistent: %+v", flat, lid, lc)
			}
		}
	}
}

func TestInvariantsUnderConcurrentChurn(t *testing.T) {
	h := New()
	const workers = 16

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			flat := domain.FlatID(fmt.Sprintf("F%d", w%4))
			target := domain.FlatID(fmt.Sprintf("F%d", (w+1)%4))
			for i := 0; i < 200; i++ {
				id := h.Connect("10.0.0.2")
				h.Identify(id, flat)
				switch i % 3 {
				case 0:
					_ = h.StartBroadcast(id)
					h.StopBroadcast(id)
				case 1:
					h.StartListen(id, target)
					h.StopListen(id)
				case 2:
					_ = h.StartBroadcast(id)
				}
				h.Disconnect(id)
			}
		}(w)
	}
	wg.Wait()

	checkInvariants(t, h)
	snap := h.Snapshot()
	if snap.ClientCount != 0 || snap.StationCount != 0 {
		t.Errorf("after churn: clients=%d stations=%d, want 0/0", snap.ClientCount, snap.StationCount)
	}
}
