// Package hub owns the in-memory presence and signaling state: who is
// connected, who is live, who listens to whom. It is the single source
// of truth for "who is live"; every mutation happens under one lock so
// a frame's effect is atomic with respect to concurrent frames and
// connection cleanup.
package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/audix/audix/internal/domain"
)

// ClientID is the opaque handle of one presence connection. Stations
// reference listeners by handle, never by pointer.
type ClientID uint64

type presenceClient struct {
	id          ClientID
	flatID      domain.FlatID
	ip          string
	role        domain.Role
	listeningTo domain.FlatID
	connectedAt time.Time
}

type station struct {
	ip        string
	startedAt time.Time
	listeners map[ClientID]struct{}
	audio     domain.AudioStatus
}

// Hub is the presence-plane registry.
type Hub struct {
	mu       sync.RWMutex
	nextID   ClientID
	clients  map[ClientID]*presenceClient
	stations map[domain.FlatID]*station
	started  time.Time
}

func New() *Hub {
	return &Hub{
		clients:  make(map[ClientID]*presenceClient),
		stations: make(map[domain.FlatID]*station),
		started:  time.Now(),
	}
}

// Connect registers a new presence connection and hands out its handle.
func (h *Hub) Connect(ip string) ClientID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.clients[id] = &presenceClient{
		id:          id,
		ip:          ip,
		role:        domain.RoleIdle,
		connectedAt: time.Now(),
	}
	return id
}

// Identify binds a canonical flat id to the connection. Station
// operations before Identify are dropped.
func (h *Hub) Identify(id ClientID, flatID domain.FlatID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok || flatID == "" {
		return
	}
	c.flatID = flatID
	log.Info().Str("module", "hub").Uint64("conn", uint64(id)).Str("flat", string(flatID)).Msg("identified")
}

// StartBroadcast creates the station for the client's flat. Returns
// ErrAlreadyBroadcasting when the flat is already live; no state changes
// in that case.
func (h *Hub) StartBroadcast(id ClientID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok || c.flatID == "" {
		return nil
	}
	if _, live := h.stations[c.flatID]; live {
		return domain.ErrAlreadyBroadcasting
	}

	if c.role == domain.RoleListener {
		h.leaveStationLocked(c)
	}
	c.role = domain.RoleBroadcaster
	h.stations[c.flatID] = &station{
		ip:        c.ip,
		startedAt: time.Now(),
		listeners: make(map[ClientID]struct{}),
	}
	log.Info().Str("module", "hub").Str("flat", string(c.flatID)).Msg("broadcast started")
	return nil
}

// StopBroadcast tears down the station for the client's flat, resetting
// every listener to idle.
func (h *Hub) StopBroadcast(id ClientID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok || c.flatID == "" {
		return
	}
	if c.role == domain.RoleListener {
		h.leaveStationLocked(c)
	}
	h.dropStationLocked(c.flatID)
	c.role = domain.RoleIdle
}

// UpdateAudio applies broadcaster telemetry. Ignored unless the flat's
// station exists. The mic level is clamped into [0,1].
func (h *Hub) UpdateAudio(id ClientID, audio domain.AudioStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok || c.flatID == "" {
		return
	}
	st, live := h.stations[c.flatID]
	if !live {
		return
	}
	audio.MicLevel = domain.ClampLevel(audio.MicLevel)
	st.audio = audio
}

// StartListen attaches the client to the target station. Ignored when
// the target is offline or the client is broadcasting. Switching
// targets leaves the old station atomically.
func (h *Hub) StartListen(id ClientID, target domain.FlatID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok || c.flatID == "" || c.role == domain.RoleBroadcaster {
		return
	}
	st, live := h.stations[target]
	if !live {
		return
	}
	if c.role == domain.RoleListener && c.listeningTo != target {
		h.leaveStationLocked(c)
	}
	c.role = domain.RoleListener
	c.listeningTo = target
	st.listeners[id] = struct{}{}
}

// StopListen detaches the client from whatever it listens to.
func (h *Hub) StopListen(id ClientID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok || c.role == domain.RoleBroadcaster {
		return
	}
	h.leaveStationLocked(c)
	c.role = domain.RoleIdle
	c.listeningTo = ""
}

// Disconnect removes the connection and everything it owned. Safe to
// call more than once for the same handle.
func (h *Hub) Disconnect(id ClientID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	switch c.role {
	case domain.RoleListener:
		h.leaveStationLocked(c)
	case domain.RoleBroadcaster:
		h.dropStationLocked(c.flatID)
	}
	delete(h.clients, id)
	log.Info().Str("module", "hub").Uint64("conn", uint64(id)).Msg("presence disconnected")
}

// leaveStationLocked removes the client from its current station's
// listener set, if any. Caller holds h.mu.
func (h *Hub) leaveStationLocked(c *presenceClient) {
	if c.listeningTo == "" {
		return
	}
	if st, ok := h.stations[c.listeningTo]; ok {
		delete(st.listeners, c.id)
	}
	c.listeningTo = ""
}

// dropStationLocked deletes a station and resets all of its listeners
// (and any broadcaster owning it) to idle. Caller holds h.mu.
func (h *Hub) dropStationLocked(flatID domain.FlatID) {
	st, ok := h.stations[flatID]
	if !ok {
		return
	}
	for lid := range st.listeners {
		if lc, ok := h.clients[lid]; ok {
			lc.role = domain.RoleIdle
			lc.listeningTo = ""
		}
	}
	for _, oc := range h.clients {
		if oc.role == domain.RoleBroadcaster && oc.flatID == flatID {
			oc.role = domain.RoleIdle
		}
	}
	delete(h.stations, flatID)
	log.Info().Str("module", "hub").Str("flat", string(flatID)).Msg("station removed")
}

// StationLive reports whether the flat currently has a station.
func (h *Hub) StationLive(flatID domain.FlatID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.stations[flatID]
	return ok
}

// PublicStations is the listener-facing view: sorted, no IPs, no
// per-listener detail.
func (h *Hub) PublicStations() []domain.StationSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.StationSummary, 0, len(h.stations))
	for flatID, st := range h.stations {
		out = append(out, domain.StationSummary{
			ID:        flatID,
			Name:      string(flatID),
			Live:      true,
			Listeners: len(st.listeners),
			StartedAt: st.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot is the operator view: everything, IPs included.
func (h *Hub) Snapshot() domain.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	snap := domain.Snapshot{
		Now:           now,
		UptimeSeconds: int64(now.Sub(h.started).Seconds()),
		StationCount:  len(h.stations),
		ClientCount:   len(h.clients),
		Stations:      make([]domain.StationDetail, 0, len(h.stations)),
		Clients:       make([]domain.PresenceInfo, 0, len(h.clients)),
	}

	for flatID, st := range h.stations {
		detail := domain.StationDetail{
			ID:        flatID,
			IP:        st.ip,
			StartedAt: st.startedAt,
			Audio:     st.audio,
			Listeners: make([]domain.ListenerInfo, 0, len(st.listeners)),
		}
		for lid := range st.listeners {
			if lc, ok := h.clients[lid]; ok {
				detail.Listeners = append(detail.Listeners, domain.ListenerInfo{
					FlatID:      lc.flatID,
					IP:          lc.ip,
					ConnectedAt: lc.connectedAt,
				})
			}
		}
		sort.Slice(detail.Listeners, func(i, j int) bool {
			return detail.Listeners[i].FlatID < detail.Listeners[j].FlatID
		})
		snap.ListenerCount += len(detail.Listeners)
		snap.Stations = append(snap.Stations, detail)
	}
	sort.Slice(snap.Stations, func(i, j int) bool { return snap.Stations[i].ID < snap.Stations[j].ID })

	for _, c := range h.clients {
		snap.Clients = append(snap.Clients, domain.PresenceInfo{
			FlatID:      c.flatID,
			IP:          c.ip,
			Role:        c.role,
			ListeningTo: c.listeningTo,
			ConnectedAt: c.connectedAt,
		})
	}
	sort.Slice(snap.Clients, func(i, j int) bool { return snap.Clients[i].ConnectedAt.Before(snap.Clients[j].ConnectedAt) })

	return snap
}

// ClientState is a test and diagnostics view of one presence client.
type ClientState struct {
	FlatID      domain.FlatID
	Role        domain.Role
	ListeningTo domain.FlatID
}

// State returns the current state of a connection.
func (h *Hub) State(id ClientID) (ClientState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return ClientState{}, false
	}
	return ClientState{FlatID: c.flatID, Role: c.role, ListeningTo: c.listeningTo}, true
}
