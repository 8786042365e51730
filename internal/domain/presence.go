package domain

import "time"

// Role of a presence or signaling connection.
type Role string

const (
	RoleIdle        Role = "idle"
	RoleBroadcaster Role = "broadcaster"
	RoleListener    Role = "listener"
	RoleUnknown     Role = "unknown"
)

// AudioStatus is the broadcaster's self-reported telemetry.
type AudioStatus struct {
	MicOn    bool    `json:"micOn"`
	SysOn    bool    `json:"sysOn"`
	PTT      bool    `json:"ptt"`
	Speaking bool    `json:"speaking"`
	MicLevel float64 `json:"micLevel"`
}

// ClampLevel forces a raw mic level into [0,1]. NaN and negatives
// become 0, values above 1 become 1.
func ClampLevel(v float64) float64 {
	if !(v > 0) { // catches NaN as well
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StationSummary is the public view of a live station. No IPs, no
// per-listener detail.
type StationSummary struct {
	ID        FlatID    `json:"id"`
	Name      string    `json:"name"`
	Live      bool      `json:"live"`
	Listeners int       `json:"listeners"`
	StartedAt time.Time `json:"startedAt"`
}

// ListenerInfo is the internal (token-gated) view of one listener.
type ListenerInfo struct {
	FlatID      FlatID    `json:"flat_id"`
	IP          string    `json:"ip"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// StationDetail is the internal view of one station.
type StationDetail struct {
	ID        FlatID         `json:"id"`
	IP        string         `json:"ip"`
	StartedAt time.Time      `json:"startedAt"`
	Audio     AudioStatus    `json:"audio"`
	Listeners []ListenerInfo `json:"listeners"`
}

// PresenceInfo is the internal view of one presence connection.
type PresenceInfo struct {
	FlatID      FlatID    `json:"flat_id"`
	IP          string    `json:"ip"`
	Role        Role      `json:"role"`
	ListeningTo FlatID    `json:"listening_to,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Snapshot is the full internal state dump served to operators.
type Snapshot struct {
	Now           time.Time       `json:"now"`
	UptimeSeconds int64           `json:"uptimeSeconds"`
	StationCount  int             `json:"stationCount"`
	ListenerCount int             `json:"listenerCount"`
	ClientCount   int             `json:"clientCount"`
	Stations      []StationDetail `json:"stations"`
	Clients       []PresenceInfo  `json:"clients"`
}
