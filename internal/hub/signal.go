package hub

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/audix/audix/internal/domain"
)

// SignalConn is the transport endpoint of one signaling connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend([]byte) error
	Close()
}

type signalClient struct {
	id          string
	flatID      domain.FlatID
	ip          string
	role        domain.Role
	listeningTo domain.FlatID
	conn        SignalConn
}

// SignalRegistry tracks signaling connections and the per-flat
// broadcaster index. Distinct from the presence plane: a flat's
// presence broadcaster and signal broadcaster are separate sockets.
type SignalRegistry struct {
	mu           sync.RWMutex
	clients      map[string]*signalClient
	broadcasters map[domain.FlatID]string
}

func NewSignalRegistry() *SignalRegistry {
	return &SignalRegistry{
		clients:      make(map[string]*signalClient),
		broadcasters: make(map[domain.FlatID]string),
	}
}

// NewConnID returns a fresh 16-hex-char connection id.
func NewConnID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b[:])
}

// Add registers a connection under a fresh id and returns it.
func (r *SignalRegistry) Add(conn SignalConn, ip string) string {
	id := NewConnID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = &signalClient{
		id:   id,
		ip:   ip,
		role: domain.RoleUnknown,
		conn: conn,
	}
	return id
}

// Identify sets the flat and role. Registering a second broadcaster for
// the same flat returns ErrAlreadyBroadcasting and changes nothing.
func (r *SignalRegistry) Identify(id string, flatID domain.FlatID, role domain.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil
	}
	if role != domain.RoleBroadcaster {
		role = domain.RoleListener
	}
	if role == domain.RoleBroadcaster {
		if _, taken := r.broadcasters[flatID]; taken {
			return domain.ErrAlreadyBroadcasting
		}
		r.broadcasters[flatID] = id
		log.Info().Str("module", "signal").Str("flat", string(flatID)).Str("conn", id).Msg("broadcaster registered")
	}
	c.flatID = flatID
	c.role = role
	return nil
}

// Broadcaster returns the signaling connection of the flat's registered
// broadcaster along with its connection id.
func (r *SignalRegistry) Broadcaster(flatID domain.FlatID) (SignalConn, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.broadcasters[flatID]
	if !ok {
		return nil, "", false
	}
	c, ok := r.clients[id]
	if !ok {
		return nil, "", false
	}
	return c.conn, c.id, true
}

// Conn returns the connection with the given id.
func (r *SignalRegistry) Conn(id string) (SignalConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	return c.conn, true
}

// Role returns the role a connection identified as.
func (r *SignalRegistry) Role(id string) (domain.Role, domain.FlatID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return domain.RoleUnknown, "", false
	}
	return c.role, c.flatID, true
}

// SetListening records the listener's current join target.
func (r *SignalRegistry) SetListening(id string, target domain.FlatID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.listeningTo = target
	}
}

// ClearListening clears and returns the previous join target.
func (r *SignalRegistry) ClearListening(id string) domain.FlatID {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return ""
	}
	prev := c.listeningTo
	c.listeningTo = ""
	return prev
}

// Remove drops the connection. The broadcaster index entry is removed
// only if it still points at this exact connection.
func (r *SignalRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return
	}
	if c.role == domain.RoleBroadcaster {
		if cur, ok := r.broadcasters[c.flatID]; ok && cur == id {
			delete(r.broadcasters, c.flatID)
			log.Info().Str("module", "signal").Str("flat", string(c.flatID)).Msg("broadcaster unregistered")
		}
	}
	delete(r.clients, id)
}
