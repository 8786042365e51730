// Package signal is the /ws/signal adapter: a best-effort relay of
// WebRTC offers, answers and ICE candidates between one broadcaster and
// its listeners. The relay routes by connection id and flat id; it
// never interprets SDP.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/audix/audix/internal/config"
	"github.com/audix/audix/internal/domain"
	"github.com/audix/audix/internal/hub"
	"github.com/audix/audix/internal/session"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	hub     *hub.Hub
	reg     *hub.SignalRegistry
	cfg     *config.Config
	limiter *joinLimiter
}

func NewController(h *hub.Hub, reg *hub.SignalRegistry, cfg *config.Config) *Controller {
	return &Controller{
		hub:     h,
		reg:     reg,
		cfg:     cfg,
		limiter: newJoinLimiter(8, 10*time.Second),
	}
}

// outFrame is one queued write; close frames travel through the same
// queue so a reply enqueued just before them is still delivered.
type outFrame struct {
	data        []byte
	closeReason string
	isClose     bool
}

type wsConn struct {
	conn  *websocket.Conn
	send  chan outFrame
	alive atomic.Bool

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- outFrame{data: data}:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// closeWithPolicy schedules a 1008 close frame behind any pending
// writes. Falls back to an immediate close when the queue is full.
func (c *wsConn) closeWithPolicy(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- outFrame{isClose: true, closeReason: reason}:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.Close()
	}
}

// Handle upgrades the request, assigns the connection id and runs the
// pumps until the socket drops.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	sessionFlat, _ := session.FlatID(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	conn := &wsConn{
		conn: ws,
		send: make(chan outFrame, 32),
	}
	conn.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		conn.alive.Store(true)
		return nil
	})

	id := ctl.reg.Add(conn, c.ClientIP())
	log.Info().Str("module", "signal").Str("conn", id).Str("flat", string(sessionFlat)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, id, sessionFlat, conn)

	ctl.sendJSON(conn, gin.H{"type": "hello", "id": id})
}

func (ctl *Controller) writePump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.alive.Load() {
				log.Warn().Str("module", "signal").Msg("ghost socket, terminating")
				return
			}
			c.alive.Store(false)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case f, ok := <-c.send:
			if !ok {
				return
			}
			if f.isClose {
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, f.closeReason)
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, id string, sessionFlat domain.FlatID, c *wsConn) {
	defer func() {
		ctl.reg.Remove(id)
		ctl.limiter.Forget(id)
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.handleFrame(id, sessionFlat, c, data)
		}
	}
}

func (ctl *Controller) sendJSON(c hub.SignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

// handleFrame dispatches one frame. Routing lookups that fail are
// dropped; the peers' own retry logic recovers lost frames.
func (ctl *Controller) handleFrame(id string, sessionFlat domain.FlatID, c *wsConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case "identify":
		ctl.handleIdentify(id, sessionFlat, c, data)
	case "listen:join":
		ctl.handleJoin(id, c, data)
	case "listen:leave":
		ctl.handleLeave(id)
	case "webrtc:offer":
		ctl.handleOffer(id, data)
	case "webrtc:answer":
		ctl.handleAnswer(id, data)
	case "webrtc:ice":
		ctl.handleICE(id, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown frame")
	}
}

func (ctl *Controller) handleIdentify(id string, sessionFlat domain.FlatID, c *wsConn, data []byte) {
	var p struct {
		FlatID string `json:"flat_id"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	flatID := domain.Normalize(p.FlatID)
	if flatID != sessionFlat {
		log.Warn().Str("module", "signal").Str("claimed", string(flatID)).Str("session", string(sessionFlat)).Msg("identify mismatch, dropped")
		return
	}
	if err := ctl.reg.Identify(id, flatID, domain.Role(p.Role)); errors.Is(err, domain.ErrAlreadyBroadcasting) {
		ctl.sendJSON(c, gin.H{"type": "broadcast:denied", "reason": err.Error()})
		c.closeWithPolicy(err.Error())
	}
}

func (ctl *Controller) handleJoin(id string, c *wsConn, data []byte) {
	if !ctl.limiter.Allow(id) {
		return
	}
	role, _, ok := ctl.reg.Role(id)
	if !ok || role != domain.RoleListener {
		return
	}
	var p struct {
		TargetFlat string `json:"targetFlat"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	target := domain.Normalize(p.TargetFlat)

	// The station must be live on the presence plane and its broadcaster
	// must have a signaling socket registered; join may race ahead of
	// the broadcaster's identify, which is reported, not waited out.
	if !ctl.hub.StationLive(target) {
		ctl.sendJSON(c, gin.H{"type": "listen:error", "error": domain.SignalErrStationOffline})
		return
	}
	bconn, _, ok := ctl.reg.Broadcaster(target)
	if !ok {
		ctl.sendJSON(c, gin.H{"type": "listen:error", "error": domain.SignalErrBroadcasterNotUp})
		return
	}

	ctl.reg.SetListening(id, target)
	ctl.sendJSON(bconn, gin.H{"type": "listener:join", "listenerId": id})
	ctl.sendJSON(c, gin.H{"type": "listen:ok", "targetFlat": target})
}

func (ctl *Controller) handleLeave(id string) {
	prev := ctl.reg.ClearListening(id)
	if prev == "" {
		return
	}
	if bconn, _, ok := ctl.reg.Broadcaster(prev); ok {
		ctl.sendJSON(bconn, gin.H{"type": "listener:leave", "listenerId": id})
	}
}

// handleOffer and handleAnswer relay sdp verbatim; clients send either
// the bare SDP string or the browser's {type, sdp} object.
func (ctl *Controller) handleOffer(id string, data []byte) {
	role, _, ok := ctl.reg.Role(id)
	if !ok || role != domain.RoleBroadcaster {
		return
	}
	var p struct {
		ListenerID string          `json:"listenerId"`
		SDP        json.RawMessage `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	lconn, ok := ctl.reg.Conn(p.ListenerID)
	if !ok {
		return
	}
	ctl.sendJSON(lconn, gin.H{"type": "webrtc:offer", "from": id, "sdp": p.SDP})
}

func (ctl *Controller) handleAnswer(id string, data []byte) {
	role, _, ok := ctl.reg.Role(id)
	if !ok || role != domain.RoleListener {
		return
	}
	var p struct {
		BroadcasterFlat string          `json:"broadcasterFlat"`
		SDP             json.RawMessage `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	bconn, _, ok := ctl.reg.Broadcaster(domain.Normalize(p.BroadcasterFlat))
	if !ok {
		return
	}
	ctl.sendJSON(bconn, gin.H{"type": "webrtc:answer", "listenerId": id, "sdp": p.SDP})
}

// handleICE relays candidates in whichever direction the sender's role
// implies. Candidates keep the browser's ICECandidateInit shape.
func (ctl *Controller) handleICE(id string, data []byte) {
	role, _, ok := ctl.reg.Role(id)
	if !ok {
		return
	}
	var p struct {
		ListenerID      string                  `json:"listenerId"`
		BroadcasterFlat string                  `json:"broadcasterFlat"`
		Candidate       webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	switch role {
	case domain.RoleBroadcaster:
		lconn, ok := ctl.reg.Conn(p.ListenerID)
		if !ok {
			return
		}
		ctl.sendJSON(lconn, gin.H{"type": "webrtc:ice", "from": id, "candidate": p.Candidate})
	case domain.RoleListener:
		bconn, _, ok := ctl.reg.Broadcaster(domain.Normalize(p.BroadcasterFlat))
		if !ok {
			return
		}
		ctl.sendJSON(bconn, gin.H{"type": "webrtc:ice", "listenerId": id, "candidate": p.Candidate})
	}
}
