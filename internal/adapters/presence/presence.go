// Package presence is the /ws/presence adapter: one connection per
// client, JSON frames dispatched on a type discriminator, every station
// mutation routed through the hub.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
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
	hub *hub.Hub
	cfg *config.Config
}

func NewController(h *hub.Hub, cfg *config.Config) *Controller {
	return &Controller{hub: h, cfg: cfg}
}

// wsConn owns the socket plus the outbound queue and the liveness flag.
type wsConn struct {
	conn  *websocket.Conn
	send  chan []byte
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
	case c.send <- data:
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

// Handle upgrades the request and runs the connection until it drops.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	sessionFlat, _ := session.FlatID(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	conn.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		conn.alive.Store(true)
		return nil
	})

	id := ctl.hub.Connect(c.ClientIP())
	log.Info().Str("module", "presence").Uint64("conn", uint64(id)).Str("flat", string(sessionFlat)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, id, sessionFlat, conn)
}

// writePump drains the send queue and drives the heartbeat. A tick with
// no pong since the previous one terminates the connection.
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
				log.Warn().Str("module", "presence").Msg("ghost socket, terminating")
				return
			}
			c.alive.Store(false)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "presence").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, id hub.ClientID, sessionFlat domain.FlatID, c *wsConn) {
	defer func() {
		ctl.hub.Disconnect(id)
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

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

// handleFrame dispatches one frame. Malformed and unknown frames are
// dropped without a reply.
func (ctl *Controller) handleFrame(id hub.ClientID, sessionFlat domain.FlatID, c *wsConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case "identify":
		ctl.handleIdentify(id, sessionFlat, data)
	case "broadcast:start":
		if err := ctl.hub.StartBroadcast(id); errors.Is(err, domain.ErrAlreadyBroadcasting) {
			ctl.sendJSON(c, gin.H{"type": "broadcast:denied", "reason": err.Error()})
		}
	case "broadcast:stop":
		ctl.hub.StopBroadcast(id)
	case "broadcast:status":
		ctl.handleStatus(id, data)
	case "listen:start":
		var p struct {
			TargetFlat string `json:"targetFlat"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		ctl.hub.StartListen(id, domain.Normalize(p.TargetFlat))
	case "listen:stop":
		ctl.hub.StopListen(id)
	default:
		log.Warn().Str("module", "presence").Str("type", env.Type).Msg("unknown frame")
	}
}

func (ctl *Controller) handleIdentify(id hub.ClientID, sessionFlat domain.FlatID, data []byte) {
	var p struct {
		FlatID string `json:"flat_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	flatID := domain.Normalize(p.FlatID)
	if flatID != sessionFlat {
		log.Warn().Str("module", "presence").Str("claimed", string(flatID)).Str("session", string(sessionFlat)).Msg("identify mismatch, dropped")
		return
	}
	ctl.hub.Identify(id, flatID)
}

// handleStatus coerces the loosely typed telemetry payload; clients
// have been observed sending numbers as strings and levels far out of
// range.
func (ctl *Controller) handleStatus(id hub.ClientID, data []byte) {
	var p map[string]any
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ctl.hub.UpdateAudio(id, domain.AudioStatus{
		MicOn:    coerceBool(p["micOn"]),
		SysOn:    coerceBool(p["sysOn"]),
		PTT:      coerceBool(p["ptt"]),
		Speaking: coerceBool(p["speaking"]),
		MicLevel: coerceNum(p["micLevel"]),
	})
}

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	default:
		return false
	}
}

func coerceNum(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
