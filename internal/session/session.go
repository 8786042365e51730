// Package session issues and resolves the cookie-bound login sessions.
// Records live in the user_sessions table; the cookie carries the bare
// sid so existing deployments keep working.
package session

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/audix/audix/internal/domain"
	"github.com/audix/audix/internal/store"
)

// CookieName is pinned by deployed clients.
const CookieName = "audix_user_sid"

const ctxFlatKey = "session_flat_id"

type Manager struct {
	store       store.Store
	ttl         time.Duration
	rememberTTL time.Duration
	secure      bool
}

func NewManager(st store.Store, ttl, rememberTTL time.Duration, secure bool) *Manager {
	return &Manager{store: st, ttl: ttl, rememberTTL: rememberTTL, secure: secure}
}

// Create stores a fresh session and sets the cookie. Without remember
// the cookie is non-persistent while the server-side record still lives
// for the default TTL.
func (m *Manager) Create(c *gin.Context, flatID domain.FlatID, remember bool) error {
	sid := uuid.NewString()
	ttl := m.ttl
	maxAge := 0
	if remember {
		ttl = m.rememberTTL
		maxAge = int(m.rememberTTL / time.Second)
	}
	if err := m.store.CreateSession(c.Request.Context(), sid, flatID, time.Now().Add(ttl)); err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, sid, maxAge, "/", "", m.secure, true)
	return nil
}

// Destroy deletes the server-side record and clears the cookie.
func (m *Manager) Destroy(c *gin.Context) {
	if sid, err := c.Cookie(CookieName); err == nil && sid != "" {
		if err := m.store.DeleteSession(c.Request.Context(), sid); err != nil {
			log.Error().Err(err).Str("module", "session").Msg("session delete failed")
		}
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, "", -1, "/", "", m.secure, true)
}

// Resolve loads the session for the request cookie, if any.
func (m *Manager) Resolve(c *gin.Context) (domain.FlatID, bool) {
	sid, err := c.Cookie(CookieName)
	if err != nil || sid == "" {
		return "", false
	}
	flatID, ok, err := m.store.GetSession(c.Request.Context(), sid)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("session lookup failed")
		return "", false
	}
	return flatID, ok
}

// RequireWeb gates browser routes; unauthenticated requests are
// redirected to the login page.
func (m *Manager) RequireWeb() gin.HandlerFunc {
	return func(c *gin.Context) {
		flatID, ok := m.Resolve(c)
		if !ok {
			c.Redirect(http.StatusFound, "/login")
			c.Abort()
			return
		}
		c.Set(ctxFlatKey, flatID)
		c.Next()
	}
}

// RequireWS gates WebSocket upgrades; there is no page to redirect to,
// so failures are a plain 401.
func (m *Manager) RequireWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		flatID, ok := m.Resolve(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": domain.ErrUnauthorized.Error()})
			c.Abort()
			return
		}
		c.Set(ctxFlatKey, flatID)
		c.Next()
	}
}

// FlatID returns the authenticated flat for the request.
func FlatID(c *gin.Context) (domain.FlatID, bool) {
	v, ok := c.Get(ctxFlatKey)
	if !ok {
		return "", false
	}
	flatID, ok := v.(domain.FlatID)
	return flatID, ok
}
