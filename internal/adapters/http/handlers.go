package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/audix/audix/internal/auth"
	"github.com/audix/audix/internal/config"
	"github.com/audix/audix/internal/domain"
	"github.com/audix/audix/internal/hub"
	"github.com/audix/audix/internal/session"
	"github.com/audix/audix/internal/store"
)

// LiveTokenHeader gates the internal snapshot endpoint.
const LiveTokenHeader = "X-Audix-Live-Token"

type API struct {
	cfg      *config.Config
	store    store.Store
	hub      *hub.Hub
	sessions *session.Manager
}

// fail writes the {ok:false, error:CODE} envelope. Unrecognized errors
// are treated as internal and never leak detail.
func fail(c *gin.Context, status int, err error) {
	var banned *domain.BannedError
	if errors.As(err, &banned) {
		c.JSON(status, gin.H{"ok": false, "error": err.Error(), "ban_until": banned.Until})
		return
	}
	c.JSON(status, gin.H{"ok": false, "error": err.Error()})
}

func failInternal(c *gin.Context, err error) {
	log.Error().Err(err).Str("module", "http").Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "INTERNAL_ERROR"})
}

// userError reports whether err is one of the wire codes rather than an
// infrastructure failure.
func userError(err error) bool {
	for _, known := range []error{
		domain.ErrMissingFields, domain.ErrMissingFlatID, domain.ErrPinMustBe4Digits,
		domain.ErrInvalidPin, domain.ErrFlatNotFound, domain.ErrFlatDisabled,
		domain.ErrNoValidCode, domain.ErrInvalidCode, domain.ErrBanned,
		domain.ErrAdminRevokeRequired, domain.ErrPinNotSet, domain.ErrPasswordRequired,
		domain.ErrInvalidCredentials,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

// RequestAccess handles POST /api/request-access.
func (a *API) RequestAccess(c *gin.Context) {
	var req struct {
		FlatID string `json:"flat_id"`
		Name   string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, domain.ErrMissingFields)
		return
	}
	res, err := a.store.CreateAccessRequest(c.Request.Context(), domain.Normalize(req.FlatID), req.Name)
	if err != nil {
		if userError(err) {
			fail(c, http.StatusBadRequest, err)
			return
		}
		failInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": res.ID, "status": res.Status, "reused": res.Reused})
}

// SetupStatus handles GET /api/setup-status?flat_id=…
func (a *API) SetupStatus(c *gin.Context) {
	flatID := domain.Normalize(c.Query("flat_id"))
	status, err := a.store.GetSetupStatus(c.Request.Context(), flatID)
	if err != nil {
		if userError(err) {
			fail(c, http.StatusBadRequest, err)
			return
		}
		failInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "flat_id": flatID, "request": status.Request, "flat": status.Flat})
}

// SetupPin handles POST /api/setup-pin.
func (a *API) SetupPin(c *gin.Context) {
	var req struct {
		FlatID   string `json:"flat_id"`
		Code     string `json:"code"`
		Pin4     string `json:"pin4"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, domain.ErrMissingFields)
		return
	}
	err := a.store.SetupPinWithCode(c.Request.Context(), domain.Normalize(req.FlatID), req.Code, req.Pin4, req.Password)
	if err != nil {
		if userError(err) {
			fail(c, http.StatusBadRequest, err)
			return
		}
		failInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Login handles POST /api/login.
func (a *API) Login(c *gin.Context) {
	var req struct {
		FlatID   string `json:"flat_id"`
		Pin4     string `json:"pin4"`
		Password string `json:"password"`
		Remember bool   `json:"remember"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusUnauthorized, domain.ErrInvalidCredentials)
		return
	}
	flatID, err := a.store.LoginFlat(c.Request.Context(), domain.Normalize(req.FlatID), req.Pin4, req.Password)
	if err != nil {
		if userError(err) {
			fail(c, http.StatusUnauthorized, err)
			return
		}
		failInternal(c, err)
		return
	}
	if err := a.sessions.Create(c, flatID, req.Remember); err != nil {
		failInternal(c, err)
		return
	}
	log.Info().Str("module", "http").Str("flat", string(flatID)).Msg("login")
	c.JSON(http.StatusOK, gin.H{"ok": true, "flat_id": flatID})
}

// Logout handles POST /api/logout.
func (a *API) Logout(c *gin.Context) {
	a.sessions.Destroy(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Live handles GET /api/live: the public station list.
func (a *API) Live(c *gin.Context) {
	flatID, _ := session.FlatID(c)
	c.JSON(http.StatusOK, gin.H{"ok": true, "flat_id": flatID, "stations": a.hub.PublicStations()})
}

// Report handles POST /api/report. Reporting is a designed-but-absent
// feature: the request is validated and acknowledged, nothing more.
func (a *API) Report(c *gin.Context) {
	var req struct {
		StationID string `json:"stationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.StationID == "" {
		fail(c, http.StatusBadRequest, domain.ErrMissingFields)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// LiveSnapshot handles GET /api/internal/live-snapshot, gated by the
// shared operator token instead of a session.
func (a *API) LiveSnapshot(c *gin.Context) {
	if !auth.TokenEqual(c.GetHeader(LiveTokenHeader), a.cfg.LiveToken) {
		fail(c, http.StatusUnauthorized, domain.ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, a.hub.Snapshot())
}
