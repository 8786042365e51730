package domain

import (
	"errors"
	"time"
)

// Wire error codes. Handlers serialize these verbatim into
// {ok:false, error:"CODE"} bodies and signaling frames.
var (
	ErrMissingFields       = errors.New("MISSING_FIELDS")
	ErrMissingFlatID       = errors.New("MISSING_FLAT_ID")
	ErrPinMustBe4Digits    = errors.New("PIN_MUST_BE_4_DIGITS")
	ErrInvalidPin          = errors.New("INVALID_PIN")
	ErrFlatNotFound        = errors.New("FLAT_NOT_FOUND")
	ErrFlatDisabled        = errors.New("FLAT_DISABLED")
	ErrNoValidCode         = errors.New("NO_VALID_CODE")
	ErrInvalidCode         = errors.New("INVALID_CODE")
	ErrBanned              = errors.New("BANNED")
	ErrAdminRevokeRequired = errors.New("ADMIN_REVOKE_REQUIRED")
	ErrPinNotSet           = errors.New("PIN_NOT_SET")
	ErrPasswordRequired    = errors.New("PASSWORD_REQUIRED")
	ErrInvalidCredentials  = errors.New("INVALID_CREDENTIALS")
	ErrUnauthorized        = errors.New("UNAUTHORIZED")
	ErrAlreadyBroadcasting = errors.New("ALREADY_BROADCASTING")
)

// BannedError carries the ban window end alongside the BANNED code.
type BannedError struct {
	Until time.Time
}

func (e *BannedError) Error() string { return ErrBanned.Error() }

func (e *BannedError) Is(target error) bool { return target == ErrBanned }

// Signaling routing errors reported back to the listener that caused them.
const (
	SignalErrStationOffline   = "STATION_OFFLINE"
	SignalErrBroadcasterNotUp = "BROADCASTER_SIGNAL_NOT_READY"
)
