// Package domain contains the entities of the hub: flats, access requests,
// setup codes and the in-memory station/presence value types.
package domain

import (
	"strings"
	"time"
)

// FlatID is the canonical identifier of a unit. All registry keys and
// comparisons use the canonical form produced by Normalize.
type FlatID string

// Normalize trims and uppercases a raw flat id. "  ab12  " -> "AB12".
func Normalize(raw string) FlatID {
	return FlatID(strings.ToUpper(strings.TrimSpace(raw)))
}

// Request status values.
const (
	RequestPending  = "PENDING"
	RequestApproved = "APPROVED"
	RequestRejected = "REJECTED"
)

// Flat status values.
const (
	FlatActive   = "ACTIVE"
	FlatDisabled = "DISABLED"
)

// FlatRequest is a row of flat_requests. Created by the public
// request-access endpoint, mutated only by admin tooling.
type FlatRequest struct {
	ID        int64     `json:"id"`
	FlatID    FlatID    `json:"flat_id"`
	Name      string    `json:"name"`
	Note      string    `json:"note"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Flat is a row of flats. PinHash stays nil until setup completes.
type Flat struct {
	FlatID              FlatID
	Status              string
	PinHash             []byte
	PasswordHash        []byte
	StrikeCount         int
	BanUntil            *time.Time
	RequiresAdminRevoke bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastLoginAt         *time.Time
}

// Banned reports whether the flat is currently inside a ban window.
func (f *Flat) Banned(now time.Time) bool {
	return f.BanUntil != nil && f.BanUntil.After(now)
}

// SetupCode is a row of setup_codes. Valid iff UsedAt is nil and
// ExpiresAt is in the future; consumed atomically with PIN setting.
type SetupCode struct {
	ID        int64
	FlatID    FlatID
	CodeHash  []byte
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Valid reports whether the code can still be redeemed.
func (c *SetupCode) Valid(now time.Time) bool {
	return c.UsedAt == nil && c.ExpiresAt.After(now)
}
