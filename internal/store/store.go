// Package store is the persistence layer: flat lifecycle, setup codes,
// login gating, sessions and the audit trail.
package store

import (
	"context"
	"time"

	"github.com/audix/audix/internal/domain"
)

// AccessRequestResult is returned by CreateAccessRequest. Reused is true
// when a PENDING request for the flat already existed.
type AccessRequestResult struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Reused bool   `json:"reused"`
}

// FlatStatus is the setup-status projection of a flat row.
type FlatStatus struct {
	Status              string `json:"status"`
	PinSet              bool   `json:"pinSet"`
	Banned              bool   `json:"banned"`
	RequiresAdminRevoke bool   `json:"requiresAdminRevoke"`
}

// SetupStatus reports the most recent request and the flat projection.
// Either field may be nil; a flat with no request and no row is valid.
type SetupStatus struct {
	Request *domain.FlatRequest `json:"request"`
	Flat    *FlatStatus         `json:"flat"`
}

// Store is the persistence contract. All flat ids are canonical.
type Store interface {
	CreateAccessRequest(ctx context.Context, flatID domain.FlatID, name string) (*AccessRequestResult, error)
	GetSetupStatus(ctx context.Context, flatID domain.FlatID) (*SetupStatus, error)
	SetupPinWithCode(ctx context.Context, flatID domain.FlatID, code, pin4, password string) error
	LoginFlat(ctx context.Context, flatID domain.FlatID, pin4, password string) (domain.FlatID, error)

	CreateSession(ctx context.Context, sid string, flatID domain.FlatID, expire time.Time) error
	GetSession(ctx context.Context, sid string) (domain.FlatID, bool, error)
	DeleteSession(ctx context.Context, sid string) error

	InsertAuditEntry(ctx context.Context, actor, action, detail string) error
}
