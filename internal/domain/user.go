// Package domain contains entities shared by the realtime core, plus the few state rules they own.
package domain

import (
	"errors"
	"strings"
	"time"
)

const MaxUserIDLen = 64

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrIDSeparator   = errors.New("id contains ':'")
)

type UserID string

func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	if strings.ContainsRune(string(id), ':') {
		return ErrIDSeparator
	}
	return nil
}

type Role string

const (
	RoleClient    Role = "client"
	RoleTherapist Role = "therapist"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Account is what the user store reports about a subject at admission time.
type Account struct {
	ID            UserID     `json:"id"`
	Role          Role       `json:"role"`
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	LockoutUntil  *time.Time `json:"lockout_until,omitempty"`
}

// Usable reports whether the account may open a realtime connection.
// An inactive or deactivated account is treated as unknown by the caller.
func (a *Account) Usable() bool {
	return a != nil && a.Active && a.DeactivatedAt == nil
}

func (a *Account) LockedAt(now time.Time) bool {
	return a.LockoutUntil != nil && a.LockoutUntil.After(now)
}

// AuthenticatedIdentity is produced by the gatekeeper and consumed once by the registry.
type AuthenticatedIdentity struct {
	UserID            UserID    `json:"user_id"`
	Role              Role      `json:"role"`
	LastAuthenticated time.Time `json:"last_authenticated"`
	ConnectionCount   int       `json:"connection_count"`
}

// PresenceStatus is the call-availability of a user as seen by signaling.
type PresenceStatus string

const (
	StatusIdle    PresenceStatus = "idle"
	StatusRinging PresenceStatus = "ringing"
	StatusInCall  PresenceStatus = "in_call"
)
