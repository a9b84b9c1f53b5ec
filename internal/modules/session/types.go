package session

import (
	"errors"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/models"
)

var (
	ErrNotFound       = errors.New("no active session for device")
	ErrAlreadyActive  = errors.New("device already has an active session")
	ErrAlreadyPaused  = errors.New("session is already paused")
	ErrNotPaused      = errors.New("session is not paused")
	ErrInvalidAmount  = errors.New("paid amount must be positive")
	ErrInvalidMinutes = errors.New("minutes must be positive")
	// ErrStale means another writer touched the row between read and
	// update. Callers holding the device lock should never see it.
	ErrStale = errors.New("session modified concurrently")
)

// Detail is a session plus its live countdown.
type Detail struct {
	models.SessionModel
	RemainingSeconds int64 `json:"remaining_seconds"`
}

// Stats aggregates the session table for the operator dashboard.
type Stats struct {
	Active           int64   `json:"active"`
	Paused           int64   `json:"paused"`
	TotalPesosToday  float64 `json:"total_pesos_today"`
	MinutesSoldToday int64   `json:"minutes_sold_today"`
}

// ReconcileReport describes one device's drift check.
type ReconcileReport struct {
	DeviceID    string `json:"device_id"`
	WantAllowed bool   `json:"want_allowed"`
	WasAllowed  bool   `json:"was_allowed"`
	Changed     bool   `json:"changed"`
}
