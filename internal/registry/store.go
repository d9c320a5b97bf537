package registry

import (
	"context"
	"errors"
	"time"

	"drowsyguard/internal/models"
)

var (
	// ErrUnknownDevice means a stats/alert push referenced a device
	// that was never registered.
	ErrUnknownDevice = errors.New("unknown device")
)

// AlertQuery selects a page of the alert timeline. Results are always
// ordered by timestamp ascending so pages are restartable.
type AlertQuery struct {
	DeviceID string
	Since    time.Time
	Page     int
	PageSize int
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (q *AlertQuery) normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
}

// Store is the authoritative device registry and alert log behind the
// ingestion service. Implementations must allow concurrent pushes
// from many devices; dashboard reads see a consistent snapshot
// without stalling ingestion.
type Store interface {
	// Register creates the device or refreshes an existing record.
	// The returned bool is true when the device was created.
	Register(ctx context.Context, device models.Device) (models.Device, bool, error)

	// KeyHash returns the stored credential hash for the device, or
	// ErrUnknownDevice.
	KeyHash(ctx context.Context, deviceID string) (string, error)

	// Touch moves last_seen forward; an older timestamp is a no-op.
	Touch(ctx context.Context, deviceID string, at time.Time) error

	// ApplyStats replaces the device's stats snapshot last-write-wins.
	// A snapshot older than the one already applied is discarded and
	// reported with applied=false.
	ApplyStats(ctx context.Context, stats models.SessionStats, receivedAt time.Time) (applied bool, err error)

	// AppendAlert stores the alert unless its id was seen before.
	// Duplicates are accepted but reported with stored=false.
	AppendAlert(ctx context.Context, alert models.AlertEvent) (stored bool, err error)

	ListDevices(ctx context.Context, now time.Time) ([]models.Device, error)
	GetStats(ctx context.Context, deviceID string) (models.SessionStats, bool, error)
	ListAlerts(ctx context.Context, q AlertQuery) (models.AlertPage, error)
	Summary(ctx context.Context, now time.Time) (models.DashboardSummary, error)

	Close() error
}

// DeriveStatus computes the device's presence from last_seen age.
// Status is never stored; it is always derived at read time.
func DeriveStatus(lastSeen, now time.Time, staleAfter, offlineAfter time.Duration) models.DeviceStatus {
	if lastSeen.IsZero() {
		return models.StatusOffline
	}
	age := now.Sub(lastSeen)
	switch {
	case age < staleAfter:
		return models.StatusOnline
	case age < offlineAfter:
		return models.StatusStale
	default:
		return models.StatusOffline
	}
}
