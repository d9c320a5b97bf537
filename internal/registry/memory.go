package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"drowsyguard/internal/models"
)

type deviceRecord struct {
	device  models.Device
	stats   *models.SessionStats
	statsAt time.Time
}

// MemoryStore keeps the registry in process memory. It is the default
// when no database is configured and the fixture for handler tests;
// semantics match the Postgres store exactly.
type MemoryStore struct {
	staleAfter   time.Duration
	offlineAfter time.Duration

	mu       sync.RWMutex
	devices  map[string]*deviceRecord
	alerts   []models.AlertEvent // sorted by Timestamp ascending
	alertIDs map[string]struct{}
}

func NewMemoryStore(staleAfter, offlineAfter time.Duration) *MemoryStore {
	return &MemoryStore{
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
		devices:      make(map[string]*deviceRecord),
		alertIDs:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) Register(ctx context.Context, device models.Device) (models.Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.devices[device.DeviceID]; ok {
		if device.DisplayName != "" {
			rec.device.DisplayName = device.DisplayName
		}
		if device.LastSeen.After(rec.device.LastSeen) {
			rec.device.LastSeen = device.LastSeen
		}
		return rec.device, false, nil
	}

	s.devices[device.DeviceID] = &deviceRecord{device: device}
	return device, true, nil
}

func (s *MemoryStore) KeyHash(ctx context.Context, deviceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return "", ErrUnknownDevice
	}
	return rec.device.APIKeyHash, nil
}

func (s *MemoryStore) Touch(ctx context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	if at.After(rec.device.LastSeen) {
		rec.device.LastSeen = at
	}
	return nil
}

func (s *MemoryStore) ApplyStats(ctx context.Context, stats models.SessionStats, receivedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[stats.DeviceID]
	if !ok {
		return false, ErrUnknownDevice
	}
	if receivedAt.After(rec.device.LastSeen) {
		rec.device.LastSeen = receivedAt
	}
	// Last-write-wins on the snapshot's own clock: a delayed older
	// snapshot must not overwrite newer counters.
	if rec.stats != nil && stats.Timestamp.Before(rec.statsAt) {
		return false, nil
	}
	snapshot := stats
	rec.stats = &snapshot
	rec.statsAt = stats.Timestamp
	return true, nil
}

func (s *MemoryStore) AppendAlert(ctx context.Context, alert models.AlertEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.alertIDs[alert.AlertID]; dup {
		return false, nil
	}
	s.alertIDs[alert.AlertID] = struct{}{}

	// Insert keeping ascending order; arrival may be out of order.
	i := sort.Search(len(s.alerts), func(i int) bool {
		return s.alerts[i].Timestamp.After(alert.Timestamp)
	})
	s.alerts = append(s.alerts, models.AlertEvent{})
	copy(s.alerts[i+1:], s.alerts[i:])
	s.alerts[i] = alert
	return true, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, now time.Time) ([]models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Device, 0, len(s.devices))
	for _, rec := range s.devices {
		d := rec.device
		d.Status = DeriveStatus(d.LastSeen, now, s.staleAfter, s.offlineAfter)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryStore) GetStats(ctx context.Context, deviceID string) (models.SessionStats, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices[deviceID]
	if !ok || rec.stats == nil {
		return models.SessionStats{}, false, nil
	}
	return *rec.stats, true, nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, q AlertQuery) (models.AlertPage, error) {
	q.normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := make([]models.AlertEvent, 0, len(s.alerts))
	for _, a := range s.alerts {
		if q.DeviceID != "" && a.DeviceID != q.DeviceID {
			continue
		}
		if !q.Since.IsZero() && a.Timestamp.Before(q.Since) {
			continue
		}
		filtered = append(filtered, a)
	}

	page := models.AlertPage{
		Total:    len(filtered),
		Page:     q.Page,
		PageSize: q.PageSize,
		Alerts:   []models.AlertEvent{},
	}
	start := (q.Page - 1) * q.PageSize
	if start < len(filtered) {
		end := start + q.PageSize
		if end > len(filtered) {
			end = len(filtered)
		}
		page.Alerts = append(page.Alerts, filtered[start:end]...)
	}
	return page, nil
}

func (s *MemoryStore) Summary(ctx context.Context, now time.Time) (models.DashboardSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := models.DashboardSummary{
		TotalDevices: len(s.devices),
		TotalAlerts:  len(s.alerts),
		RecentAlerts: []models.AlertEvent{},
	}
	for _, rec := range s.devices {
		switch DeriveStatus(rec.device.LastSeen, now, s.staleAfter, s.offlineAfter) {
		case models.StatusOnline:
			sum.OnlineDevices++
		case models.StatusStale:
			sum.StaleDevices++
		default:
			sum.OfflineDevices++
		}
	}

	cutoff := now.Add(-24 * time.Hour)
	for _, a := range s.alerts {
		if !a.Timestamp.Before(cutoff) {
			sum.Alerts24h++
		}
	}

	// Newest first, capped like the original dashboard's recent list.
	for i := len(s.alerts) - 1; i >= 0 && len(sum.RecentAlerts) < 20; i-- {
		sum.RecentAlerts = append(sum.RecentAlerts, s.alerts[i])
	}
	return sum, nil
}

func (s *MemoryStore) Close() error { return nil }
