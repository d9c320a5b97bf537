package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"drowsyguard/internal/models"
)

func newTestStore() *MemoryStore {
	return NewMemoryStore(30*time.Second, 120*time.Second)
}

func mustRegister(t *testing.T, s *MemoryStore, id string, at time.Time) {
	t.Helper()
	_, _, err := s.Register(context.Background(), models.Device{
		DeviceID:     id,
		DisplayName:  id,
		APIKeyHash:   "$2a$10$fakehash",
		RegisteredAt: at,
		LastSeen:     at,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestRegisterIsUpsert(t *testing.T) {
	s := newTestStore()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	d, created, err := s.Register(context.Background(), models.Device{
		DeviceID: "truck-1", DisplayName: "Truck 1", APIKeyHash: "h1",
		RegisteredAt: t0, LastSeen: t0,
	})
	if err != nil || !created {
		t.Fatalf("first register: created=%v err=%v", created, err)
	}

	d, created, err = s.Register(context.Background(), models.Device{
		DeviceID: "truck-1", DisplayName: "Truck One", APIKeyHash: "h2",
		RegisteredAt: t0.Add(time.Hour), LastSeen: t0.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if created {
		t.Fatal("re-register reported created=true")
	}
	if d.DisplayName != "Truck One" {
		t.Fatalf("display name not refreshed: %q", d.DisplayName)
	}
	if !d.RegisteredAt.Equal(t0) {
		t.Fatalf("registered_at changed on re-register: %v", d.RegisteredAt)
	}
	// Credential hash is set once; re-registration must not rotate it.
	hash, err := s.KeyHash(context.Background(), "truck-1")
	if err != nil {
		t.Fatalf("key hash: %v", err)
	}
	if hash != "h1" {
		t.Fatalf("key hash rotated on re-register: %q", hash)
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	s := newTestStore()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mustRegister(t, s, "truck-1", t0)

	if err := s.Touch(context.Background(), "truck-1", t0.Add(time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	// Delayed heartbeat with an older timestamp must not move last_seen back.
	if err := s.Touch(context.Background(), "truck-1", t0.Add(10*time.Second)); err != nil {
		t.Fatalf("stale touch: %v", err)
	}

	devices, err := s.ListDevices(context.Background(), t0.Add(time.Minute+5*time.Second))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !devices[0].LastSeen.Equal(t0.Add(time.Minute)) {
		t.Fatalf("last_seen regressed: %v", devices[0].LastSeen)
	}

	if err := s.Touch(context.Background(), "ghost", t0); err != ErrUnknownDevice {
		t.Fatalf("touch unknown device: got %v, want ErrUnknownDevice", err)
	}
}

func TestApplyStatsRejectsOlderSnapshot(t *testing.T) {
	s := newTestStore()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mustRegister(t, s, "truck-1", t0)

	newer := models.SessionStats{DeviceID: "truck-1", Timestamp: t0.Add(10 * time.Second), BlinkCount: 12}
	older := models.SessionStats{DeviceID: "truck-1", Timestamp: t0.Add(5 * time.Second), BlinkCount: 7}

	applied, err := s.ApplyStats(context.Background(), newer, t0.Add(10*time.Second))
	if err != nil || !applied {
		t.Fatalf("apply newer: applied=%v err=%v", applied, err)
	}
	applied, err = s.ApplyStats(context.Background(), older, t0.Add(11*time.Second))
	if err != nil {
		t.Fatalf("apply older: %v", err)
	}
	if applied {
		t.Fatal("older snapshot overwrote newer one")
	}

	got, ok, err := s.GetStats(context.Background(), "truck-1")
	if err != nil || !ok {
		t.Fatalf("get stats: ok=%v err=%v", ok, err)
	}
	if got.BlinkCount != 12 {
		t.Fatalf("snapshot regressed: blink_count=%d", got.BlinkCount)
	}
}

func TestAppendAlertDedupesByID(t *testing.T) {
	s := newTestStore()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mustRegister(t, s, "truck-1", t0)

	alert := models.AlertEvent{
		AlertID: "a-1", DeviceID: "truck-1", Timestamp: t0,
		Kind: models.AlertEmergency, DurationSeconds: 3.4,
		Severity: models.SeverityWarning,
	}
	stored, err := s.AppendAlert(context.Background(), alert)
	if err != nil || !stored {
		t.Fatalf("first append: stored=%v err=%v", stored, err)
	}
	// A resend after a lost ack carries the same id and must be a no-op.
	stored, err = s.AppendAlert(context.Background(), alert)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if stored {
		t.Fatal("duplicate alert stored twice")
	}

	page, err := s.ListAlerts(context.Background(), AlertQuery{})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("total = %d, want 1", page.Total)
	}
}

func TestListAlertsPagesAscending(t *testing.T) {
	s := newTestStore()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mustRegister(t, s, "truck-1", t0)

	// Append out of order; reads must still come back ascending.
	for _, off := range []int{40, 10, 30, 0, 20} {
		_, err := s.AppendAlert(context.Background(), models.AlertEvent{
			AlertID:   fmt.Sprintf("a-%d", off),
			DeviceID:  "truck-1",
			Timestamp: t0.Add(time.Duration(off) * time.Second),
			Kind:      models.AlertDrowsy,
			Severity:  models.SeverityInfo,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page, err := s.ListAlerts(context.Background(), AlertQuery{Page: 1, PageSize: 3})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if page.Total != 5 || len(page.Alerts) != 3 {
		t.Fatalf("page 1: total=%d len=%d", page.Total, len(page.Alerts))
	}
	for i := 1; i < len(page.Alerts); i++ {
		if page.Alerts[i].Timestamp.Before(page.Alerts[i-1].Timestamp) {
			t.Fatal("alerts not ascending")
		}
	}
	if page.Alerts[0].AlertID != "a-0" {
		t.Fatalf("page 1 head = %s", page.Alerts[0].AlertID)
	}

	page, err = s.ListAlerts(context.Background(), AlertQuery{Page: 2, PageSize: 3})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page.Alerts) != 2 || page.Alerts[0].AlertID != "a-30" {
		t.Fatalf("page 2: len=%d head=%s", len(page.Alerts), page.Alerts[0].AlertID)
	}

	since := t0.Add(25 * time.Second)
	page, err = s.ListAlerts(context.Background(), AlertQuery{Since: since})
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("since filter: total=%d, want 2", page.Total)
	}
}

func TestStatusIsDerivedFromLastSeenAge(t *testing.T) {
	s := newTestStore()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mustRegister(t, s, "fresh", t0)
	mustRegister(t, s, "stale", t0)
	mustRegister(t, s, "gone", t0)

	now := t0.Add(10 * time.Minute)
	s.Touch(context.Background(), "fresh", now.Add(-5*time.Second))
	s.Touch(context.Background(), "stale", now.Add(-60*time.Second))
	// "gone" keeps its registration-time last_seen, 10 min ago.

	want := map[string]models.DeviceStatus{
		"fresh": models.StatusOnline,
		"stale": models.StatusStale,
		"gone":  models.StatusOffline,
	}
	devices, err := s.ListDevices(context.Background(), now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, d := range devices {
		if d.Status != want[d.DeviceID] {
			t.Errorf("%s: status=%s want=%s", d.DeviceID, d.Status, want[d.DeviceID])
		}
	}

	sum, err := s.Summary(context.Background(), now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.OnlineDevices != 1 || sum.StaleDevices != 1 || sum.OfflineDevices != 1 {
		t.Fatalf("summary counts: online=%d stale=%d offline=%d",
			sum.OnlineDevices, sum.StaleDevices, sum.OfflineDevices)
	}
}
