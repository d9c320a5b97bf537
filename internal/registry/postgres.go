package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"

	"drowsyguard/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists the registry through database/sql with the
// pgx driver. Same contract as MemoryStore; idempotency rides on the
// alerts primary key.
type PostgresStore struct {
	db           *sql.DB
	staleAfter   time.Duration
	offlineAfter time.Duration
}

func NewPostgresStore(dsn string, staleAfter, offlineAfter time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Println("Postgres registry initialized")
	return &PostgresStore{db: db, staleAfter: staleAfter, offlineAfter: offlineAfter}, nil
}

func (s *PostgresStore) Register(ctx context.Context, device models.Device) (models.Device, bool, error) {
	var existing models.Device
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, display_name, api_key_hash, registered_at, last_seen
		   FROM devices WHERE device_id = $1`,
		device.DeviceID,
	).Scan(&existing.DeviceID, &existing.DisplayName, &existing.APIKeyHash,
		&existing.RegisteredAt, &existing.LastSeen)

	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO devices (device_id, display_name, api_key_hash, registered_at, last_seen)
			 VALUES ($1, $2, $3, $4, $5)`,
			device.DeviceID, device.DisplayName, device.APIKeyHash,
			device.RegisteredAt, device.LastSeen)
		if err != nil {
			return models.Device{}, false, fmt.Errorf("insert device: %w", err)
		}
		return device, true, nil
	}
	if err != nil {
		return models.Device{}, false, fmt.Errorf("lookup device: %w", err)
	}

	name := existing.DisplayName
	if device.DisplayName != "" {
		name = device.DisplayName
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE devices
		    SET display_name = $2, last_seen = GREATEST(last_seen, $3)
		  WHERE device_id = $1`,
		device.DeviceID, name, device.LastSeen)
	if err != nil {
		return models.Device{}, false, fmt.Errorf("refresh device: %w", err)
	}

	existing.DisplayName = name
	if device.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = device.LastSeen
	}
	return existing, false, nil
}

func (s *PostgresStore) KeyHash(ctx context.Context, deviceID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT api_key_hash FROM devices WHERE device_id = $1", deviceID,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrUnknownDevice
	}
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) Touch(ctx context.Context, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET last_seen = GREATEST(last_seen, $2) WHERE device_id = $1",
		deviceID, at)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownDevice
	}
	return nil
}

func (s *PostgresStore) ApplyStats(ctx context.Context, stats models.SessionStats, receivedAt time.Time) (bool, error) {
	if err := s.Touch(ctx, stats.DeviceID, receivedAt); err != nil {
		return false, err
	}

	snapshot, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO device_stats (device_id, snapshot, stats_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (device_id) DO UPDATE
		    SET snapshot = EXCLUDED.snapshot, stats_at = EXCLUDED.stats_at
		  WHERE device_stats.stats_at <= EXCLUDED.stats_at`,
		stats.DeviceID, snapshot, stats.Timestamp)
	if err != nil {
		return false, fmt.Errorf("apply stats: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) AppendAlert(ctx context.Context, alert models.AlertEvent) (bool, error) {
	var lat, lng sql.NullFloat64
	var address sql.NullString
	if alert.Location != nil {
		lat = sql.NullFloat64{Float64: alert.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: alert.Location.Lng, Valid: true}
		address = sql.NullString{String: alert.Location.Address, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (alert_id, device_id, ts, kind, duration_seconds, severity, suppressed, lat, lng, address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (alert_id) DO NOTHING`,
		alert.AlertID, alert.DeviceID, alert.Timestamp, string(alert.Kind),
		alert.DurationSeconds, string(alert.Severity), alert.Suppressed,
		lat, lng, address)
	if err != nil {
		return false, fmt.Errorf("append alert: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context, now time.Time) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, display_name, registered_at, last_seen
		   FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := []models.Device{}
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.DeviceID, &d.DisplayName, &d.RegisteredAt, &d.LastSeen); err != nil {
			return nil, err
		}
		d.Status = DeriveStatus(d.LastSeen, now, s.staleAfter, s.offlineAfter)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetStats(ctx context.Context, deviceID string) (models.SessionStats, bool, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM device_stats WHERE device_id = $1", deviceID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return models.SessionStats{}, false, nil
	}
	if err != nil {
		return models.SessionStats{}, false, fmt.Errorf("get stats: %w", err)
	}

	var stats models.SessionStats
	if err := json.Unmarshal(snapshot, &stats); err != nil {
		return models.SessionStats{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return stats, true, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, q AlertQuery) (models.AlertPage, error) {
	q.normalize()

	where := "WHERE ($1 = '' OR device_id = $1) AND ($2::timestamptz IS NULL OR ts >= $2)"
	var since any
	if !q.Since.IsZero() {
		since = q.Since
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM alerts "+where, q.DeviceID, since,
	).Scan(&total)
	if err != nil {
		return models.AlertPage{}, fmt.Errorf("count alerts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, device_id, ts, kind, duration_seconds, severity, suppressed, lat, lng, address
		   FROM alerts `+where+`
		  ORDER BY ts ASC
		  LIMIT $3 OFFSET $4`,
		q.DeviceID, since, q.PageSize, (q.Page-1)*q.PageSize)
	if err != nil {
		return models.AlertPage{}, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	page := models.AlertPage{Total: total, Page: q.Page, PageSize: q.PageSize, Alerts: []models.AlertEvent{}}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return models.AlertPage{}, err
		}
		page.Alerts = append(page.Alerts, a)
	}
	return page, rows.Err()
}

func (s *PostgresStore) Summary(ctx context.Context, now time.Time) (models.DashboardSummary, error) {
	sum := models.DashboardSummary{RecentAlerts: []models.AlertEvent{}}

	devices, err := s.ListDevices(ctx, now)
	if err != nil {
		return sum, err
	}
	sum.TotalDevices = len(devices)
	for _, d := range devices {
		switch d.Status {
		case models.StatusOnline:
			sum.OnlineDevices++
		case models.StatusStale:
			sum.StaleDevices++
		default:
			sum.OfflineDevices++
		}
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE ts >= $1) FROM alerts",
		now.Add(-24*time.Hour),
	).Scan(&sum.TotalAlerts, &sum.Alerts24h)
	if err != nil {
		return sum, fmt.Errorf("alert counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, device_id, ts, kind, duration_seconds, severity, suppressed, lat, lng, address
		   FROM alerts ORDER BY ts DESC LIMIT 20`)
	if err != nil {
		return sum, fmt.Errorf("recent alerts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return sum, err
		}
		sum.RecentAlerts = append(sum.RecentAlerts, a)
	}
	return sum, rows.Err()
}

func scanAlert(rows *sql.Rows) (models.AlertEvent, error) {
	var a models.AlertEvent
	var kind, severity string
	var lat, lng sql.NullFloat64
	var address sql.NullString
	err := rows.Scan(&a.AlertID, &a.DeviceID, &a.Timestamp, &kind,
		&a.DurationSeconds, &severity, &a.Suppressed, &lat, &lng, &address)
	if err != nil {
		return a, fmt.Errorf("scan alert: %w", err)
	}
	a.Kind = models.AlertKind(kind)
	a.Severity = models.Severity(severity)
	if lat.Valid {
		a.Location = &models.Location{Lat: lat.Float64, Lng: lng.Float64, Address: address.String}
	}
	return a, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
