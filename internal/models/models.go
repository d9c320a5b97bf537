package models

import "time"

type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusStale   DeviceStatus = "stale"
	StatusOffline DeviceStatus = "offline"
)

type AlertKind string

const (
	AlertDrowsy     AlertKind = "DROWSY"
	AlertEmergency  AlertKind = "EMERGENCY"
	AlertYawnExcess AlertKind = "YAWN_EXCESS"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RatioSample is one per-frame measurement from the external
// landmark pipeline. Not persisted; consumed immediately.
type RatioSample struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	EAR       float64   `json:"ear"`
	MAR       float64   `json:"mar"`
	FaceFound bool      `json:"face_found"`
}

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

// SessionStats is a point-in-time snapshot of a device's counters.
// Counters never decrease within a session; the whole snapshot is
// replaced on an explicit session restart.
type SessionStats struct {
	DeviceID        string    `json:"device_id"`
	Timestamp       time.Time `json:"timestamp"`
	SessionStart    time.Time `json:"session_start"`
	BlinkCount      int64     `json:"blink_count"`
	YawnCount       int64     `json:"yawn_count"`
	MicrosleepTotal float64   `json:"microsleep_total_seconds"`
	CurrentFPS      float64   `json:"current_fps"`
	FramesProcessed int64     `json:"frames_processed"`
	NoFaceFrames    int64     `json:"no_face_frames"`
}

// AlertEvent is immutable once created. AlertID is generated by the
// device so resends dedupe server-side.
type AlertEvent struct {
	AlertID         string    `json:"alert_id"`
	DeviceID        string    `json:"device_id"`
	Timestamp       time.Time `json:"timestamp"`
	Kind            AlertKind `json:"kind"`
	DurationSeconds float64   `json:"duration_seconds"`
	Severity        Severity  `json:"severity"`
	Suppressed      bool      `json:"suppressed"`
	Location        *Location `json:"location,omitempty"`
}

type Device struct {
	DeviceID     string       `json:"device_id"`
	DisplayName  string       `json:"display_name"`
	APIKeyHash   string       `json:"-"`
	RegisteredAt time.Time    `json:"registered_at"`
	LastSeen     time.Time    `json:"last_seen"`
	Status       DeviceStatus `json:"status"`
}

// SeverityFor classifies an emergency by its closure duration,
// matching the dashboard's critical/warning split.
func SeverityFor(kind AlertKind, durationSeconds float64) Severity {
	if kind == AlertEmergency {
		if durationSeconds > 5 {
			return SeverityCritical
		}
		return SeverityWarning
	}
	return SeverityInfo
}
