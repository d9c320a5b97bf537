package models

type RegisterRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	APIKey     string `json:"api_key"`
}

type HeartbeatRequest struct {
	DeviceID string `json:"device_id"`
}

type StatsPush struct {
	DeviceID string       `json:"device_id"`
	Stats    SessionStats `json:"stats"`
	Location *Location    `json:"location,omitempty"`
}

type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type AlertPage struct {
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Alerts   []AlertEvent `json:"alerts"`
}

type DashboardSummary struct {
	TotalDevices   int          `json:"total_devices"`
	OnlineDevices  int          `json:"online_devices"`
	StaleDevices   int          `json:"stale_devices"`
	OfflineDevices int          `json:"offline_devices"`
	TotalAlerts    int          `json:"total_alerts"`
	Alerts24h      int          `json:"alerts_24h"`
	RecentAlerts   []AlertEvent `json:"recent_alerts"`
}
