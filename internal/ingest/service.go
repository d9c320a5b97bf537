package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"drowsyguard/internal/models"
	"drowsyguard/internal/observability"
	"drowsyguard/internal/registry"
	"drowsyguard/internal/ws"
)

// Service is the cloud-side ingestion API. Devices push through the
// /api/device/* routes with an X-API-Key header; the dashboard reads
// through the unauthenticated /api routes and the /ws live feed.
type Service struct {
	store     registry.Store
	hub       *ws.Hub
	metrics   *observability.Metrics
	sharedKey string
	cors      string
	inflight  chan struct{}
	started   time.Time
}

type Options struct {
	SharedKey   string
	MaxInflight int
	CORSOrigins string
}

func NewService(store registry.Store, hub *ws.Hub, metrics *observability.Metrics, opts Options) *Service {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 256
	}
	if opts.CORSOrigins == "" {
		opts.CORSOrigins = "*"
	}
	return &Service{
		store:     store,
		hub:       hub,
		metrics:   metrics,
		sharedKey: opts.SharedKey,
		cors:      opts.CORSOrigins,
		inflight:  make(chan struct{}, opts.MaxInflight),
		started:   time.Now(),
	}
}

// Router wires all routes with logging, CORS, panic recovery and
// per-route metrics.
func (s *Service) Router() http.Handler {
	r := mux.NewRouter()

	device := r.PathPrefix("/api/device").Subrouter()
	device.Handle("/register", s.route("register", s.handleRegister)).Methods(http.MethodPost)
	device.Handle("/heartbeat", s.route("heartbeat", s.handleHeartbeat)).Methods(http.MethodPost)
	device.Handle("/stats", s.route("stats", s.handleStats)).Methods(http.MethodPost)
	device.Handle("/alert", s.route("alert", s.handleAlert)).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/devices", s.route("devices", s.handleListDevices)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/stats", s.route("device_stats", s.handleGetStats)).Methods(http.MethodGet)
	api.Handle("/alerts", s.route("alerts", s.handleListAlerts)).Methods(http.MethodGet)
	api.Handle("/dashboard", s.route("dashboard", s.handleDashboard)).Methods(http.MethodGet)
	api.Handle("/health", s.route("health", s.handleHealth)).Methods(http.MethodGet)

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.HandleWS)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{s.cors}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-API-Key"}),
	)

	return handlers.CombinedLoggingHandler(os.Stdout,
		handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(cors(r)))
}

const requestTimeout = 10 * time.Second

// route applies the inflight limiter, a request deadline and the
// metrics wrapper to a handler.
func (s *Service) route(name string, h http.HandlerFunc) http.Handler {
	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.inflight <- struct{}{}:
			defer func() { <-s.inflight }()
		default:
			s.metrics.InflightRejected()
			writeError(w, http.StatusServiceUnavailable, "server busy", "OVERLOADED")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		h(w, r.WithContext(ctx))
	})
	return s.metrics.WrapHandler(name, limited)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg, Code: code})
}

func hashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Service) keyMatchesShared(key string) bool {
	if s.sharedKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.sharedKey)) == 1
}

// authenticate verifies the device's key against its stored hash.
// Unknown device and wrong key produce the same 401 unless the caller
// holds the fleet key, in which case the device is told to register.
func (s *Service) authenticate(r *http.Request, deviceID string) (int, string) {
	key := r.Header.Get("X-API-Key")
	if deviceID == "" || key == "" {
		s.metrics.AuthFailure()
		return http.StatusUnauthorized, "UNAUTHORIZED"
	}

	hash, err := s.store.KeyHash(r.Context(), deviceID)
	if errors.Is(err, registry.ErrUnknownDevice) {
		if s.keyMatchesShared(key) {
			return http.StatusNotFound, "UNKNOWN_DEVICE"
		}
		s.metrics.AuthFailure()
		return http.StatusUnauthorized, "UNAUTHORIZED"
	}
	if err != nil {
		log.Printf("auth lookup failed for %s: %v", deviceID, err)
		return http.StatusInternalServerError, "INTERNAL"
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
		s.metrics.AuthFailure()
		return http.StatusUnauthorized, "UNAUTHORIZED"
	}
	return http.StatusOK, ""
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.DeviceID == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "device_id and api_key are required", "BAD_REQUEST")
		return
	}

	// New devices must present the fleet provisioning key. A device
	// that already exists re-authenticates against its stored hash, so
	// a rotated fleet key does not lock out the existing fleet.
	existingHash, err := s.store.KeyHash(r.Context(), req.DeviceID)
	switch {
	case errors.Is(err, registry.ErrUnknownDevice):
		if !s.keyMatchesShared(req.APIKey) {
			s.metrics.AuthFailure()
			writeError(w, http.StatusUnauthorized, "registration rejected", "UNAUTHORIZED")
			return
		}
	case err != nil:
		log.Printf("register lookup failed for %s: %v", req.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	default:
		if bcrypt.CompareHashAndPassword([]byte(existingHash), []byte(req.APIKey)) != nil {
			s.metrics.AuthFailure()
			writeError(w, http.StatusUnauthorized, "registration rejected", "UNAUTHORIZED")
			return
		}
	}

	hash, err := hashKey(req.APIKey)
	if err != nil {
		log.Printf("key hashing error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	}

	now := time.Now().UTC()
	device, created, err := s.store.Register(r.Context(), models.Device{
		DeviceID:     req.DeviceID,
		DisplayName:  req.DeviceName,
		APIKeyHash:   hash,
		RegisteredAt: now,
		LastSeen:     now,
	})
	if err != nil {
		log.Printf("register failed for %s: %v", req.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	}

	device.Status = models.StatusOnline
	s.hub.Broadcast(ws.TypeDeviceStatus, device)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		log.Printf("Device registered: %s (%s)", device.DeviceID, device.DisplayName)
	}
	writeJSON(w, status, device)
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if status, code := s.authenticate(r, req.DeviceID); status != http.StatusOK {
		writeError(w, status, "heartbeat rejected", code)
		return
	}

	if err := s.store.Touch(r.Context(), req.DeviceID, time.Now().UTC()); err != nil {
		log.Printf("heartbeat failed for %s: %v", req.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, models.Ack{Success: true})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	var req models.StatsPush
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if status, code := s.authenticate(r, req.DeviceID); status != http.StatusOK {
		writeError(w, status, "stats rejected", code)
		return
	}

	req.Stats.DeviceID = req.DeviceID
	applied, err := s.store.ApplyStats(r.Context(), req.Stats, time.Now().UTC())
	if err != nil {
		log.Printf("stats push failed for %s: %v", req.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	}
	s.metrics.StatsApplied(applied)

	if applied {
		s.hub.Broadcast(ws.TypeDeviceStats, req.Stats)
	}
	msg := ""
	if !applied {
		msg = "snapshot older than stored, discarded"
	}
	writeJSON(w, http.StatusOK, models.Ack{Success: true, Message: msg})
}

func (s *Service) handleAlert(w http.ResponseWriter, r *http.Request) {
	var alert models.AlertEvent
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if alert.AlertID == "" {
		writeError(w, http.StatusBadRequest, "alert_id is required", "BAD_REQUEST")
		return
	}
	if status, code := s.authenticate(r, alert.DeviceID); status != http.StatusOK {
		writeError(w, status, "alert rejected", code)
		return
	}

	if alert.Severity == "" {
		alert.Severity = models.SeverityFor(alert.Kind, alert.DurationSeconds)
	}

	stored, err := s.store.AppendAlert(r.Context(), alert)
	if err != nil {
		log.Printf("alert push failed for %s: %v", alert.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	}
	if err := s.store.Touch(r.Context(), alert.DeviceID, time.Now().UTC()); err != nil {
		log.Printf("touch after alert failed for %s: %v", alert.DeviceID, err)
	}

	if !stored {
		// Resend of an already-acked alert; confirm so the device
		// stops retrying.
		s.metrics.AlertDuplicate()
		writeJSON(w, http.StatusOK, models.Ack{Success: true, Message: "duplicate"})
		return
	}

	s.metrics.AlertStored(string(alert.Kind))
	s.hub.Broadcast(ws.TypeNewAlert, alert)
	log.Printf("Alert stored: %s %s from %s (%.1fs)", alert.AlertID, alert.Kind, alert.DeviceID, alert.DurationSeconds)
	writeJSON(w, http.StatusCreated, models.Ack{Success: true})
}

func (s *Service) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context(), time.Now().UTC())
	if err != nil {
		log.Printf("list devices failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Service) handleGetStats(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	stats, ok, err := s.store.GetStats(r.Context(), deviceID)
	if err != nil {
		log.Printf("get stats failed for %s: %v", deviceID, err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no stats for device", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := registry.AlertQuery{
		DeviceID: r.URL.Query().Get("device_id"),
	}
	if v := r.URL.Query().Get("page"); v != "" {
		q.Page, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		q.PageSize, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339", "BAD_REQUEST")
			return
		}
		q.Since = since
	}

	page, err := s.store.ListAlerts(r.Context(), q)
	if err != nil {
		log.Printf("list alerts failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Service) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summary(r.Context(), time.Now().UTC())
	if err != nil {
		log.Printf("dashboard summary failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"ws_clients":     s.hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
