package telemetry

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"

	"drowsyguard/internal/models"
)

// Options tune the background sender. Zero values fall back to the
// defaults the agent runs with.
type Options struct {
	QueueDepth    int
	Heartbeat     time.Duration
	FlushInterval time.Duration
	CallTimeout   time.Duration
}

func (o *Options) fillDefaults() {
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
}

// Client delivers stats and alerts to the ingestion service without
// ever blocking the caller. Stats are coalesced (latest snapshot per
// flush wins); alerts queue up to QueueDepth, then the oldest is
// dropped and a diagnostic counter advances.
type Client struct {
	http       *resty.Client
	deviceID   string
	deviceName string
	opts       Options

	mu           sync.Mutex
	pendingStats *models.SessionStats
	location     *models.Location
	alerts       []models.AlertEvent

	registered atomic.Bool
	dropped    atomic.Int64
	failures   atomic.Int64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func New(cloudURL, deviceID, deviceName, apiKey string, opts Options) *Client {
	opts.fillDefaults()

	r := resty.New()
	r.SetBaseURL(cloudURL)
	r.SetTimeout(opts.CallTimeout)
	r.SetHeader("Content-Type", "application/json")
	r.SetHeader("X-API-Key", apiKey)

	return &Client{
		http:       r,
		deviceID:   deviceID,
		deviceName: deviceName,
		opts:       opts,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background sender. Returns immediately; initial
// registration happens on the sender goroutine so an unreachable
// cloud never delays local detection.
func (c *Client) Start() {
	go c.run()
}

func (c *Client) Stop() {
	close(c.stop)
	<-c.done
}

// PushStats replaces the pending snapshot; only the latest needs to
// survive a flush. Never blocks.
func (c *Client) PushStats(stats models.SessionStats, loc *models.Location) {
	c.mu.Lock()
	c.pendingStats = &stats
	if loc != nil {
		c.location = loc
	}
	c.mu.Unlock()
	c.signal()
}

// PushAlert enqueues an alert for delivery. On overflow the oldest
// queued alert is dropped so a persistently offline cloud cannot grow
// memory without bound.
func (c *Client) PushAlert(alert models.AlertEvent) {
	c.mu.Lock()
	c.alerts = append(c.alerts, alert)
	if len(c.alerts) > c.opts.QueueDepth {
		c.alerts = c.alerts[1:]
		c.dropped.Add(1)
	}
	c.mu.Unlock()
	c.signal()
}

// DroppedAlerts reports how many alerts were discarded on overflow.
func (c *Client) DroppedAlerts() int64 { return c.dropped.Load() }

// SendFailures reports failed delivery attempts (post-retry).
func (c *Client) SendFailures() int64 { return c.failures.Load() }

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) run() {
	defer close(c.done)

	flush := time.NewTicker(c.opts.FlushInterval)
	defer flush.Stop()
	heartbeat := time.NewTicker(c.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.stop:
			// Last chance for anything still queued.
			c.flush()
			return
		case <-c.wake:
			c.flush()
		case <-flush.C:
			c.flush()
		case <-heartbeat.C:
			if c.registered.Load() {
				c.sendHeartbeat()
			}
		}
	}
}

func (c *Client) flush() {
	if !c.registered.Load() {
		if err := c.register(); err != nil {
			log.Printf("telemetry: registration failed: %v", err)
			return
		}
	}
	c.flushStats()
	c.flushAlerts()
}

func (c *Client) register() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(models.RegisterRequest{
			DeviceID:   c.deviceID,
			DeviceName: c.deviceName,
			APIKey:     c.http.Header.Get("X-API-Key"),
		}).
		Post("/api/device/register")
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("registration rejected: check DEVICE_API_KEY")
	}
	if resp.IsError() {
		return fmt.Errorf("registration failed: %s", resp.Status())
	}

	c.registered.Store(true)
	log.Printf("telemetry: device %s registered with cloud", c.deviceID)
	return nil
}

func (c *Client) flushStats() {
	c.mu.Lock()
	stats := c.pendingStats
	loc := c.location
	c.pendingStats = nil
	c.mu.Unlock()

	if stats == nil {
		return
	}

	err := c.post("/api/device/stats", models.StatsPush{
		DeviceID: c.deviceID,
		Stats:    *stats,
		Location: loc,
	})
	if err != nil {
		// Stats are non-critical; the snapshot is re-coalesced so the
		// newest counters still reach the cloud on the next flush.
		c.failures.Add(1)
		c.mu.Lock()
		if c.pendingStats == nil {
			c.pendingStats = stats
		}
		c.mu.Unlock()
	}
}

func (c *Client) flushAlerts() {
	for {
		c.mu.Lock()
		if len(c.alerts) == 0 {
			c.mu.Unlock()
			return
		}
		alert := c.alerts[0]
		c.alerts = c.alerts[1:]
		c.mu.Unlock()

		err := c.post("/api/device/alert", alert)
		if err == nil {
			continue
		}
		if isAuthErr(err) {
			// Fail closed: retrying with the same key cannot succeed.
			log.Printf("telemetry: alert rejected (auth), dropping: %v", err)
			c.registered.Store(false)
			c.dropped.Add(1)
			continue
		}

		// Transient failure: requeue at the head and give up until
		// the next flush. The alert keeps its id, so the eventual
		// resend dedupes server-side.
		c.failures.Add(1)
		c.mu.Lock()
		c.alerts = append([]models.AlertEvent{alert}, c.alerts...)
		if len(c.alerts) > c.opts.QueueDepth {
			c.alerts = c.alerts[1:]
			c.dropped.Add(1)
		}
		c.mu.Unlock()
		return
	}
}

func (c *Client) sendHeartbeat() {
	if err := c.post("/api/device/heartbeat", models.HeartbeatRequest{DeviceID: c.deviceID}); err != nil {
		c.failures.Add(1)
	}
}

type authError struct{ status string }

func (e *authError) Error() string { return "unauthorized: " + e.status }

func isAuthErr(err error) bool {
	_, ok := err.(*authError)
	return ok
}

// post sends one payload with a short fibonacci backoff on transient
// failures. Auth rejections are returned immediately.
func (c *Client) post(path string, body any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*c.opts.CallTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch {
		case resp.StatusCode() == http.StatusUnauthorized:
			return &authError{status: resp.Status()}
		case resp.StatusCode() == http.StatusNotFound:
			// Registry lost us (restart, wipe); re-register and retry
			// on the next flush cycle.
			c.registered.Store(false)
			return fmt.Errorf("device unknown to cloud")
		case resp.IsError():
			return retry.RetryableError(fmt.Errorf("cloud returned %s", resp.Status()))
		}
		return nil
	})
}
