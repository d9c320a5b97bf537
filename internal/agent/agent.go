package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"drowsyguard/internal/detect"
	"drowsyguard/internal/govern"
	"drowsyguard/internal/models"
	"drowsyguard/internal/notify"
)

const sinkTimeout = 10 * time.Second

// Publisher is the slice of the telemetry client the agent needs.
type Publisher interface {
	PushStats(stats models.SessionStats, loc *models.Location)
	PushAlert(alert models.AlertEvent)
}

// Locator resolves the device's current position, if any. Current may
// block on the network; the agent only calls it from a refresh
// goroutine, never on the sample path.
type Locator interface {
	Current(ctx context.Context) *models.Location
}

type Options struct {
	Thresholds    detect.Thresholds
	StatsInterval time.Duration
	AlertWindow   time.Duration
	AlertMax      int
	DeviceName    string
}

// Agent routes classified events: emergencies go through the governor
// to the notification sink, every alert-worthy event goes to the
// cloud, and session stats are pushed on a fixed cadence.
//
// Samples for one device must arrive on a single goroutine; the
// sample source guarantees that. Different devices may be concurrent.
type Agent struct {
	opts     Options
	governor *govern.Governor
	telem    Publisher
	sink     notify.Sink
	locator  Locator

	mu        sync.Mutex
	pipelines map[string]*pipeline

	locMu      sync.Mutex
	lastLoc    *models.Location
	locAttempt time.Time
	locBusy    bool
}

type pipeline struct {
	classifier *detect.Classifier
	lastStats  time.Time
}

func New(opts Options, telem Publisher, sink notify.Sink, locator Locator) *Agent {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 5 * time.Second
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Agent{
		opts:      opts,
		governor:  govern.New(opts.AlertWindow, opts.AlertMax),
		telem:     telem,
		sink:      sink,
		locator:   locator,
		pipelines: make(map[string]*pipeline),
	}
}

// HandleSample feeds one ratio sample through the device's classifier
// and routes whatever events come out. Never blocks on the network.
func (a *Agent) HandleSample(s models.RatioSample) {
	a.mu.Lock()
	p, ok := a.pipelines[s.DeviceID]
	if !ok {
		p = &pipeline{
			classifier: detect.NewClassifier(s.DeviceID, a.opts.Thresholds),
			lastStats:  s.Timestamp,
		}
		a.pipelines[s.DeviceID] = p
		log.Printf("agent: pipeline started for device %s", s.DeviceID)
	}
	a.mu.Unlock()

	for _, ev := range p.classifier.Classify(s) {
		a.routeEvent(s.DeviceID, ev)
	}

	if s.Timestamp.Sub(p.lastStats) >= a.opts.StatsInterval {
		p.lastStats = s.Timestamp
		a.telem.PushStats(p.classifier.Stats(), a.location())
	}
}

func (a *Agent) routeEvent(deviceID string, ev detect.Event) {
	switch ev.Kind {
	case detect.EventEmergency:
		a.raiseEmergency(deviceID, ev)
	case detect.EventDrowsyEnd:
		a.telem.PushAlert(a.newAlert(deviceID, models.AlertDrowsy, ev, false))
	case detect.EventYawnExcess:
		a.telem.PushAlert(a.newAlert(deviceID, models.AlertYawnExcess, ev, false))
	}
}

// raiseEmergency always records the alert; the governor only decides
// whether the notification sink fires.
func (a *Agent) raiseEmergency(deviceID string, ev detect.Event) {
	decision := a.governor.Admit(deviceID, ev.At)
	alert := a.newAlert(deviceID, models.AlertEmergency, ev, decision == govern.Suppress)
	a.telem.PushAlert(alert)

	log.Printf("agent: EMERGENCY for %s at %s (%.1fs closed): %s",
		deviceID, ev.At.Format(time.RFC3339), ev.Duration.Seconds(), decision)

	if decision == govern.Suppress {
		return
	}

	name := a.opts.DeviceName
	if name == "" {
		name = deviceID
	}
	text := notify.EmergencyText(name, ev.Duration.Seconds(), alert.Location,
		a.governor.Pending(deviceID, ev.At), a.opts.AlertMax)

	// The sink call leaves the sample path; a slow Telegram API must
	// not delay classification.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := a.sink.Send(ctx, deviceID, text, alert.Severity); err != nil {
			log.Printf("agent: notification failed for %s: %v", deviceID, err)
		}
	}()
}

func (a *Agent) newAlert(deviceID string, kind models.AlertKind, ev detect.Event, suppressed bool) models.AlertEvent {
	duration := ev.Duration.Seconds()
	return models.AlertEvent{
		AlertID:         uuid.NewString(),
		DeviceID:        deviceID,
		Timestamp:       ev.At,
		Kind:            kind,
		DurationSeconds: duration,
		Severity:        models.SeverityFor(kind, duration),
		Suppressed:      suppressed,
		Location:        a.location(),
	}
}

// location returns the last known position without waiting on the
// locator. A stale position kicks off one background refresh; failed
// attempts back off instead of retrying on every alert or stats push.
func (a *Agent) location() *models.Location {
	if a.locator == nil {
		return nil
	}

	a.locMu.Lock()
	loc := a.lastLoc
	start := !a.locBusy && time.Since(a.locAttempt) >= locationRetry
	if start {
		a.locBusy = true
		a.locAttempt = time.Now()
	}
	a.locMu.Unlock()

	if start {
		go a.refreshLocation()
	}
	return loc
}

func (a *Agent) refreshLocation() {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	got := a.locator.Current(ctx)

	a.locMu.Lock()
	if got != nil {
		a.lastLoc = got
	}
	a.locBusy = false
	a.locMu.Unlock()
}
