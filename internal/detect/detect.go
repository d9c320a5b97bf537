package detect

import (
	"log"
	"time"

	"drowsyguard/internal/models"
)

type EventKind string

const (
	EventBlink       EventKind = "BLINK"
	EventDrowsyStart EventKind = "DROWSY_START"
	EventDrowsyEnd   EventKind = "DROWSY_END"
	EventEmergency   EventKind = "EMERGENCY"
	EventYawnStart   EventKind = "YAWN_START"
	EventYawnEnd     EventKind = "YAWN_END"
	EventYawnExcess  EventKind = "YAWN_EXCESS"
)

// Event is one classified occurrence in a device's sample stream.
// At is the wall-clock moment the event happened, which for threshold
// crossings is the crossing time, not the sample time that observed it.
type Event struct {
	Kind     EventKind
	At       time.Time
	Duration time.Duration
}

type Thresholds struct {
	EAR              float64
	MAR              float64
	BlinkMax         time.Duration
	EmergencyAfter   time.Duration
	YawnMin          time.Duration
	NoFaceReset      time.Duration
	YawnExcessCount  int
	YawnExcessWindow time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		EAR:              0.25,
		MAR:              0.6,
		BlinkMax:         time.Second,
		EmergencyAfter:   3 * time.Second,
		YawnMin:          500 * time.Millisecond,
		NoFaceReset:      5 * time.Second,
		YawnExcessCount:  3,
		YawnExcessWindow: 60 * time.Second,
	}
}

type eyeState int

const (
	eyeAwake eyeState = iota
	eyeBlinkCandidate
	eyeDrowsy
	eyeEmergencyRaised
)

// Classifier is the per-device drowsiness state machine. It is not
// safe for concurrent use: one device's samples must be processed in
// order by a single goroutine.
type Classifier struct {
	deviceID string
	th       Thresholds

	eye         eyeState
	closedSince time.Time

	mouthOpen bool
	openSince time.Time

	lastAt      time.Time
	noFaceSince time.Time

	recentYawns []time.Time
	excessArmed bool

	sessionStart    time.Time
	blinkCount      int64
	yawnCount       int64
	microsleepTotal float64
	frames          int64
	noFaceFrames    int64
	corruptions     int64

	fpsWindowStart time.Time
	fpsFrames      int
	currentFPS     float64
}

func NewClassifier(deviceID string, th Thresholds) *Classifier {
	return &Classifier{deviceID: deviceID, th: th, excessArmed: true}
}

// Classify advances the state machine with one sample and returns the
// events the sample produced, in the order they occurred.
func (c *Classifier) Classify(s models.RatioSample) []Event {
	if c.sessionStart.IsZero() {
		c.sessionStart = s.Timestamp
		c.fpsWindowStart = s.Timestamp
	}

	// A sample from the past means the clock went backwards or the
	// feed replayed; the machine's duration accounting is no longer
	// trustworthy, so reset rather than propagate garbage durations.
	if !c.lastAt.IsZero() && s.Timestamp.Before(c.lastAt) {
		log.Printf("classifier %s: sample timestamp regressed (%v < %v), resetting state",
			c.deviceID, s.Timestamp, c.lastAt)
		c.corruptions++
		c.resetMachines()
		c.lastAt = s.Timestamp
		return nil
	}
	c.lastAt = s.Timestamp

	c.frames++
	c.trackFPS(s.Timestamp)

	if !s.FaceFound {
		c.noFaceFrames++
		if c.noFaceSince.IsZero() {
			c.noFaceSince = s.Timestamp
		} else if s.Timestamp.Sub(c.noFaceSince) >= c.th.NoFaceReset {
			// Subject left the frame; whatever closure or yawn was in
			// progress cannot be trusted anymore.
			c.resetMachines()
			c.noFaceSince = s.Timestamp
		}
		return nil
	}
	c.noFaceSince = time.Time{}

	events := c.advanceEye(s.Timestamp, s.EAR < c.th.EAR)
	events = append(events, c.advanceMouth(s.Timestamp, s.MAR > c.th.MAR)...)
	return events
}

func (c *Classifier) advanceEye(at time.Time, closed bool) []Event {
	if c.eye == eyeAwake {
		if closed {
			c.eye = eyeBlinkCandidate
			c.closedSince = at
		}
		return nil
	}

	var events []Event
	d := at.Sub(c.closedSince)

	if closed {
		if c.eye == eyeBlinkCandidate && d >= c.th.BlinkMax {
			c.eye = eyeDrowsy
			events = append(events, Event{
				Kind:     EventDrowsyStart,
				At:       c.closedSince.Add(c.th.BlinkMax),
				Duration: c.th.BlinkMax,
			})
		}
		if c.eye == eyeDrowsy && d >= c.th.EmergencyAfter {
			// Once per continuous closure run.
			c.eye = eyeEmergencyRaised
			events = append(events, Event{
				Kind:     EventEmergency,
				At:       c.closedSince.Add(c.th.EmergencyAfter),
				Duration: c.th.EmergencyAfter,
			})
		}
		return events
	}

	// Eyes reopened. A closure that ended strictly before BlinkMax is
	// a blink; anything longer is a microsleep episode, and any
	// boundary the sampling grid skipped over still gets its event.
	if c.eye == eyeBlinkCandidate && d < c.th.BlinkMax {
		c.blinkCount++
		events = append(events, Event{Kind: EventBlink, At: at, Duration: d})
		c.eye = eyeAwake
		return events
	}

	if c.eye == eyeBlinkCandidate {
		events = append(events, Event{
			Kind:     EventDrowsyStart,
			At:       c.closedSince.Add(c.th.BlinkMax),
			Duration: c.th.BlinkMax,
		})
		c.eye = eyeDrowsy
	}
	if c.eye == eyeDrowsy && d >= c.th.EmergencyAfter {
		events = append(events, Event{
			Kind:     EventEmergency,
			At:       c.closedSince.Add(c.th.EmergencyAfter),
			Duration: c.th.EmergencyAfter,
		})
	}
	events = append(events, Event{Kind: EventDrowsyEnd, At: at, Duration: d})
	c.microsleepTotal += d.Seconds()
	c.eye = eyeAwake
	return events
}

func (c *Classifier) advanceMouth(at time.Time, open bool) []Event {
	if open {
		if !c.mouthOpen {
			c.mouthOpen = true
			c.openSince = at
		}
		return nil
	}
	if !c.mouthOpen {
		return nil
	}

	c.mouthOpen = false
	d := at.Sub(c.openSince)
	if d < c.th.YawnMin {
		// Transient mouth movement, not a yawn.
		return nil
	}

	c.yawnCount++
	events := []Event{
		{Kind: EventYawnStart, At: c.openSince},
		{Kind: EventYawnEnd, At: at, Duration: d},
	}
	return append(events, c.noteYawn(at)...)
}

// noteYawn tracks qualifying yawns in a rolling window and emits one
// YAWN_EXCESS per burst; the trigger re-arms once the window drains.
func (c *Classifier) noteYawn(at time.Time) []Event {
	kept := c.recentYawns[:0]
	for _, t := range c.recentYawns {
		if at.Sub(t) < c.th.YawnExcessWindow {
			kept = append(kept, t)
		}
	}
	c.recentYawns = append(kept, at)

	if len(c.recentYawns) < c.th.YawnExcessCount {
		c.excessArmed = true
		return nil
	}
	if !c.excessArmed {
		return nil
	}
	c.excessArmed = false
	return []Event{{
		Kind:     EventYawnExcess,
		At:       at,
		Duration: at.Sub(c.recentYawns[0]),
	}}
}

func (c *Classifier) trackFPS(at time.Time) {
	c.fpsFrames++
	if elapsed := at.Sub(c.fpsWindowStart); elapsed >= time.Second {
		c.currentFPS = float64(c.fpsFrames) / elapsed.Seconds()
		c.fpsFrames = 0
		c.fpsWindowStart = at
	}
}

// resetMachines returns both sub-state machines to their initial
// state. Session counters are untouched: they only reset on an
// explicit session restart.
func (c *Classifier) resetMachines() {
	c.eye = eyeAwake
	c.closedSince = time.Time{}
	c.mouthOpen = false
	c.openSince = time.Time{}
	c.recentYawns = c.recentYawns[:0]
	c.excessArmed = true
}

// ResetSession starts a fresh session: machines and counters cleared.
func (c *Classifier) ResetSession(at time.Time) {
	c.resetMachines()
	c.sessionStart = at
	c.blinkCount = 0
	c.yawnCount = 0
	c.microsleepTotal = 0
	c.frames = 0
	c.noFaceFrames = 0
	c.currentFPS = 0
	c.fpsFrames = 0
	c.fpsWindowStart = at
	c.lastAt = time.Time{}
	c.noFaceSince = time.Time{}
}

// Stats returns the current session snapshot.
func (c *Classifier) Stats() models.SessionStats {
	return models.SessionStats{
		DeviceID:        c.deviceID,
		Timestamp:       c.lastAt,
		SessionStart:    c.sessionStart,
		BlinkCount:      c.blinkCount,
		YawnCount:       c.yawnCount,
		MicrosleepTotal: c.microsleepTotal,
		CurrentFPS:      c.currentFPS,
		FramesProcessed: c.frames,
		NoFaceFrames:    c.noFaceFrames,
	}
}

// Corruptions reports how many impossible transitions were observed
// and absorbed by a state reset.
func (c *Classifier) Corruptions() int64 {
	return c.corruptions
}
