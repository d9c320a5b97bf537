package detect

import (
	"testing"
	"time"

	"drowsyguard/internal/models"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func sample(at time.Time, ear, mar float64) models.RatioSample {
	return models.RatioSample{
		DeviceID:  "dev-1",
		Timestamp: at,
		EAR:       ear,
		MAR:       mar,
		FaceFound: true,
	}
}

func feed(c *Classifier, samples []models.RatioSample) []Event {
	var events []Event
	for _, s := range samples {
		events = append(events, c.Classify(s)...)
	}
	return events
}

// closureSamples builds a stream with eyes closed on [start, end) and
// open at end, sampled at the given rate with the recovery sample
// pinned exactly at end so timelines are comparable across rates.
func closureSamples(start time.Time, closedFor time.Duration, hz int) []models.RatioSample {
	step := time.Second / time.Duration(hz)
	var out []models.RatioSample
	for at := start; at.Sub(start) < closedFor; at = at.Add(step) {
		out = append(out, sample(at, 0.10, 0.3))
	}
	out = append(out, sample(start.Add(closedFor), 0.32, 0.3))
	return out
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestShortClosureIsSingleBlink(t *testing.T) {
	c := NewClassifier("dev-1", DefaultThresholds())

	events := feed(c, closureSamples(t0, 400*time.Millisecond, 30))

	if len(events) != 1 || events[0].Kind != EventBlink {
		t.Fatalf("expected exactly one BLINK, got %v", kinds(events))
	}
	if d := events[0].Duration; d != 400*time.Millisecond {
		t.Fatalf("expected 400ms blink, got %v", d)
	}
	if got := c.Stats().BlinkCount; got != 1 {
		t.Fatalf("expected blink_count 1, got %d", got)
	}
}

func TestEmergencyScenarioTimeline(t *testing.T) {
	c := NewClassifier("dev-1", DefaultThresholds())

	events := feed(c, closureSamples(t0, 3200*time.Millisecond, 30))

	want := []EventKind{EventDrowsyStart, EventEmergency, EventDrowsyEnd}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if at := events[0].At; !at.Equal(t0.Add(time.Second)) {
		t.Errorf("DROWSY_START at %v, want t0+1s", at)
	}
	if at := events[1].At; !at.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("EMERGENCY at %v, want t0+3s", at)
	}
	if d := events[1].Duration; d != 3*time.Second {
		t.Errorf("EMERGENCY duration %v, want 3s", d)
	}
	if at := events[2].At; !at.Equal(t0.Add(3200 * time.Millisecond)) {
		t.Errorf("DROWSY_END at %v, want t0+3.2s", at)
	}
	if d := events[2].Duration; d != 3200*time.Millisecond {
		t.Errorf("DROWSY_END duration %v, want 3.2s", d)
	}

	stats := c.Stats()
	if stats.MicrosleepTotal != 3.2 {
		t.Errorf("microsleep_total %v, want 3.2", stats.MicrosleepTotal)
	}
	if stats.BlinkCount != 0 {
		t.Errorf("blink_count %d, want 0", stats.BlinkCount)
	}
}

func TestTimelineIsSampleRateIndependent(t *testing.T) {
	var timelines [][]Event
	for _, hz := range []int{10, 30, 60} {
		c := NewClassifier("dev-1", DefaultThresholds())
		timelines = append(timelines, feed(c, closureSamples(t0, 4*time.Second, hz)))
	}

	ref := timelines[0]
	for i, tl := range timelines[1:] {
		if len(tl) != len(ref) {
			t.Fatalf("rate %d produced %d events, reference has %d", []int{30, 60}[i], len(tl), len(ref))
		}
		for j := range ref {
			if tl[j].Kind != ref[j].Kind || !tl[j].At.Equal(ref[j].At) {
				t.Fatalf("event %d differs across rates: %+v vs %+v", j, tl[j], ref[j])
			}
		}
	}

	emergencies := 0
	for _, e := range ref {
		if e.Kind == EventEmergency {
			emergencies++
		}
	}
	if emergencies != 1 {
		t.Fatalf("expected exactly one EMERGENCY per closure run, got %d", emergencies)
	}
}

func TestTransientMouthMovementIsNotYawn(t *testing.T) {
	c := NewClassifier("dev-1", DefaultThresholds())

	events := feed(c, []models.RatioSample{
		sample(t0, 0.3, 0.8),
		sample(t0.Add(200*time.Millisecond), 0.3, 0.3),
	})

	if len(events) != 0 {
		t.Fatalf("expected no events for 200ms mouth opening, got %v", kinds(events))
	}
	if c.Stats().YawnCount != 0 {
		t.Fatalf("yawn_count should be 0")
	}
}

func TestQualifyingYawnAndExcessBurst(t *testing.T) {
	th := DefaultThresholds()
	c := NewClassifier("dev-1", th)

	var events []Event
	at := t0
	for i := 0; i < 3; i++ {
		events = append(events, feed(c, []models.RatioSample{
			sample(at, 0.3, 0.8),
			sample(at.Add(700*time.Millisecond), 0.3, 0.3),
		})...)
		at = at.Add(10 * time.Second)
	}

	yawnEnds, excess := 0, 0
	for _, e := range events {
		switch e.Kind {
		case EventYawnEnd:
			yawnEnds++
		case EventYawnExcess:
			excess++
		}
	}
	if yawnEnds != 3 {
		t.Fatalf("expected 3 YAWN_END, got %d (%v)", yawnEnds, kinds(events))
	}
	if excess != 1 {
		t.Fatalf("expected exactly one YAWN_EXCESS for the burst, got %d", excess)
	}
	if c.Stats().YawnCount != 3 {
		t.Fatalf("yawn_count %d, want 3", c.Stats().YawnCount)
	}

	// A fourth yawn inside the same window must not re-fire.
	more := feed(c, []models.RatioSample{
		sample(at, 0.3, 0.8),
		sample(at.Add(700*time.Millisecond), 0.3, 0.3),
	})
	for _, e := range more {
		if e.Kind == EventYawnExcess {
			t.Fatalf("YAWN_EXCESS re-fired inside the same burst")
		}
	}
}

func TestNoFaceGraceResetsMachines(t *testing.T) {
	th := DefaultThresholds()
	c := NewClassifier("dev-1", th)

	// Close eyes, then lose the face past the grace window.
	c.Classify(sample(t0, 0.10, 0.3))
	at := t0.Add(500 * time.Millisecond)
	for at.Sub(t0) < 7*time.Second {
		s := sample(at, 0, 0)
		s.FaceFound = false
		if events := c.Classify(s); len(events) != 0 {
			t.Fatalf("no-face samples must not emit events, got %v", kinds(events))
		}
		at = at.Add(500 * time.Millisecond)
	}

	// Face returns with eyes open: the interrupted closure must not
	// produce a drowsy episode.
	events := c.Classify(sample(at, 0.32, 0.3))
	if len(events) != 0 {
		t.Fatalf("expected clean state after no-face reset, got %v", kinds(events))
	}
	if c.Stats().NoFaceFrames == 0 {
		t.Fatalf("no-face diagnostic counter not advanced")
	}
}

func TestBackwardsTimestampResetsState(t *testing.T) {
	c := NewClassifier("dev-1", DefaultThresholds())

	c.Classify(sample(t0, 0.10, 0.3))
	events := c.Classify(sample(t0.Add(-time.Second), 0.10, 0.3))
	if len(events) != 0 {
		t.Fatalf("regressed sample must not emit events, got %v", kinds(events))
	}
	if c.Corruptions() != 1 {
		t.Fatalf("corruption counter %d, want 1", c.Corruptions())
	}

	// Machine restarts cleanly from the regressed point.
	events = feed(c, closureSamples(t0.Add(-time.Second), 300*time.Millisecond, 30))
	// First closed sample opens a fresh candidate; expect one blink.
	blinks := 0
	for _, e := range events {
		if e.Kind == EventBlink {
			blinks++
		}
	}
	if blinks != 1 {
		t.Fatalf("expected 1 blink after reset, got %d (%v)", blinks, kinds(events))
	}
}

func TestSessionCountersAreMonotonic(t *testing.T) {
	c := NewClassifier("dev-1", DefaultThresholds())

	var prev models.SessionStats
	at := t0
	for i := 0; i < 20; i++ {
		feed(c, closureSamples(at, 300*time.Millisecond, 30))
		at = at.Add(2 * time.Second)

		stats := c.Stats()
		if stats.BlinkCount < prev.BlinkCount || stats.YawnCount < prev.YawnCount ||
			stats.MicrosleepTotal < prev.MicrosleepTotal || stats.FramesProcessed < prev.FramesProcessed {
			t.Fatalf("counters regressed: %+v -> %+v", prev, stats)
		}
		prev = stats
	}
}
