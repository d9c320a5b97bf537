package govern

import (
	"math/rand"
	"sort"
	"testing"
	"time"
)

func TestBurstAdmitsAtMostMax(t *testing.T) {
	g := New(300*time.Second, 5)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// Six emergencies inside 90 seconds: exactly five ALLOW, one SUPPRESS.
	allows, suppresses := 0, 0
	for i := 0; i < 6; i++ {
		switch g.Admit("dev-1", base.Add(time.Duration(i*15)*time.Second)) {
		case Allow:
			allows++
		case Suppress:
			suppresses++
		}
	}
	if allows != 5 || suppresses != 1 {
		t.Fatalf("expected 5 ALLOW / 1 SUPPRESS, got %d / %d", allows, suppresses)
	}
}

func TestWindowSlidesWithoutBucketBoundary(t *testing.T) {
	g := New(300*time.Second, 5)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if g.Admit("dev-1", base.Add(time.Duration(i)*time.Second)) != Allow {
			t.Fatalf("admission %d should be allowed", i)
		}
	}
	if g.Admit("dev-1", base.Add(299*time.Second)) != Suppress {
		t.Fatalf("sixth alert inside the window must be suppressed")
	}
	// The first admission ages out exactly one window after it.
	if g.Admit("dev-1", base.Add(300*time.Second)) != Allow {
		t.Fatalf("alert after the oldest admission aged out must be allowed")
	}
}

func TestDevicesAreIsolated(t *testing.T) {
	g := New(300*time.Second, 1)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if g.Admit("dev-1", base) != Allow {
		t.Fatalf("first alert for dev-1 should pass")
	}
	if g.Admit("dev-2", base) != Allow {
		t.Fatalf("dev-2 must not be throttled by dev-1's admissions")
	}
	if g.Admit("dev-1", base.Add(time.Second)) != Suppress {
		t.Fatalf("dev-1 should be throttled")
	}
}

// Property: for arbitrary arrival timing, no rolling window ever
// contains more than max admitted alerts.
func TestSlidingWindowProperty(t *testing.T) {
	const (
		window = 300 * time.Second
		max    = 5
		rounds = 2000
	)
	rng := rand.New(rand.NewSource(42))
	g := New(window, max)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	var admitted []time.Time
	at := base
	for i := 0; i < rounds; i++ {
		at = at.Add(time.Duration(rng.Intn(45000)) * time.Millisecond)
		if g.Admit("dev-1", at) == Allow {
			admitted = append(admitted, at)
		}
	}

	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })
	for i := range admitted {
		count := 1
		for j := i + 1; j < len(admitted); j++ {
			if admitted[j].Sub(admitted[i]) < window {
				count++
			} else {
				break
			}
		}
		if count > max {
			t.Fatalf("window starting at %v contains %d admissions (max %d)", admitted[i], count, max)
		}
	}
	if len(admitted) == 0 {
		t.Fatalf("property test admitted nothing, timing generation is broken")
	}
}
