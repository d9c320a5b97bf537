package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"drowsyguard/internal/models"
)

const (
	locationTTL   = 15 * time.Minute
	locationRetry = time.Minute
)

// IPLocator geolocates the device by its public IP. Coarse, but good
// enough to put an emergency on a map when no GPS feed exists.
// Results are cached; failures keep the last known position and are
// not retried more often than locationRetry.
type IPLocator struct {
	http *resty.Client

	mu        sync.Mutex
	cached    *models.Location
	fetched   time.Time
	attempted time.Time
}

type ipAPIResponse struct {
	Status  string  `json:"status"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	City    string  `json:"city"`
	Region  string  `json:"regionName"`
	Country string  `json:"country"`
}

func NewIPLocator() *IPLocator {
	r := resty.New()
	r.SetBaseURL("http://ip-api.com")
	r.SetTimeout(5 * time.Second)
	return &IPLocator{http: r}
}

func (l *IPLocator) Current(ctx context.Context) *models.Location {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && time.Since(l.fetched) < locationTTL {
		return l.cached
	}
	if time.Since(l.attempted) < locationRetry {
		return l.cached
	}
	l.attempted = time.Now()

	var body ipAPIResponse
	resp, err := l.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/json")
	if err != nil || resp.IsError() || body.Status != "success" {
		log.Printf("location lookup failed: %v", err)
		return l.cached
	}

	l.cached = &models.Location{
		Lat:     body.Lat,
		Lng:     body.Lon,
		Address: body.City + ", " + body.Region + ", " + body.Country,
	}
	l.fetched = time.Now()
	return l.cached
}
