package eta

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type stubClient struct {
	v     float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

var (
	a = models.Coord{Lat: 40.7128, Lon: -74.0060}
	b = models.Coord{Lat: 40.7306, Lon: -73.9352}
)

func TestEstimatorUsesClientAndCaches(t *testing.T) {
	c := &stubClient{v: 420}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	if got := e.Seconds(context.Background(), a, b); got != 420 {
		t.Fatalf("expected client value, got %f", got)
	}
	if got := e.Seconds(context.Background(), a, b); got != 420 || c.calls != 1 {
		t.Fatalf("expected cached value without second call, got %f calls=%d", got, c.calls)
	}
}

func TestEstimatorFallsBack(t *testing.T) {
	e := &Estimator{Client: &stubClient{err: errors.New("down")}, SpeedMps: 10}
	want := EstimateSeconds(a, b, 10)
	if got := e.Seconds(context.Background(), a, b); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected fallback %f, got %f", want, got)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(a, b, 1)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("entry should have expired")
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/-74.006000,40.712800;-73.935200,40.730600" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":312.5}]}`))
	}))
	defer srv.Close()
	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), a, b)
	if err != nil || got != 312.5 {
		t.Fatalf("expected 312.5, got %f err=%v", got, err)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), a, b); err == nil {
		t.Fatal("expected error")
	}
}

func TestEstimatorGivesUpOnSlowRouting(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewOSRMClient(srv.URL)
	client.Client.Timeout = time.Minute
	e := &Estimator{Client: client, Cache: NewCache(time.Minute), SpeedMps: 10}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	got := e.Seconds(ctx, a, b)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("estimator ignored the deadline, took %s", elapsed)
	}
	if want := EstimateSeconds(a, b, 10); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected straight-line fallback %f, got %f", want, got)
	}
	if e.Cache.Len() != 0 {
		t.Fatal("fallback estimates must not be cached")
	}
}

func TestCacheSnapsNearbyCoords(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(a, b, 300)
	nudged := models.Coord{Lat: a.Lat + 0.00001, Lon: a.Lon - 0.00001}
	if v, ok := c.Get(nudged, b); !ok || v != 300 {
		t.Fatalf("expected hit for a ~1 m move, got %v %v", v, ok)
	}
	far := models.Coord{Lat: a.Lat + 0.001, Lon: a.Lon}
	if _, ok := c.Get(far, b); ok {
		t.Fatal("expected miss for a ~100 m move")
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("entry should expire at ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped, len=%d", c.Len())
	}
}
