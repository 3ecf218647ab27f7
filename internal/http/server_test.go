package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type fixture struct {
	srv    *httptest.Server
	engine *matcher.Engine
}

func newFixture(t *testing.T, secret string, ready func(context.Context) error) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := dispatch.NewBroker(16, logger)
	cfg := config.DefaultMatchConfig()
	cfg.CommitBackoff = 0
	engine := matcher.New(matcher.Deps{
		Store:    storage.NewMemoryStore(),
		Queue:    queue.New(),
		Registry: registry.New(0),
		Events:   broker,
		Logger:   logger,
		Match:    cfg,
	})
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(Options{
		Engine:      engine,
		Broker:      broker,
		WS:          dispatch.NewWSRegistry(logger),
		Logger:      logger,
		JWTSecret:   secret,
		Ready:       ready,
		BaseContext: ctx,
	})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &fixture{srv: srv, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path string, actor models.Actor, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if actor.ID != "" {
		req.Header.Set("X-User-ID", actor.ID)
		req.Header.Set("X-User-Role", string(actor.Role))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

var (
	rider1  = models.Actor{ID: "rider-1", Role: models.RoleRider}
	rider2  = models.Actor{ID: "rider-2", Role: models.RoleRider}
	driverA = models.Actor{ID: "A", Role: models.RoleDriver}
	admin   = models.Actor{ID: "ops", Role: models.RoleAdmin}
)

func rideRequest() models.RideRequest {
	return models.RideRequest{
		Pickup:  models.Place{Coord: models.Coord{Lat: 40.7128, Lon: -74.0060}, Address: "City Hall"},
		Dropoff: models.Place{Coord: models.Coord{Lat: 40.7580, Lon: -73.9855}, Address: "Times Square"},
	}
}

func (f *fixture) onlineDriver(t *testing.T) {
	t.Helper()
	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/drivers/A/location", driverA, map[string]float64{"lat": 40.7130, "lon": -74.0058}), http.StatusAccepted)
	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/drivers/A/availability", driverA, map[string]bool{"is_available": true}), http.StatusOK)
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, "", nil)
	f.onlineDriver(t)

	resp := f.do(t, http.MethodPost, "/api/v1/rides", rider1, rideRequest())
	expectStatus(t, resp, http.StatusCreated)
	ride := decodeBody[models.Ride](t, resp)
	if ride.RiderID != "rider-1" || ride.Status != models.StatusRequested {
		t.Fatalf("unexpected ride: %+v", ride)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/rides", rider1, rideRequest()), http.StatusConflict)

	resp = f.do(t, http.MethodGet, "/api/v1/rides/available", driverA, nil)
	expectStatus(t, resp, http.StatusOK)
	if open := decodeBody[[]models.Ride](t, resp); len(open) != 1 || open[0].ID != ride.ID {
		t.Fatalf("expected the ride in the open list, got %+v", open)
	}

	if _, err := f.engine.Match(context.Background(), ride.ID); err != nil {
		t.Fatalf("match: %v", err)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/start", rider1, nil), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", driverA, nil), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/start", driverA, nil), http.StatusOK)

	resp = f.do(t, http.MethodPost, "/api/v1/drivers/A/location", driverA, map[string]any{"lat": 40.73, "lon": -74.0, "at": time.Now().Add(time.Second)})
	expectStatus(t, resp, http.StatusAccepted)
	if res := decodeBody[locationResult](t, resp); !res.Applied {
		t.Fatal("location should be applied")
	}

	resp = f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", driverA, nil)
	expectStatus(t, resp, http.StatusOK)
	if done := decodeBody[models.Ride](t, resp); done.Status != models.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed ride: %+v", done)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID+"/locations", rider1, nil)
	expectStatus(t, resp, http.StatusOK)
	if locs := decodeBody[[]models.RideLocation](t, resp); len(locs) != 1 {
		t.Fatalf("expected one breadcrumb, got %d", len(locs))
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/rating", rider1, map[string]int{"rating": 9}), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/rating", rider1, map[string]int{"rating": 4}), http.StatusOK)

	resp = f.do(t, http.MethodGet, "/api/v1/drivers/A/stats", driverA, nil)
	expectStatus(t, resp, http.StatusOK)
	if st := decodeBody[models.DriverStats](t, resp); st.CompletedRides != 1 || st.AverageRating != 4 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/rides?status=completed", rider1, nil)
	expectStatus(t, resp, http.StatusOK)
	if hist := decodeBody[[]models.Ride](t, resp); len(hist) != 1 {
		t.Fatalf("expected one completed ride in history, got %d", len(hist))
	}
	expectStatus(t, f.do(t, http.MethodGet, "/api/v1/riders/rider-1/active-ride", rider1, nil), http.StatusNotFound)
}

func TestAccessControl(t *testing.T) {
	f := newFixture(t, "", nil)
	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/rides", models.Actor{}, rideRequest()), http.StatusUnauthorized)

	req := rideRequest()
	req.RiderID = "rider-2"
	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/rides", rider1, req), http.StatusForbidden)

	resp := f.do(t, http.MethodPost, "/api/v1/rides", rider1, rideRequest())
	expectStatus(t, resp, http.StatusCreated)
	ride := decodeBody[models.Ride](t, resp)

	expectStatus(t, f.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID, rider2, nil), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID, admin, nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodGet, "/api/v1/rides/missing", admin, nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodGet, "/api/v1/rides/available", rider1, nil), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/drivers/A/availability", models.Actor{ID: "B", Role: models.RoleDriver}, map[string]bool{"is_available": true}), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodGet, "/api/v1/riders/rider-1/active-ride", rider2, nil), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodGet, "/api/v1/riders/rider-1/active-ride", rider1, nil), http.StatusOK)
}

func TestDriverRecordsAreSelfOrAdmin(t *testing.T) {
	f := newFixture(t, "", nil)
	f.onlineDriver(t)
	driverB := models.Actor{ID: "B", Role: models.RoleDriver}
	for _, path := range []string{"/api/v1/drivers/A", "/api/v1/drivers/A/stats"} {
		expectStatus(t, f.do(t, http.MethodGet, path, rider1, nil), http.StatusForbidden)
		expectStatus(t, f.do(t, http.MethodGet, path, driverB, nil), http.StatusForbidden)
		expectStatus(t, f.do(t, http.MethodGet, path, driverA, nil), http.StatusOK)
		expectStatus(t, f.do(t, http.MethodGet, path, admin, nil), http.StatusOK)
	}
	resp := f.do(t, http.MethodGet, "/api/v1/drivers/A", rider1, nil)
	if b, _ := io.ReadAll(resp.Body); strings.Contains(string(b), "40.713") {
		t.Fatalf("forbidden response leaked the driver's location: %s", b)
	}
}

func TestCancelWithStaleExpectation(t *testing.T) {
	f := newFixture(t, "", nil)
	f.onlineDriver(t)
	resp := f.do(t, http.MethodPost, "/api/v1/rides", rider1, rideRequest())
	expectStatus(t, resp, http.StatusCreated)
	ride := decodeBody[models.Ride](t, resp)
	if _, err := f.engine.Match(context.Background(), ride.ID); err != nil {
		t.Fatalf("match: %v", err)
	}

	path := "/api/v1/rides/" + ride.ID + "/cancel"
	expectStatus(t, f.do(t, http.MethodPost, path, rider1, cancelBody{ExpectedStatus: models.StatusRequested}), http.StatusConflict)
	resp = f.do(t, http.MethodPost, path, rider1, cancelBody{ExpectedStatus: models.StatusAccepted, Reason: "too slow"})
	expectStatus(t, resp, http.StatusOK)
	if got := decodeBody[models.Ride](t, resp); got.Status != models.StatusCancelled || got.CancelReason != "too slow" {
		t.Fatalf("unexpected cancelled ride: %+v", got)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/drivers/A", admin, nil)
	expectStatus(t, resp, http.StatusOK)
	if d := decodeBody[models.Driver](t, resp); !d.Matchable() {
		t.Fatalf("driver should be free again: %+v", d)
	}
	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/drivers/A/availability", driverA, map[string]any{}), http.StatusBadRequest)
}

func TestBusyDriverCannotOptIn(t *testing.T) {
	f := newFixture(t, "", nil)
	f.onlineDriver(t)
	resp := f.do(t, http.MethodPost, "/api/v1/rides", rider1, rideRequest())
	ride := decodeBody[models.Ride](t, resp)
	if _, err := f.engine.Match(context.Background(), ride.ID); err != nil {
		t.Fatalf("match: %v", err)
	}
	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/drivers/A/availability", driverA, map[string]bool{"is_available": false}), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/drivers/A/availability", driverA, map[string]bool{"is_available": true}), http.StatusConflict)
}

func TestJWTAuthentication(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t, secret, nil)

	sign := func(key string, claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}
	post := func(token string) *http.Response {
		b, _ := json.Marshal(rideRequest())
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/rides", bytes.NewReader(b))
		req.Header.Set("Authorization", "Bearer "+token)
		// Identity headers are ignored once tokens are required.
		req.Header.Set("X-User-ID", "someone-else")
		req.Header.Set("X-User-Role", "admin")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	expectStatus(t, post(sign("wrong", jwt.MapClaims{"sub": "rider-9", "role": "rider"})), http.StatusUnauthorized)
	expired := jwt.MapClaims{"sub": "rider-9", "role": "rider", "exp": time.Now().Add(-time.Minute).Unix()}
	expectStatus(t, post(sign(secret, expired)), http.StatusUnauthorized)

	resp := post(sign(secret, jwt.MapClaims{"sub": "rider-9", "role": "rider", "exp": time.Now().Add(time.Hour).Unix()}))
	expectStatus(t, resp, http.StatusCreated)
	if ride := decodeBody[models.Ride](t, resp); ride.RiderID != "rider-9" {
		t.Fatalf("rider should come from the token, got %q", ride.RiderID)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "", nil)
	expectStatus(t, f.do(t, http.MethodGet, "/healthz", models.Actor{}, nil), http.StatusOK)

	down := newFixture(t, "", func(context.Context) error { return errors.New("postgres unreachable") })
	expectStatus(t, down.do(t, http.MethodGet, "/healthz", models.Actor{}, nil), http.StatusServiceUnavailable)
}

func TestRideSocketReceivesAssignment(t *testing.T) {
	f := newFixture(t, "", nil)
	f.onlineDriver(t)
	resp := f.do(t, http.MethodPost, "/api/v1/rides", rider1, rideRequest())
	expectStatus(t, resp, http.StatusCreated)
	ride := decodeBody[models.Ride](t, resp)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/rides/" + ride.ID
	hdr := http.Header{}
	hdr.Set("X-User-ID", rider1.ID)
	hdr.Set("X-User-Role", string(rider1.Role))
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := f.engine.Match(context.Background(), ride.ID); err != nil {
		t.Fatalf("match: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != models.EventAssigned || ev.DriverID != "A" || ev.RideID != ride.ID {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestErrorsCarryRequestID(t *testing.T) {
	f := newFixture(t, "", nil)
	resp := f.do(t, http.MethodGet, "/api/v1/rides/missing", rider1, nil)
	expectStatus(t, resp, http.StatusNotFound)
	id := resp.Header.Get("X-Request-ID")
	if id == "" {
		t.Fatal("expected X-Request-ID header")
	}
	body := decodeBody[errorBody](t, resp)
	if body.RequestID != id {
		t.Fatalf("expected request id %q in body, got %q", id, body.RequestID)
	}
}
