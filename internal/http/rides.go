package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	var req models.RideRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RiderID == "" && actor.Role == models.RoleRider {
		req.RiderID = actor.ID
	}
	if err := allowSelf(actor, models.RoleRider, req.RiderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.RequestRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	q := r.URL.Query()
	f := storage.RideFilter{RiderID: q.Get("rider_id"), DriverID: q.Get("driver_id")}
	switch actor.Role {
	case models.RoleRider:
		f.RiderID = actor.ID
	case models.RoleDriver:
		f.DriverID = actor.ID
	}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, models.RideStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", models.ErrValidation))
			return
		}
		f.Limit = n
	}
	rides, err := s.engine.ListRides(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleAvailableRides(w http.ResponseWriter, r *http.Request) {
	if a := actorFrom(r.Context()); a.Role == models.RoleRider {
		s.writeError(w, r, fmt.Errorf("riders cannot browse open rides: %w", models.ErrForbidden))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.AvailableRides())
}

// participantRide loads the ride in the path and checks the caller may see it.
func (s *Server) participantRide(w http.ResponseWriter, r *http.Request) (models.Ride, bool) {
	ride, err := s.engine.GetRide(r.Context(), mux.Vars(r)["id"])
	if err == nil {
		err = allowParticipant(actorFrom(r.Context()), ride)
	}
	if err != nil {
		s.writeError(w, r, err)
		return models.Ride{}, false
	}
	return ride, true
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	if ride, ok := s.participantRide(w, r); ok {
		writeJSON(w, http.StatusOK, ride)
	}
}

type cancelBody struct {
	ExpectedStatus models.RideStatus `json:"expected_status,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	ride, err := s.engine.CancelRide(r.Context(), matcher.CancelRequest{
		RideID:         mux.Vars(r)["id"],
		Actor:          actorFrom(r.Context()),
		ExpectedStatus: body.ExpectedStatus,
		Reason:         body.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.engine.StartRide)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.engine.CompleteRide)
}

type driverOp func(ctx context.Context, rideID, driverID string) (models.Ride, error)

func (s *Server) driverTransition(w http.ResponseWriter, r *http.Request, op driverOp) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleDriver {
		s.writeError(w, r, fmt.Errorf("only the assigned driver may do this: %w", models.ErrForbidden))
		return
	}
	ride, err := op(r.Context(), mux.Vars(r)["id"], actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type ratingBody struct {
	Rating int `json:"rating"`
}

func (s *Server) handleRateRide(w http.ResponseWriter, r *http.Request) {
	var body ratingBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.RateRide(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()), body.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideLocations(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.participantRide(w, r)
	if !ok {
		return
	}
	locs, err := s.engine.RideLocations(r.Context(), ride.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if locs == nil {
		locs = []models.RideLocation{}
	}
	writeJSON(w, http.StatusOK, locs)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["id"]
	if err := allowSelf(actorFrom(r.Context()), models.RoleRider, riderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.ActiveRide(r.Context(), riderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}
