package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
)

// Driver records and stats carry location and earnings, so only the driver
// and admins may read them.
func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	if err := allowSelf(actorFrom(r.Context()), models.RoleDriver, driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.engine.Driver(driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type availabilityBody struct {
	Available *bool `json:"is_available"`
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	if err := allowSelf(actorFrom(r.Context()), models.RoleDriver, driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body availabilityBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Available == nil {
		s.writeError(w, r, fmt.Errorf("%w: is_available is required", models.ErrValidation))
		return
	}
	d, err := s.engine.SetDriverAvailable(r.Context(), driverID, *body.Available)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type locationBody struct {
	Lat     float64    `json:"lat"`
	Lon     float64    `json:"lon"`
	Heading *float64   `json:"heading,omitempty"`
	Speed   *float64   `json:"speed,omitempty"`
	At      *time.Time `json:"at,omitempty"`
}

type locationResult struct {
	Applied bool `json:"applied"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	if err := allowSelf(actorFrom(r.Context()), models.RoleDriver, driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body locationBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep := models.LocationReport{DriverID: driverID, Lat: body.Lat, Lon: body.Lon, Heading: body.Heading, Speed: body.Speed}
	if body.At != nil {
		rep.At = *body.At
	}
	applied, err := s.engine.ReportDriverLocation(r.Context(), rep)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, locationResult{Applied: applied})
}

func (s *Server) handleDriverStats(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	if err := allowSelf(actorFrom(r.Context()), models.RoleDriver, driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.engine.DriverStats(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
