package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

// handleRideSocket streams one ride's events to its rider, driver or an admin.
func (s *Server) handleRideSocket(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.participantRide(w, r)
	if !ok {
		return
	}
	s.serveSocket(w, r, "ride:"+ride.ID, dispatch.ForRide(ride.ID))
}

// handleDriverSocket streams newly requested rides plus the driver's own
// assignment and transition events.
func (s *Server) handleDriverSocket(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	if err := allowSelf(actorFrom(r.Context()), models.RoleDriver, driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveSocket(w, r, "driver:"+driverID, dispatch.DriverFeed(driverID))
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, key string, f dispatch.Filter) {
	// Subscribe first so nothing published after the handshake is missed.
	sub := s.broker.Subscribe(f, 0)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		// Upgrade has already written the error response.
		s.log(r).Info("websocket upgrade failed", "session", key, "error", err)
		return
	}
	s.log(r).Info("websocket connected", "session", key)
	s.ws.Serve(s.baseCtx, key, conn, sub)
	s.log(r).Info("websocket closed", "session", key)
}
