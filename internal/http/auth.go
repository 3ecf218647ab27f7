package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

const actorKey contextKey = "actor"

// Authenticator turns a request into an Actor. With a secret it verifies
// HS256 bearer tokens and reads the subject and role claims. Without one it
// trusts the X-User-ID and X-User-Role headers, which is only meant for
// local runs behind a trusted gateway.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Actor(r *http.Request) (models.Actor, error) {
	if len(a.secret) == 0 {
		return actorFromHeaders(r)
	}
	raw := bearer(r)
	if raw == "" {
		return models.Actor{}, errors.New("missing bearer token")
	}
	return a.ParseToken(raw)
}

func (a *Authenticator) ParseToken(raw string) (models.Actor, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Actor{}, err
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		sub, _ = claims["user_id"].(string)
	}
	role, _ := claims["role"].(string)
	return newActor(sub, role)
}

func actorFromHeaders(r *http.Request) (models.Actor, error) {
	return newActor(r.Header.Get("X-User-ID"), r.Header.Get("X-User-Role"))
}

func newActor(id, role string) (models.Actor, error) {
	if id == "" {
		return models.Actor{}, errors.New("missing user id")
	}
	switch models.Role(role) {
	case models.RoleRider, models.RoleDriver, models.RoleAdmin:
	default:
		return models.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	return models.Actor{ID: id, Role: models.Role(role)}, nil
}

// bearer reads the token from the Authorization header, or from the token
// query parameter for websocket clients that cannot set headers.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.auth.Actor(r)
		if err != nil {
			s.log(r).Debug("unauthenticated request", "path", r.URL.Path, "error", err)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func actorFrom(ctx context.Context) models.Actor {
	a, _ := ctx.Value(actorKey).(models.Actor)
	return a
}

// allowSelf passes admins and the actor whose id is id.
func allowSelf(a models.Actor, role models.Role, id string) error {
	if a.Role == models.RoleAdmin || (a.Role == role && a.ID == id) {
		return nil
	}
	return fmt.Errorf("%s %s: %w", a.Role, a.ID, models.ErrForbidden)
}

// allowParticipant passes admins and the ride's rider or driver.
func allowParticipant(a models.Actor, r models.Ride) error {
	switch {
	case a.Role == models.RoleAdmin:
	case a.Role == models.RoleRider && a.ID == r.RiderID:
	case a.Role == models.RoleDriver && a.ID == r.DriverID && r.DriverID != "":
	default:
		return fmt.Errorf("%s %s is not part of ride %s: %w", a.Role, a.ID, r.ID, models.ErrForbidden)
	}
	return nil
}
