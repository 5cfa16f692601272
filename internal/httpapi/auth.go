package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/strongboxhq/strongbox/internal/apperror"
)

type contextKey string

const ownerContextKey contextKey = "owner"

// authenticate validates a bearer JWT and puts its subject claim (the
// tenant/owner id) on the request context. There is no user registration
// surface in this service (spec §1): tokens are issued out of band.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, apperror.New(apperror.Auth, "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, apperror.New(apperror.Auth, "unexpected signing method %v", t.Header["alg"])
			}
			return s.Config.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, apperror.New(apperror.Auth, "invalid bearer token"))
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, apperror.New(apperror.Auth, "invalid token claims"))
			return
		}
		owner, ok := claims["sub"].(string)
		if !ok || owner == "" {
			writeError(w, apperror.New(apperror.Auth, "token missing subject claim"))
			return
		}
		ctx := context.WithValue(r.Context(), ownerContextKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFromContext(r *http.Request) string {
	owner, _ := r.Context().Value(ownerContextKey).(string)
	return owner
}
