package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"fleetingfiles/core"
	"fleetingfiles/session"

	"github.com/go-chi/render"
)

type contextKey string

const (
	SessionContextKey = contextKey("session")

	// SessionCookieName is the cookie that carries the membership token.
	SessionCookieName = "fleeting_session"

	// cookieGrace keeps the cookie around after the room expires so the
	// client is told the room is gone rather than that it never joined.
	cookieGrace = 24 * time.Hour
)

// TokenFromRequest returns the membership token from the Authorization
// header, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// SetSessionCookie stores the token in an HTTP-only cookie that outlives the
// room by cookieGrace.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires.Add(cookieGrace),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie drops the caller's membership.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// RequireMembership rejects requests without a valid membership token and
// stores the session in the request context otherwise. A token that outlived
// its room gets 410 room_expired. Whether a room behind a current token is
// still live is checked by the room guard.
func RequireMembership(sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := sessions.Parse(TokenFromRequest(r))
			if errors.Is(err, core.ErrRoomExpired) {
				ClearSessionCookie(w)
				render.Status(r, http.StatusGone)
				render.JSON(w, r, map[string]string{"error": "room_expired", "message": "The room has expired, join or create a room"})
				return
			}
			if err != nil {
				ClearSessionCookie(w)
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "unauthorized", "message": "Join or create a room first"})
				return
			}

			ctx := context.WithValue(r.Context(), SessionContextKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext returns the session stored by RequireMembership.
func SessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(SessionContextKey).(*session.Session)
	return s
}
