package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CookieName holds the session token.
const CookieName = "token"

// StateCookieName holds the OAuth state during sign-in.
const StateCookieName = "oauth_state"

type claimsKey struct{}

// SetTokenCookie stores the session token.
func SetTokenCookie(w http.ResponseWriter, token string, maxAge int, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// ClearTokenCookie signs the browser out.
func ClearTokenCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}

// NewState returns a random OAuth state and sets it as a short-lived cookie.
func NewState(w http.ResponseWriter, secure bool) string {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return state
}

// CheckState compares the callback state with the cookie and clears it.
func CheckState(w http.ResponseWriter, r *http.Request) bool {
	c, err := r.Cookie(StateCookieName)
	http.SetCookie(w, &http.Cookie{Name: StateCookieName, Value: "", Path: "/auth", MaxAge: -1})
	return err == nil && c.Value != "" && c.Value == r.URL.Query().Get("state")
}

// Middleware puts valid token claims in the request context. The "token"
// cookie is read first, then an Authorization Bearer header. Requests without
// a valid token pass through as guests.
func Middleware(issuer *Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var raw string
			if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
				raw = c.Value
			}
			if raw == "" {
				if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
					raw = strings.TrimPrefix(h, "Bearer ")
				}
			}
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := issuer.Parse(raw)
			if err != nil {
				ClearTokenCookie(w)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the caller's claims, nil for guests.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}
