package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DaanHessen/fitcheck/internal/engine"
	"github.com/DaanHessen/fitcheck/internal/identity"
	"github.com/DaanHessen/fitcheck/internal/purchase"
)

// requireUser writes 401 and returns nil for guests.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *identity.Claims {
	c := claimsOf(r)
	if c == nil || s.accounts == nil {
		s.writeError(w, engine.ErrSignInRequired, "Please sign in")
		return nil
	}
	return c
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	c := claimsOf(r)
	if c == nil || s.accounts == nil {
		writeJSON(w, http.StatusOK, engine.Guest())
		return
	}
	ent, err := s.loadEntitlement(r.Context(), c.UserID, c.Name, c.Email)
	if err != nil {
		s.writeError(w, err, "Failed to sync user data")
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	c := s.requireUser(w, r)
	if c == nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := s.accounts.ListTransactions(r.Context(), c.UserID, limit)
	if err != nil {
		s.writeError(w, err, "Failed to load transactions")
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleBundles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, purchase.Bundles)
}

// handleRewardAd grants one credit once the ad has played.
func (s *Server) handleRewardAd(w http.ResponseWriter, r *http.Request) {
	c := s.requireUser(w, r)
	if c == nil {
		return
	}
	ent, err := engine.RewardAd(r.Context(), s.accounts, c.UserID, s.cfg.AdDuration)
	if r.Context().Err() != nil {
		return
	}
	if err != nil {
		s.writeError(w, err, "Failed to grant credit")
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	c := s.requireUser(w, r)
	if c == nil {
		return
	}
	var body struct {
		Plan string `json:"plan"`
	}
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, "plan is required")
		return
	}
	if s.purchases == nil {
		s.writeError(w, errors.Wrap(engine.ErrPurchaseInitiationFailed, "purchases disabled"), "Could not start the purchase")
		return
	}
	redirect, err := s.purchases.CreateOrder(r.Context(), engine.Plan(body.Plan), rawToken(r), c.UserID)
	if err != nil {
		s.writeError(w, err, "Could not start the purchase")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect_url": redirect})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.provider.Configured() || s.issuer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "auth_unavailable", Message: "Sign-in is not configured."})
		return
	}
	state := identity.NewState(w, s.cfg.SecureCookies)
	http.Redirect(w, r, s.provider.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.provider.Configured() || s.issuer == nil || s.accounts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "auth_unavailable", Message: "Sign-in is not configured."})
		return
	}
	if !identity.CheckState(w, r) {
		s.writeError(w, errors.Wrap(engine.ErrAuthFailed, "state mismatch"), "Sign-in failed")
		return
	}
	user, err := s.provider.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.logger.Warn("oauth exchange failed", zap.Error(err))
		s.writeError(w, err, "Sign-in failed")
		return
	}
	if _, err := s.accounts.EnsureUser(r.Context(), user.ID, user.Name, user.Email); err != nil {
		s.writeError(w, err, "Failed to sync user data")
		return
	}
	token, err := s.issuer.Issue(user)
	if err != nil {
		s.writeError(w, err, "Sign-in failed")
		return
	}
	identity.SetTokenCookie(w, token, int(s.issuer.TTL().Seconds()), s.cfg.SecureCookies)
	s.logger.Info("user signed in", zap.String("uid", user.ID))
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity.ClearTokenCookie(w)
	if ck, err := r.Cookie(sessionCookie); err == nil {
		if c, ok := s.sessions.Get(ck.Value); ok {
			s.sessions.Bind(ck.Value, "")
			c.SignOut()
		}
	}
	writeJSON(w, http.StatusOK, engine.Guest())
}

func rawToken(r *http.Request) string {
	if c, err := r.Cookie(identity.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
