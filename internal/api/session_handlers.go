package api

import (
	"context"
	errs "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DaanHessen/fitcheck/internal/engine"
	"github.com/DaanHessen/fitcheck/internal/share"
	"github.com/DaanHessen/fitcheck/internal/store"
)

type sessionHandler func(w http.ResponseWriter, r *http.Request, c *engine.Controller)

// withSession resolves the caller's session, creating one when the cookie is
// missing or expired, and syncs its entitlement before calling h.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, c := s.session(w, r)
		s.syncEntitlement(r.Context(), r, id, c)
		h(w, r, c)
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (string, *engine.Controller) {
	if ck, err := r.Cookie(sessionCookie); err == nil && ck.Value != "" {
		if c, ok := s.sessions.Get(ck.Value); ok {
			return ck.Value, c
		}
	}
	return s.newSession(w)
}

func (s *Server) newSession(w http.ResponseWriter) (string, *engine.Controller) {
	id, c := s.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cfg.SecureCookies,
	})
	return id, c
}

// syncEntitlement installs the stored entitlement of the signed-in caller,
// or the guest entitlement when signed out.
func (s *Server) syncEntitlement(ctx context.Context, r *http.Request, id string, c *engine.Controller) {
	claims := claimsOf(r)
	if claims == nil || s.accounts == nil {
		if c.Entitlement().Authenticated {
			c.SetEntitlement(engine.Guest())
		}
		s.sessions.Bind(id, "")
		return
	}
	ent, err := s.loadEntitlement(ctx, claims.UserID, claims.Name, claims.Email)
	if err != nil {
		s.logger.Warn("load entitlement failed", zap.String("uid", claims.UserID), zap.Error(err))
		return
	}
	c.SetEntitlement(ent)
	s.sessions.Bind(id, claims.UserID)
}

func (s *Server) loadEntitlement(ctx context.Context, uid, name, email string) (engine.Entitlement, error) {
	ent, err := s.accounts.Entitlement(ctx, uid)
	if errs.Is(err, store.ErrUserNotFound) {
		return s.accounts.EnsureUser(ctx, uid, name, email)
	}
	return ent, err
}

func (s *Server) respond(w http.ResponseWriter, c *engine.Controller, status int, err error, action string) {
	if err != nil {
		s.writeError(w, err, action)
		return
	}
	writeJSON(w, status, c.Snapshot())
}

// handleNewSession starts a fresh session, replaying ?share= when present.
func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	id, c := s.newSession(w)
	s.syncEntitlement(r.Context(), r, id, c)
	token := strings.TrimSpace(r.URL.Query().Get(share.QueryParam))
	if token == "" {
		writeJSON(w, http.StatusCreated, c.Snapshot())
		return
	}
	s.respond(w, c, http.StatusCreated, c.Replay(r.Context(), token), "Could not recreate the shared look")
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	c.StartOver()
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	c.DismissNotice()
	c.ClearRoute()
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	var body struct {
		Photo string `json:"photo"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Photo == "" {
		badRequest(w, "photo is required")
		return
	}
	s.respond(w, c, http.StatusOK, c.CreateModel(r.Context(), body.Photo), "Failed to create model")
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	var body struct {
		URL string `json:"url"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			badRequest(w, "invalid body")
			return
		}
	}
	s.respond(w, c, http.StatusOK, c.SelectSample(body.URL), "Failed to use model")
}

type garmentBody struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) handleApplyGarment(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	var body garmentBody
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, "invalid body")
		return
	}
	var err error
	switch {
	case body.URL != "":
		err = c.ApplyCustomGarment(r.Context(), engine.WardrobeItem{ID: body.ID, Name: body.Name, ImageRef: body.URL})
	case body.ID != "":
		err = c.ApplyGarment(r.Context(), body.ID)
	default:
		badRequest(w, "id or url is required")
		return
	}
	s.respond(w, c, http.StatusOK, err, "Failed to apply garment")
}

func (s *Server) handleRemoveLast(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	c.RemoveLastGarment()
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handlePose(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	var body struct {
		Index *int `json:"index"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Index == nil {
		badRequest(w, "index is required")
		return
	}
	s.respond(w, c, http.StatusOK, c.SelectPose(r.Context(), *body.Index), "Failed to change pose")
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	token, err := c.Share()
	if err != nil {
		s.writeError(w, err, "Could not create share link")
		return
	}
	link := strings.TrimRight(s.cfg.PublicURL, "/") + "/?" + share.QueryParam + "=" + token
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "url": link})
}

func (s *Server) handleWardrobe(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	items := []engine.WardrobeItem{}
	for _, it := range c.Wardrobe().Items() {
		items = append(items, *it)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddWardrobe(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	var body garmentBody
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, "invalid body")
		return
	}
	in := engine.WardrobeItem{ID: body.ID, Name: body.Name, ImageRef: body.URL}
	if _, ok, reason := engine.ValidateCustomGarment(in); !ok {
		badRequest(w, reason)
		return
	}
	item, err := c.AddGarment(in)
	if err != nil {
		s.writeError(w, err, "Failed to add garment")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleDeleteWardrobe(w http.ResponseWriter, r *http.Request, c *engine.Controller) {
	id := chi.URLParam(r, "id")
	if err := c.RemoveWardrobeItem(id); err != nil {
		s.writeError(w, err, "Failed to delete garment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
