package api

import (
	"encoding/json"
	errs "errors"
	"net/http"

	"github.com/DaanHessen/fitcheck/internal/engine"
	"github.com/DaanHessen/fitcheck/internal/store"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// statusOf maps an error to its HTTP status and machine code.
func statusOf(err error) (int, string) {
	switch {
	case errs.Is(err, engine.ErrSignInRequired):
		return http.StatusUnauthorized, string(engine.ReasonSignInRequired)
	case errs.Is(err, engine.ErrInsufficientCredits):
		return http.StatusPaymentRequired, string(engine.ReasonEarnCredits)
	case errs.Is(err, engine.ErrBusy):
		return http.StatusConflict, "busy"
	case errs.Is(err, engine.ErrStaleResult):
		return http.StatusConflict, "stale_result"
	case errs.Is(err, engine.ErrWardrobeItemInUse):
		return http.StatusConflict, "wardrobe_item_in_use"
	case errs.Is(err, engine.ErrBuiltinGarment):
		return http.StatusForbidden, "builtin_garment"
	case errs.Is(err, engine.ErrNotShareable):
		return http.StatusForbidden, "not_shareable"
	case errs.Is(err, engine.ErrUnknownGarment):
		return http.StatusNotFound, "unknown_garment"
	case errs.Is(err, engine.ErrMalformedShareData):
		return http.StatusBadRequest, "malformed_share_data"
	case errs.Is(err, engine.ErrInvalidPose):
		return http.StatusBadRequest, "invalid_pose"
	case errs.Is(err, engine.ErrNoModel):
		return http.StatusBadRequest, "no_model"
	case errs.Is(err, engine.ErrAuthFailed):
		return http.StatusUnauthorized, "auth_failed"
	case errs.Is(err, store.ErrUserNotFound):
		return http.StatusUnauthorized, "auth_failed"
	case errs.Is(err, engine.ErrGenerationFailed):
		return http.StatusBadGateway, "generation_failed"
	case errs.Is(err, engine.ErrPurchaseInitiationFailed):
		return http.StatusBadGateway, "purchase_initiation_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, err error, action string) {
	status, code := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(action, zapErr(err))
	}
	writeJSON(w, status, errorBody{Error: code, Message: engine.FriendlyMessage(err, action)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: msg})
}
