package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

func TestObserveGeneration(t *testing.T) {
	m := New(false)
	m.ObserveGeneration("tryon", time.Second, nil)
	m.ObserveGeneration("tryon", time.Second, errors.New("boom"))
	m.ObserveGeneration("pose", time.Second, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("tryon", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("pose", "ok")))
}

func TestObserveDecision(t *testing.T) {
	m := New(false)
	m.ObserveDecision(engine.Allow(true))
	m.ObserveDecision(engine.Allow(false))
	m.ObserveDecision(engine.Block(engine.ReasonEarnCredits))
	m.ObserveDecision(engine.Block(engine.ReasonEarnCredits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("charged")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("earn_credits")))
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	m := New(false)
	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/api/wardrobe/{id}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/wardrobe/abc", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/wardrobe/{id}", "418")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "fitcheck_http_requests_total"))
}
