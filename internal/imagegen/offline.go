package imagegen

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

// OfflineScheme prefixes refs produced by the offline renderer.
const OfflineScheme = "offline://"

// Offline is a deterministic renderer for demos and tests. The same inputs
// always give the same ref, derived with HMAC-SHA256 over a seed.
type Offline struct {
	key   []byte
	delay time.Duration

	mu    sync.Mutex
	fail  map[string]int
	calls map[string]int
}

// NewOffline returns an offline renderer keyed by seed.
func NewOffline(seed string) *Offline {
	return &Offline{key: []byte(seed), fail: map[string]int{}, calls: map[string]int{}}
}

// WithDelay simulates generation latency.
func (o *Offline) WithDelay(d time.Duration) *Offline {
	o.delay = d
	return o
}

// FailNext makes the next n calls of kind ("tryon", "pose", "model") fail.
func (o *Offline) FailNext(kind string, n int) {
	o.mu.Lock()
	o.fail[kind] += n
	o.mu.Unlock()
}

// Calls reports how many renders of kind were attempted.
func (o *Offline) Calls(kind string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[kind]
}

// Name identifies the renderer.
func (o *Offline) Name() string { return "offline" }

func (o *Offline) TryOn(ctx context.Context, baseRef string, garment engine.WardrobeItem) (string, error) {
	return o.render(ctx, "tryon", baseRef, garment.ID, garment.ImageRef)
}

func (o *Offline) Pose(ctx context.Context, baseRef string, pose engine.Pose) (string, error) {
	return o.render(ctx, "pose", baseRef, string(pose))
}

func (o *Offline) Model(ctx context.Context, photoRef string) (string, error) {
	return o.render(ctx, "model", photoRef)
}

func (o *Offline) render(ctx context.Context, kind string, parts ...string) (string, error) {
	o.mu.Lock()
	o.calls[kind]++
	failing := o.fail[kind] > 0
	if failing {
		o.fail[kind]--
	}
	o.mu.Unlock()

	if o.delay > 0 {
		t := time.NewTimer(o.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", generationFailed(ctx.Err(), kind)
		case <-t.C:
		}
	}
	if failing {
		return "", generationFailed(errors.New("injected failure"), kind)
	}
	return OfflineScheme + kind + "/" + o.derive(kind, parts...), nil
}

// derive mixes the inputs into a stable 16 byte hex label.
func (o *Offline) derive(kind string, parts ...string) string {
	m := hmac.New(sha256.New, o.key)
	_, _ = m.Write([]byte(kind))
	for _, p := range parts {
		_, _ = m.Write([]byte("|"))
		_, _ = m.Write([]byte(p))
	}
	return hex.EncodeToString(m.Sum(nil)[:16])
}
