package imagegen

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

// Observer records the outcome of every render.
type Observer interface {
	ObserveGeneration(kind string, took time.Duration, err error)
}

// Observed decorates a renderer with logging and an Observer.
type Observed struct {
	next     engine.Renderer
	observer Observer
	logger   *zap.Logger
}

// Observe wraps next. A nil observer only logs.
func Observe(next engine.Renderer, observer Observer, logger *zap.Logger) *Observed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observed{next: next, observer: observer, logger: logger}
}

func (o *Observed) TryOn(ctx context.Context, baseRef string, garment engine.WardrobeItem) (string, error) {
	start := time.Now()
	ref, err := o.next.TryOn(ctx, baseRef, garment)
	o.record("tryon", start, err, zap.String("garment", garment.ID))
	return ref, err
}

func (o *Observed) Pose(ctx context.Context, baseRef string, pose engine.Pose) (string, error) {
	start := time.Now()
	ref, err := o.next.Pose(ctx, baseRef, pose)
	o.record("pose", start, err, zap.String("pose", string(pose)))
	return ref, err
}

func (o *Observed) Model(ctx context.Context, photoRef string) (string, error) {
	start := time.Now()
	ref, err := o.next.Model(ctx, photoRef)
	o.record("model", start, err)
	return ref, err
}

func (o *Observed) record(kind string, start time.Time, err error, fields ...zap.Field) {
	took := time.Since(start)
	if o.observer != nil {
		o.observer.ObserveGeneration(kind, took, err)
	}
	fields = append(fields, zap.String("kind", kind), zap.Duration("took", took))
	if err != nil {
		o.logger.Warn("generation failed", append(fields, zap.Error(err))...)
		return
	}
	o.logger.Info("generation done", fields...)
}
