package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// TryOnFunc renders garment onto the image at baseRef.
type TryOnFunc func(ctx context.Context, baseRef string, garment WardrobeItem) (string, error)

// PoseFunc re-renders the image at baseRef in pose.
type PoseFunc func(ctx context.Context, baseRef string, pose Pose) (string, error)

// ModelFunc turns a user photo into a model image.
type ModelFunc func(ctx context.Context, photoRef string) (string, error)

// Session holds the outfit history and cursor of one user session.
//
// At most one render is in flight at a time. Remote calls run without the
// lock held; every dispatch records the session epoch and its result is
// dropped if Reset ran in the meantime.
type Session struct {
	mu         sync.Mutex
	wardrobe   *Wardrobe
	modelRef   string
	shareable  bool
	history    []*OutfitLayer
	cursor     Cursor
	transition *PoseTransition

	flight     uint64 // id of the in-flight render, 0 when idle
	lastFlight uint64
	epoch      uint64
}

type ticket struct {
	flight uint64
	epoch  uint64
}

// NewSession creates an empty session bound to a wardrobe.
func NewSession(w *Wardrobe) *Session {
	if w == nil {
		w = NewWardrobe(DefaultWardrobe())
	}
	return &Session{wardrobe: w}
}

// Wardrobe returns the wardrobe the session registers garments in.
func (s *Session) Wardrobe() *Wardrobe { return s.wardrobe }

// begin claims the single in-flight slot. Caller holds s.mu.
func (s *Session) begin() (ticket, error) {
	if s.flight != 0 {
		return ticket{}, ErrBusy
	}
	s.lastFlight++
	s.flight = s.lastFlight
	return ticket{flight: s.flight, epoch: s.epoch}, nil
}

// end releases the slot if t still owns it. Caller must not hold s.mu.
func (s *Session) end(t ticket) {
	s.mu.Lock()
	if s.flight == t.flight {
		s.flight = 0
	}
	s.mu.Unlock()
}

func (s *Session) staleLocked(t ticket) bool { return s.epoch != t.epoch }

// FinalizeModel starts a fresh history whose base layer is modelRef.
func (s *Session) FinalizeModel(modelRef string, shareable bool) error {
	if modelRef == "" {
		return ErrNoModel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flight != 0 {
		return ErrBusy
	}
	s.finalizeLocked(modelRef, shareable)
	return nil
}

func (s *Session) finalizeLocked(modelRef string, shareable bool) {
	s.modelRef = modelRef
	s.shareable = shareable
	s.history = []*OutfitLayer{newLayer(nil, DefaultPose(), modelRef)}
	s.cursor = Cursor{}
	s.transition = nil
}

// GenerateModel renders a model from a user photo and finalizes it. Models
// built from uploads are not shareable.
func (s *Session) GenerateModel(ctx context.Context, photoRef string, render ModelFunc) error {
	if photoRef == "" {
		return ErrNoModel
	}
	s.mu.Lock()
	t, err := s.begin()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer s.end(t)

	ref, err := render(ctx, photoRef)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(t) {
		return ErrStaleResult
	}
	s.finalizeLocked(ref, false)
	return nil
}

// ApplyGarment layers garment on top of the displayed image.
//
// If the layer right after the cursor already wears the same garment the
// cursor just moves forward and no render is issued. Otherwise the forward
// history is replaced by a single new layer. On failure history and cursor
// are left untouched.
func (s *Session) ApplyGarment(ctx context.Context, garment *WardrobeItem, render TryOnFunc) error {
	if garment == nil {
		return ErrUnknownGarment
	}
	s.mu.Lock()
	if len(s.history) == 0 {
		s.mu.Unlock()
		return ErrNoModel
	}
	t, err := s.begin()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next := s.cursor.Layer + 1
	if next < len(s.history) && s.history[next].GarmentID() == garment.ID {
		s.cursor = Cursor{Layer: next, Pose: DefaultPoseIndex}
		s.transition = nil
		s.flight = 0
		s.mu.Unlock()
		return nil
	}
	base := s.displayLocked()
	layer := s.cursor.Layer
	s.mu.Unlock()
	defer s.end(t)

	ref, err := render(ctx, base, *garment)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(t) {
		return ErrStaleResult
	}
	stored, _ := s.wardrobe.Add(*garment)
	kept := s.history[: layer+1 : layer+1]
	s.history = append(kept, newLayer(stored, DefaultPose(), ref))
	s.cursor = Cursor{Layer: layer + 1, Pose: DefaultPoseIndex}
	s.transition = nil
	return nil
}

// RemoveLastGarment steps the cursor back one layer. History is kept so the
// garment can be re-applied without a render.
func (s *Session) RemoveLastGarment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor.Layer == 0 {
		return false
	}
	s.cursor = Cursor{Layer: s.cursor.Layer - 1, Pose: DefaultPoseIndex}
	s.transition = nil
	return true
}

type poseConfig struct {
	force bool
	layer *int
}

// PoseOption tunes SelectPose.
type PoseOption func(*poseConfig)

// WithForce renders even when the pose is already selected.
func WithForce() PoseOption { return func(c *poseConfig) { c.force = true } }

// OnLayer targets a layer other than the cursor's.
func OnLayer(i int) PoseOption { return func(c *poseConfig) { c.layer = &i } }

// SelectPose shows the target layer in Poses[idx].
//
// A cached pose moves the cursor at once. Otherwise the cursor moves to the
// new pose before the render (PosePending) and is committed on success or
// rolled back on failure.
func (s *Session) SelectPose(ctx context.Context, idx int, render PoseFunc, opts ...PoseOption) error {
	cfg := poseConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	pose, ok := PoseAt(idx)
	if !ok {
		return errors.Wrapf(ErrInvalidPose, "index %d", idx)
	}

	s.mu.Lock()
	if len(s.history) == 0 {
		s.mu.Unlock()
		return ErrNoModel
	}
	if s.flight != 0 {
		s.mu.Unlock()
		return ErrBusy
	}
	target := s.cursor.Layer
	if cfg.layer != nil {
		target = *cfg.layer
	}
	if target < 0 || target >= len(s.history) {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidPose, "layer %d", target)
	}
	if !cfg.force && target == s.cursor.Layer && idx == s.cursor.Pose {
		s.mu.Unlock()
		return nil
	}
	layer := s.history[target]
	if _, ok := layer.Image(pose); ok {
		s.cursor = Cursor{Layer: target, Pose: idx}
		s.mu.Unlock()
		return nil
	}
	base := layer.FirstImage()
	t, _ := s.begin()
	prev := s.cursor
	pending := Cursor{Layer: target, Pose: idx}
	s.cursor = pending
	tr := &PoseTransition{Layer: target, From: prev.Pose, To: idx, Phase: PosePending}
	s.transition = tr
	s.mu.Unlock()
	defer s.end(t)

	ref, err := render(ctx, base, pose)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(t) {
		return ErrStaleResult
	}
	if err != nil {
		if s.cursor == pending {
			s.cursor = prev
		}
		tr.Phase = PoseRolledBack
		return err
	}
	layer.put(pose, ref)
	tr.Phase = PoseCommitted
	return nil
}

// Reset is "start over": history, model and custom garments are dropped and
// any in-flight result becomes stale.
func (s *Session) Reset() { s.reset(true) }

// reset clears history and cursor. Custom garments survive unless
// dropCustom is set.
func (s *Session) reset(dropCustom bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.flight = 0
	s.modelRef = ""
	s.shareable = false
	s.history = nil
	s.cursor = Cursor{}
	s.transition = nil
	if dropCustom {
		s.wardrobe.Reset()
	}
}

func (s *Session) displayLocked() string {
	if len(s.history) == 0 {
		return s.modelRef
	}
	l := s.history[s.cursor.Layer]
	if pose, ok := PoseAt(s.cursor.Pose); ok {
		if ref, ok := l.Image(pose); ok {
			return ref
		}
	}
	return l.FirstImage()
}

// DisplayImage is the image selected by the cursor.
func (s *Session) DisplayImage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayLocked()
}

// Cursor returns the current cursor.
func (s *Session) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Transition returns the latest rendered pose change, if any.
func (s *Session) Transition() (PoseTransition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transition == nil {
		return PoseTransition{}, false
	}
	return *s.transition, true
}

// Generating reports whether a render is in flight.
func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flight != 0
}

// Epoch changes on every Reset.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Len is the number of layers in history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Layers returns the whole history, including layers past the cursor.
func (s *Session) Layers() []*OutfitLayer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*OutfitLayer(nil), s.history...)
}

// LayerView is a read-only copy of one outfit layer.
type LayerView struct {
	Garment    *WardrobeItem   `json:"garment"`
	PoseImages map[Pose]string `json:"poseImages"`
	Active     bool            `json:"active"`
}

// Views copies the history for display. Renders committed later are not
// reflected in the copy.
func (s *Session) Views() []LayerView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LayerView, 0, len(s.history))
	for i, l := range s.history {
		out = append(out, LayerView{Garment: l.Garment, PoseImages: l.PoseImages(), Active: i <= s.cursor.Layer})
	}
	return out
}

// ActiveLayers returns history up to and including the cursor layer.
func (s *Session) ActiveLayers() []*OutfitLayer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil
	}
	return append([]*OutfitLayer(nil), s.history[:s.cursor.Layer+1]...)
}

// ActiveGarmentIDs lists the garments worn at the cursor, bottom first.
func (s *Session) ActiveGarmentIDs() []string {
	ids := []string{}
	for _, l := range s.ActiveLayers() {
		if l.Garment != nil {
			ids = append(ids, l.Garment.ID)
		}
	}
	return ids
}

// AvailablePoses lists the cached poses of the cursor layer.
func (s *Session) AvailablePoses() []Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil
	}
	return s.history[s.cursor.Layer].RenderedPoses()
}

// References reports whether any layer in history wears garment id.
func (s *Session) References(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.history {
		if l.GarmentID() == id {
			return true
		}
	}
	return false
}

// ModelRef is the base model image, empty before a model is finalized.
func (s *Session) ModelRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelRef
}

// Shareable reports whether the current look may be shared.
func (s *Session) Shareable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shareable
}
