package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
)

// fakeRenderer returns predictable refs and counts calls.
type fakeRenderer struct {
	mu       sync.Mutex
	tryOns   int
	poses    int
	models   int
	failNext error
	block    chan struct{}
}

func (f *fakeRenderer) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeRenderer) TryOn(ctx context.Context, base string, g WardrobeItem) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.tryOns++
	f.mu.Unlock()
	if err := f.next(); err != nil {
		return "", err
	}
	return base + "+" + g.ID, nil
}

func (f *fakeRenderer) Pose(ctx context.Context, base string, p Pose) (string, error) {
	f.mu.Lock()
	f.poses++
	f.mu.Unlock()
	if err := f.next(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s@%s", base, p), nil
}

func (f *fakeRenderer) Model(ctx context.Context, photo string) (string, error) {
	f.mu.Lock()
	f.models++
	f.mu.Unlock()
	if err := f.next(); err != nil {
		return "", err
	}
	return "model(" + photo + ")", nil
}

func (f *fakeRenderer) calls() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tryOns, f.poses, f.models
}

func newTestSession(t *testing.T) (*Session, *fakeRenderer) {
	t.Helper()
	s := NewSession(NewWardrobe(DefaultWardrobe()))
	if err := s.FinalizeModel("m0", true); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return s, &fakeRenderer{}
}

func garment(t *testing.T, s *Session, id string) *WardrobeItem {
	t.Helper()
	g, ok := s.Wardrobe().Lookup(id)
	if !ok {
		t.Fatalf("garment %s missing from wardrobe", id)
	}
	return g
}

func TestApplyRemoveApplyTruncatesForwardHistory(t *testing.T) {
	s, r := newTestSession(t)
	ctx := context.Background()
	for _, id := range []string{"gemini-sweat", "gemini-tee"} {
		if err := s.ApplyGarment(ctx, garment(t, s, id), r.TryOn); err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
	}
	if !s.RemoveLastGarment() {
		t.Fatalf("expected remove to step back")
	}
	if err := s.ApplyGarment(ctx, garment(t, s, "red-graphic-tee"), r.TryOn); err != nil {
		t.Fatalf("apply red tee: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 layers, got %d", s.Len())
	}
	ids := s.ActiveGarmentIDs()
	if len(ids) != 2 || ids[0] != "gemini-sweat" || ids[1] != "red-graphic-tee" {
		t.Fatalf("unexpected active garments %v", ids)
	}
	if c := s.Cursor(); c.Layer != 2 || c.Pose != 0 {
		t.Fatalf("unexpected cursor %+v", c)
	}
	if got := s.DisplayImage(); got != "m0+gemini-sweat+red-graphic-tee" {
		t.Fatalf("unexpected display image %q", got)
	}
}

func TestRedoReusesLayerWithoutRender(t *testing.T) {
	s, r := newTestSession(t)
	ctx := context.Background()
	g := garment(t, s, "gemini-sweat")
	if err := s.ApplyGarment(ctx, g, r.TryOn); err != nil {
		t.Fatalf("apply: %v", err)
	}
	s.RemoveLastGarment()
	if err := s.ApplyGarment(ctx, g, r.TryOn); err != nil {
		t.Fatalf("redo: %v", err)
	}
	if tryOns, _, _ := r.calls(); tryOns != 1 {
		t.Fatalf("expected a single render, got %d", tryOns)
	}
	if s.Cursor().Layer != 1 || s.Len() != 2 {
		t.Fatalf("redo should advance onto the existing layer")
	}
	if s.Generating() {
		t.Fatalf("redo must not leave a render in flight")
	}
}

func TestRemoveAtBaseIsNoop(t *testing.T) {
	s, _ := newTestSession(t)
	if s.RemoveLastGarment() {
		t.Fatalf("remove at base layer should be a no-op")
	}
}

func TestApplyFailureLeavesHistory(t *testing.T) {
	s, r := newTestSession(t)
	r.failNext = ErrGenerationFailed
	err := s.ApplyGarment(context.Background(), garment(t, s, "gemini-tee"), r.TryOn)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected generation failure, got %v", err)
	}
	if s.Len() != 1 || s.Cursor().Layer != 0 || s.Generating() {
		t.Fatalf("failed apply must not mutate history")
	}
}

func TestSelectPoseCachesRenders(t *testing.T) {
	s, r := newTestSession(t)
	ctx := context.Background()
	if err := s.SelectPose(ctx, 2, r.Pose); err != nil {
		t.Fatalf("pose: %v", err)
	}
	if err := s.SelectPose(ctx, 0, r.Pose); err != nil {
		t.Fatalf("back to default: %v", err)
	}
	if err := s.SelectPose(ctx, 2, r.Pose); err != nil {
		t.Fatalf("cached pose: %v", err)
	}
	if _, poses, _ := r.calls(); poses != 1 {
		t.Fatalf("expected one pose render, got %d", poses)
	}
	if got := s.DisplayImage(); got != fmt.Sprintf("m0@%s", Poses[2]) {
		t.Fatalf("unexpected display %q", got)
	}
	avail := s.AvailablePoses()
	if len(avail) != 2 || avail[0] != DefaultPose() || avail[1] != Poses[2] {
		t.Fatalf("unexpected available poses %v", avail)
	}
	tr, ok := s.Transition()
	if !ok || tr.Phase != PoseCommitted || tr.To != 2 {
		t.Fatalf("unexpected transition %+v", tr)
	}
}

func TestSelectPoseIsPendingDuringRender(t *testing.T) {
	s, _ := newTestSession(t)
	var during Cursor
	var tr PoseTransition
	var seen bool
	render := func(ctx context.Context, base string, p Pose) (string, error) {
		during = s.Cursor()
		tr, seen = s.Transition()
		return base + "@" + string(p), nil
	}
	if err := s.SelectPose(context.Background(), 2, render); err != nil {
		t.Fatalf("pose: %v", err)
	}
	if during != (Cursor{Layer: 0, Pose: 2}) {
		t.Fatalf("cursor should move before the render, got %+v", during)
	}
	if !seen || tr.Phase != PosePending || tr.From != 0 || tr.To != 2 {
		t.Fatalf("expected a pending transition during the render, got %+v", tr)
	}
	if after, _ := s.Transition(); after.Phase != PoseCommitted {
		t.Fatalf("expected committed after the render, got %+v", after)
	}
}

func TestSelectPoseRollsBackOnFailure(t *testing.T) {
	s, r := newTestSession(t)
	r.failNext = ErrGenerationFailed
	if err := s.SelectPose(context.Background(), 3, r.Pose); !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected failure, got %v", err)
	}
	if c := s.Cursor(); c.Pose != 0 {
		t.Fatalf("cursor should roll back, got %+v", c)
	}
	tr, ok := s.Transition()
	if !ok || tr.Phase != PoseRolledBack {
		t.Fatalf("expected rolled back transition, got %+v", tr)
	}
	if len(s.AvailablePoses()) != 1 {
		t.Fatalf("failed pose must not be cached")
	}
}

func TestSelectPoseSameIndexIsNoop(t *testing.T) {
	s, r := newTestSession(t)
	if err := s.SelectPose(context.Background(), 0, r.Pose); err != nil {
		t.Fatalf("pose: %v", err)
	}
	if _, poses, _ := r.calls(); poses != 0 {
		t.Fatalf("same pose should not render")
	}
	if err := s.SelectPose(context.Background(), len(Poses), r.Pose); !errors.Is(err, ErrInvalidPose) {
		t.Fatalf("expected invalid pose, got %v", err)
	}
}

func TestBusySessionRejectsSecondRender(t *testing.T) {
	s, r := newTestSession(t)
	r.block = make(chan struct{})
	g := garment(t, s, "gemini-tee")
	done := make(chan error, 1)
	go func() { done <- s.ApplyGarment(context.Background(), g, r.TryOn) }()
	for !s.Generating() {
		runtime.Gosched()
	}
	if err := s.SelectPose(context.Background(), 1, r.Pose); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	close(r.block)
	if err := <-done; err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func TestResetDropsInFlightResult(t *testing.T) {
	s, r := newTestSession(t)
	r.block = make(chan struct{})
	g := garment(t, s, "gemini-tee")
	done := make(chan error, 1)
	go func() { done <- s.ApplyGarment(context.Background(), g, r.TryOn) }()
	for !s.Generating() {
		runtime.Gosched()
	}
	s.Reset()
	close(r.block)
	if err := <-done; !errors.Is(err, ErrStaleResult) {
		t.Fatalf("expected stale result, got %v", err)
	}
	if s.Len() != 0 || s.Generating() {
		t.Fatalf("reset session should stay empty")
	}
}

func TestGenerateModelIsNotShareable(t *testing.T) {
	s := NewSession(nil)
	r := &fakeRenderer{}
	if err := s.GenerateModel(context.Background(), "photo", r.Model); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if s.ModelRef() != "model(photo)" || s.Shareable() {
		t.Fatalf("unexpected model state %q shareable=%v", s.ModelRef(), s.Shareable())
	}
}

func TestWardrobeRemoveRules(t *testing.T) {
	s, r := newTestSession(t)
	w := s.Wardrobe()
	if err := w.Remove("gemini-sweat", s.References); !errors.Is(err, ErrBuiltinGarment) {
		t.Fatalf("expected builtin error, got %v", err)
	}
	custom, ok, reason := ValidateCustomGarment(WardrobeItem{Name: "Red Scarf", ImageRef: "https://example.com/scarf.png"})
	if !ok {
		t.Fatalf("custom garment rejected: %s", reason)
	}
	if err := s.ApplyGarment(context.Background(), &custom, r.TryOn); err != nil {
		t.Fatalf("apply custom: %v", err)
	}
	if err := w.Remove(custom.ID, s.References); !errors.Is(err, ErrWardrobeItemInUse) {
		t.Fatalf("expected in use, got %v", err)
	}
	s.Reset()
	if _, ok := w.Lookup(custom.ID); ok {
		t.Fatalf("reset should drop custom garments")
	}
	if w.Len() != len(DefaultWardrobe()) {
		t.Fatalf("reset should restore the seed wardrobe")
	}
}
