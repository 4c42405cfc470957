package engine

import (
	"context"
	errs "errors"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DaanHessen/fitcheck/internal/share"
)

// Sample images offered on the start screen.
const (
	SampleModelURL = "https://storage.googleapis.com/gemini-95-icons/asr-tryon-model.png"
	SampleUserURL  = "https://storage.googleapis.com/gemini-95-icons/asr-tryon.jpg"
)

// Renderer is the generation service. Failures wrap ErrGenerationFailed.
type Renderer interface {
	TryOn(ctx context.Context, baseRef string, garment WardrobeItem) (string, error)
	Pose(ctx context.Context, baseRef string, pose Pose) (string, error)
	Model(ctx context.Context, photoRef string) (string, error)
}

// Route is where the view should send the user after a blocked call.
type Route string

const (
	RouteNone        Route = ""
	RouteSignIn      Route = "sign_in"
	RouteEarnCredits Route = "earn_credits"
)

// Controller owns one session and dispatches user actions through the
// credit gate to the renderer.
type Controller struct {
	session    *Session
	gate       *Gate
	renderer   Renderer
	replay     *ReplayDriver
	logger     *zap.Logger
	onDecision func(Decision)

	mu       sync.Mutex
	ent      Entitlement
	elevated int
	route    Route
	notice   string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithDecisionHook observes every gate decision.
func WithDecisionHook(f func(Decision)) Option { return func(c *Controller) { c.onDecision = f } }

// WithWardrobe seeds the session wardrobe.
func WithWardrobe(items []WardrobeItem) Option {
	return func(c *Controller) { c.session = NewSession(NewWardrobe(items)) }
}

// WithReplayTiming overrides the failed-replay reset delay and scheduler.
func WithReplayTiming(delay time.Duration, schedule func(time.Duration, func())) Option {
	return func(c *Controller) {
		c.replay.delay = delay
		if schedule != nil {
			c.replay.schedule = schedule
		}
	}
}

// NewController builds a controller for a fresh guest session.
func NewController(renderer Renderer, ledger Ledger, opts ...Option) *Controller {
	c := &Controller{
		session:  NewSession(NewWardrobe(DefaultWardrobe())),
		renderer: renderer,
		logger:   zap.NewNop(),
		ent:      Guest(),
	}
	c.replay = NewReplayDriver(c.session, c.tryOn, c.pose, c.elevate, c.logger)
	for _, o := range opts {
		o(c)
	}
	c.gate = NewGate(ledger, c.logger)
	c.replay.session = c.session
	c.replay.logger = c.logger
	return c
}

// Session exposes the underlying session.
func (c *Controller) Session() *Session { return c.session }

// Wardrobe exposes the session wardrobe.
func (c *Controller) Wardrobe() *Wardrobe { return c.session.Wardrobe() }

// ReplayDriver exposes the replay driver.
func (c *Controller) ReplayDriver() *ReplayDriver { return c.replay }

// SetEntitlement installs the latest entitlement, e.g. from a store push.
func (c *Controller) SetEntitlement(e Entitlement) {
	if e.Credits < 0 {
		e.Credits = 0
	}
	if e.Plan == "" {
		e.Plan = PlanFree
	}
	c.mu.Lock()
	c.ent = e
	if e.Authenticated && c.route == RouteSignIn {
		c.route = RouteNone
	}
	c.mu.Unlock()
}

// Entitlement returns the current entitlement.
func (c *Controller) Entitlement() Entitlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ent
}

// Follow applies pushed entitlements until ctx ends or updates closes.
func (c *Controller) Follow(ctx context.Context, updates <-chan Entitlement) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-updates:
			if !ok {
				return
			}
			c.SetEntitlement(e)
		}
	}
}

// SignOut drops the entitlement and starts over.
func (c *Controller) SignOut() {
	c.SetEntitlement(Guest())
	c.StartOver()
}

func (c *Controller) elevate() func() {
	c.mu.Lock()
	c.elevated++
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.elevated--
			c.mu.Unlock()
		})
	}
}

func (c *Controller) effective() Entitlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ent
	if c.elevated > 0 {
		e.Plan = PlanPremium
	}
	return e
}

// authorize runs the gate right before a render is dispatched.
func (c *Controller) authorize(ctx context.Context, description string) error {
	d := c.gate.Evaluate(ctx, c.effective(), description)
	if c.onDecision != nil {
		c.onDecision(d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !d.Allowed {
		if d.Reason == ReasonSignInRequired {
			c.route = RouteSignIn
		} else {
			c.route = RouteEarnCredits
		}
		return &BlockedError{Decision: d}
	}
	if d.Charged && c.ent.Credits > 0 {
		c.ent.Credits--
	}
	return nil
}

func (c *Controller) tryOn(ctx context.Context, base string, g WardrobeItem) (string, error) {
	if err := c.authorize(ctx, "Generation: "+g.Name); err != nil {
		return "", err
	}
	return c.renderer.TryOn(ctx, base, g)
}

func (c *Controller) pose(ctx context.Context, base string, p Pose) (string, error) {
	if err := c.authorize(ctx, "Pose Change"); err != nil {
		return "", err
	}
	return c.renderer.Pose(ctx, base, p)
}

func (c *Controller) model(ctx context.Context, photo string) (string, error) {
	if err := c.authorize(ctx, "Model Creation"); err != nil {
		return "", err
	}
	return c.renderer.Model(ctx, photo)
}

// fail records the user-visible message for err and returns it.
func (c *Controller) fail(err error, action string) error {
	if err == nil {
		return nil
	}
	var blocked *BlockedError
	if errs.As(err, &blocked) {
		c.logger.Info("generation blocked", zap.String("reason", string(blocked.Decision.Reason)))
	} else {
		c.logger.Warn(action, zap.Error(err))
	}
	c.setNotice(FriendlyMessage(err, action))
	return err
}

func (c *Controller) setNotice(msg string) {
	c.mu.Lock()
	c.notice = msg
	c.mu.Unlock()
}

func (c *Controller) clearNotice() { c.setNotice("") }

// CreateModel renders a personal model from an uploaded photo.
func (c *Controller) CreateModel(ctx context.Context, photoRef string) error {
	c.clearNotice()
	return c.fail(c.session.GenerateModel(ctx, photoRef, c.model), "Failed to create model")
}

// UseModel finalizes an already rendered model image.
func (c *Controller) UseModel(ref string, shareable bool) error {
	c.clearNotice()
	return c.fail(c.session.FinalizeModel(ref, shareable), "Failed to use model")
}

// SelectSample starts from the built-in sample model, which is shareable.
func (c *Controller) SelectSample(ref string) error {
	if ref == "" {
		ref = SampleModelURL
	}
	return c.UseModel(ref, true)
}

// ApplyGarment applies a wardrobe garment by id.
func (c *Controller) ApplyGarment(ctx context.Context, id string) error {
	c.clearNotice()
	item, ok := c.session.Wardrobe().Lookup(id)
	if !ok {
		return c.fail(errors.Wrapf(ErrUnknownGarment, "garment %q", id), "Failed to apply garment")
	}
	return c.fail(c.session.ApplyGarment(ctx, item, c.tryOn), "Failed to apply garment")
}

// ApplyCustomGarment applies a user supplied garment; it joins the wardrobe
// once the render succeeds.
func (c *Controller) ApplyCustomGarment(ctx context.Context, item WardrobeItem) error {
	c.clearNotice()
	norm, ok, reason := ValidateCustomGarment(item)
	if !ok {
		return c.fail(errors.Wrap(ErrUnknownGarment, reason), "Failed to apply garment")
	}
	if existing, found := c.session.Wardrobe().Lookup(norm.ID); found {
		return c.fail(c.session.ApplyGarment(ctx, existing, c.tryOn), "Failed to apply garment")
	}
	return c.fail(c.session.ApplyGarment(ctx, &norm, c.tryOn), "Failed to apply garment")
}

// RemoveLastGarment steps back one layer.
func (c *Controller) RemoveLastGarment() bool {
	c.clearNotice()
	return c.session.RemoveLastGarment()
}

// SelectPose switches the displayed pose.
func (c *Controller) SelectPose(ctx context.Context, idx int) error {
	c.clearNotice()
	return c.fail(c.session.SelectPose(ctx, idx, c.pose), "Failed to change pose")
}

// Share encodes the active look.
func (c *Controller) Share() (string, error) {
	s := c.session
	if s.Len() == 0 {
		return "", c.fail(ErrNoModel, "Could not create share link")
	}
	if !s.Shareable() {
		return "", c.fail(ErrNotShareable, "Could not create share link")
	}
	tok, err := share.Encode(s.ModelRef(), s.ActiveGarmentIDs(), s.Cursor().Pose)
	if err != nil {
		return "", c.fail(err, "Could not create share link")
	}
	return tok, nil
}

// Replay rebuilds a shared look from its token.
func (c *Controller) Replay(ctx context.Context, token string) error {
	c.clearNotice()
	return c.fail(c.replay.RunEncoded(ctx, token), "Could not recreate the shared look")
}

// AddGarment registers a custom garment without applying it.
func (c *Controller) AddGarment(item WardrobeItem) (*WardrobeItem, error) {
	norm, ok, reason := ValidateCustomGarment(item)
	if !ok {
		return nil, c.fail(errors.Wrap(ErrUnknownGarment, reason), "Failed to add garment")
	}
	stored, _ := c.session.Wardrobe().Add(norm)
	return stored, nil
}

// RemoveWardrobeItem deletes a custom garment that no layer references.
func (c *Controller) RemoveWardrobeItem(id string) error {
	c.clearNotice()
	return c.fail(c.session.Wardrobe().Remove(id, c.session.References), "Failed to delete garment")
}

// StartOver resets the session.
func (c *Controller) StartOver() {
	c.session.Reset()
	c.mu.Lock()
	c.notice = ""
	c.route = RouteNone
	c.mu.Unlock()
}

// Notice is the message to show the user, empty when there is none.
func (c *Controller) Notice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notice
}

// SetNotice shows an informational message.
func (c *Controller) SetNotice(msg string) { c.setNotice(msg) }

// DismissNotice clears the message.
func (c *Controller) DismissNotice() { c.clearNotice() }

// Route returns where a blocked call sent the user.
func (c *Controller) Route() Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.route
}

// ClearRoute is called once the view has handled the route.
func (c *Controller) ClearRoute() {
	c.mu.Lock()
	c.route = RouteNone
	c.mu.Unlock()
}

// Snapshot is everything a view needs to render the session.
type Snapshot struct {
	ModelImage       string          `json:"modelImage"`
	DisplayImage     string          `json:"displayImage"`
	Cursor           Cursor          `json:"cursor"`
	Layers           []LayerView     `json:"layers"`
	ActiveGarmentIDs []string        `json:"activeGarmentIds"`
	AvailablePoses   []Pose          `json:"availablePoses"`
	Poses            []Pose          `json:"poses"`
	Generating       bool            `json:"generating"`
	Shareable        bool            `json:"shareable"`
	Transition       *PoseTransition `json:"transition,omitempty"`
	Replay           ReplayState     `json:"replay"`
	Wardrobe         []WardrobeItem  `json:"wardrobe"`
	Entitlement      Entitlement     `json:"user"`
	Route            Route           `json:"route,omitempty"`
	Notice           string          `json:"notice,omitempty"`
}

// Snapshot captures the session for rendering.
func (c *Controller) Snapshot() Snapshot {
	s := c.session
	cur := s.Cursor()
	snap := Snapshot{
		ModelImage:       s.ModelRef(),
		DisplayImage:     s.DisplayImage(),
		Cursor:           cur,
		ActiveGarmentIDs: s.ActiveGarmentIDs(),
		AvailablePoses:   s.AvailablePoses(),
		Poses:            append([]Pose(nil), Poses...),
		Generating:       s.Generating(),
		Shareable:        s.Shareable(),
		Layers:           s.Views(),
		Replay:           c.replay.State(),
	}
	if tr, ok := s.Transition(); ok {
		snap.Transition = &tr
	}
	for _, it := range s.Wardrobe().Items() {
		snap.Wardrobe = append(snap.Wardrobe, *it)
	}
	c.mu.Lock()
	snap.Entitlement = c.ent
	snap.Route = c.route
	snap.Notice = c.notice
	c.mu.Unlock()
	return snap
}
