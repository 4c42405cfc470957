package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DaanHessen/fitcheck/internal/share"
)

// ReplayState is the state of the share replay driver.
type ReplayState string

const (
	ReplayIdle       ReplayState = "idle"
	ReplayRecreating ReplayState = "recreating"
	ReplayReady      ReplayState = "ready"
	ReplayFailed     ReplayState = "failed"
)

// DefaultReplayResetDelay is how long a failed replay stays visible before
// the session is reset.
const DefaultReplayResetDelay = 4 * time.Second

// ReplayDriver rebuilds a shared look by re-rendering it garment by garment.
type ReplayDriver struct {
	session  *Session
	tryOn    TryOnFunc
	pose     PoseFunc
	elevate  func() (restore func())
	logger   *zap.Logger
	delay    time.Duration
	schedule func(time.Duration, func())

	mu      sync.Mutex
	state   ReplayState
	lastErr error
	skipped []string
}

// NewReplayDriver wires a driver to a session and its render path. elevate
// grants a temporary entitlement for the duration of a replay and returns
// the function that revokes it; nil means no elevation.
func NewReplayDriver(s *Session, tryOn TryOnFunc, pose PoseFunc, elevate func() func(), logger *zap.Logger) *ReplayDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if elevate == nil {
		elevate = func() func() { return func() {} }
	}
	return &ReplayDriver{
		session:  s,
		tryOn:    tryOn,
		pose:     pose,
		elevate:  elevate,
		logger:   logger,
		delay:    DefaultReplayResetDelay,
		schedule: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		state:    ReplayIdle,
	}
}

// State returns the current state.
func (d *ReplayDriver) State() ReplayState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err is the error of the last failed replay.
func (d *ReplayDriver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Skipped lists garment ids of the last replay that the wardrobe could not
// resolve.
func (d *ReplayDriver) Skipped() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.skipped...)
}

// RunEncoded decodes a share token and replays it.
func (d *ReplayDriver) RunEncoded(ctx context.Context, token string) error {
	if !d.enter() {
		return ErrBusy
	}
	tok, err := share.Decode(token)
	if err != nil {
		return d.fail(err)
	}
	return d.finish(d.recreate(ctx, tok))
}

// Run replays a decoded token.
func (d *ReplayDriver) Run(ctx context.Context, tok share.Token) error {
	if !d.enter() {
		return ErrBusy
	}
	return d.finish(d.recreate(ctx, tok))
}

func (d *ReplayDriver) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == ReplayRecreating {
		return false
	}
	d.state = ReplayRecreating
	d.lastErr = nil
	d.skipped = nil
	return true
}

func (d *ReplayDriver) finish(err error) error {
	if err != nil {
		return d.fail(err)
	}
	d.mu.Lock()
	d.state = ReplayReady
	d.mu.Unlock()
	return nil
}

// fail enters ReplayFailed and schedules the reset. The reset is skipped if
// the session was reset by someone else in the meantime.
func (d *ReplayDriver) fail(err error) error {
	d.logger.Warn("share replay failed", zap.Error(err))
	epoch := d.session.Epoch()
	d.mu.Lock()
	d.state = ReplayFailed
	d.lastErr = err
	d.mu.Unlock()
	d.schedule(d.delay, func() {
		if d.session.Epoch() == epoch {
			d.session.Reset()
		}
		d.mu.Lock()
		if d.state == ReplayFailed {
			d.state = ReplayIdle
		}
		d.mu.Unlock()
	})
	return err
}

func (d *ReplayDriver) recreate(ctx context.Context, tok share.Token) error {
	if _, ok := PoseAt(tok.PoseIndex); !ok {
		return errors.Wrapf(ErrMalformedShareData, "pose index %d", tok.PoseIndex)
	}
	restore := d.elevate()
	defer restore()

	// garments are resolved against the wardrobe as it stands at decode time
	d.session.reset(false)
	if err := d.session.FinalizeModel(tok.ModelImageRef, true); err != nil {
		return err
	}
	wardrobe := d.session.Wardrobe()
	for _, id := range tok.GarmentIDs {
		item, ok := wardrobe.Lookup(id)
		if !ok {
			d.logger.Info("share replay skipping unknown garment", zap.String("garment", id))
			d.mu.Lock()
			d.skipped = append(d.skipped, id)
			d.mu.Unlock()
			continue
		}
		if err := d.session.ApplyGarment(ctx, item, d.tryOn); err != nil {
			return errors.Wrapf(err, "replay garment %q", id)
		}
	}
	if tok.PoseIndex != DefaultPoseIndex {
		last := d.session.Len() - 1
		if err := d.session.SelectPose(ctx, tok.PoseIndex, d.pose, WithForce(), OnLayer(last)); err != nil {
			return errors.Wrap(err, "replay pose")
		}
	}
	return nil
}
