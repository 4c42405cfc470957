package engine

import (
	errs "errors"
	"fmt"

	"github.com/DaanHessen/fitcheck/internal/share"
)

// Error taxonomy. Every condition is recoverable locally; only a malformed
// share token during replay ends in a session reset.
var (
	ErrGenerationFailed         = errs.New("generation failed")
	ErrAuthFailed               = errs.New("authentication failed")
	ErrSignInRequired           = errs.New("sign-in required")
	ErrInsufficientCredits      = errs.New("insufficient credits")
	ErrPurchaseInitiationFailed = errs.New("purchase initiation failed")
	ErrMalformedShareData       = share.ErrMalformed
	ErrWardrobeItemInUse        = errs.New("wardrobe item in use")
	ErrBuiltinGarment           = errs.New("built-in garment cannot be removed")
	ErrUnknownGarment           = errs.New("unknown garment")
	ErrBusy                     = errs.New("a generation is already in progress")
	ErrStaleResult              = errs.New("session changed while generating")
	ErrNoModel                  = errs.New("no model image")
	ErrNotShareable             = errs.New("look is not shareable")
	ErrInvalidPose              = errs.New("invalid pose")
)

// BlockedError reports a gate decision that stopped a generative call.
type BlockedError struct {
	Decision Decision
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("generation blocked: %s", e.Decision.Reason)
}

func (e *BlockedError) Unwrap() error {
	if e.Decision.Reason == ReasonSignInRequired {
		return ErrSignInRequired
	}
	return ErrInsufficientCredits
}

// FriendlyMessage maps err to the message shown to the user. action names
// what was being attempted, e.g. "Failed to apply garment".
func FriendlyMessage(err error, action string) string {
	if err == nil {
		return ""
	}
	switch {
	case errs.Is(err, ErrSignInRequired):
		return "Please sign in to continue."
	case errs.Is(err, ErrInsufficientCredits):
		return "You are out of credits. Watch an ad or buy a bundle to keep styling."
	case errs.Is(err, ErrBusy):
		return "Hold on, the previous request is still running."
	case errs.Is(err, ErrStaleResult):
		return "The session was reset before the result arrived."
	case errs.Is(err, ErrWardrobeItemInUse):
		return "Cannot delete an item that is part of the current outfit history. Please 'Start Over' to delete this item."
	case errs.Is(err, ErrBuiltinGarment):
		return "Built-in garments cannot be deleted."
	case errs.Is(err, ErrMalformedShareData):
		return "This share link is invalid or corrupted."
	case errs.Is(err, ErrNotShareable):
		return "Only looks built on a sample or shared model can be shared."
	case errs.Is(err, ErrNoModel):
		return "Create or choose a model first."
	case errs.Is(err, ErrAuthFailed):
		return "Sign-in failed. Please try again."
	case errs.Is(err, ErrPurchaseInitiationFailed):
		return "Could not start the purchase. Please try again."
	}
	if action == "" {
		action = "Something went wrong"
	}
	return fmt.Sprintf("%s. %s", action, err.Error())
}
