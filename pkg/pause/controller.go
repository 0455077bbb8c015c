// Package pause tracks the emergency suspension window that gates
// proposal creation, approval and execution.
package pause

import (
	"fmt"
	"time"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// Controller holds the stored pause flag and end time. Expiry is computed
// from the caller-supplied clock reading, never transitioned in the
// background. Not safe for concurrent use.
type Controller struct {
	state contracts.PauseState
}

// NewController starts from a stored state.
func NewController(state contracts.PauseState) *Controller {
	return &Controller{state: state}
}

// Status returns whether the system is effectively paused at now and the
// time remaining in the window.
func (c *Controller) Status(now time.Time) (bool, time.Duration) {
	if !c.state.EffectivelyPaused(now) {
		return false, 0
	}
	return true, c.state.EndTime.Sub(now)
}

// EffectivelyPaused reports Paused && now <= EndTime.
func (c *Controller) EffectivelyPaused(now time.Time) bool {
	return c.state.EffectivelyPaused(now)
}

// CanUnpause checks the unpause precondition without mutating.
//
// Unpause only clears a window that has already elapsed; it never cuts an
// active pause short. Once the window has elapsed the system is already
// effectively unpaused, so the call only resets the stored flag.
func (c *Controller) CanUnpause(now time.Time) error {
	if !c.state.Paused {
		return contracts.ErrNotPaused
	}
	if !now.After(c.state.EndTime) {
		return fmt.Errorf("%w: ends %s", contracts.ErrPauseWindowNotElapsed, c.state.EndTime.Format(time.RFC3339))
	}
	return nil
}

// Pause opens a window of d starting at now.
func (c *Controller) Pause(now time.Time, d time.Duration) error {
	if c.state.EffectivelyPaused(now) {
		return fmt.Errorf("%w: until %s", contracts.ErrAlreadyPaused, c.state.EndTime.Format(time.RFC3339))
	}
	c.state = contracts.PauseState{Paused: true, EndTime: now.Add(d)}
	return nil
}

// Unpause resets the stored state after the window has elapsed.
func (c *Controller) Unpause(now time.Time) error {
	if err := c.CanUnpause(now); err != nil {
		return err
	}
	c.state = contracts.PauseState{}
	return nil
}

// State returns the stored state.
func (c *Controller) State() contracts.PauseState {
	return c.state
}

// Restore overwrites the stored state; used to roll back a failed operation.
func (c *Controller) Restore(s contracts.PauseState) {
	c.state = s
}
