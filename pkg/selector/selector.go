// Selector controller for the filament changer.
//
// Owns the selector actuator: homing against the home sensor, bounded
// moves to (lane, position) offsets, and power-save release. The
// source of truth for selector position is the last commanded offset
// plus the homed flag; hardware position is never read back.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package selector

import (
	"sync"

	"afc-go/pkg/errors"
	"afc-go/pkg/hardware"
	"afc-go/pkg/log"
)

// homeStepLength is the slow approach increment toward the home sensor.
const homeStepLength = 1.0

// homeProfile is the slow speed profile used on the final approach.
var homeProfile = hardware.SpeedProfile{Speed: 20, Accel: 20}

// Config holds selector controller configuration.
type Config struct {
	Geometry     Geometry
	Profile      hardware.SpeedProfile
	TravelMargin float64 // extra homing travel allowed beyond MaxTravel
}

// Controller drives the selector actuator.
type Controller struct {
	mu sync.Mutex

	actuator   hardware.Actuator
	homeSensor hardware.Sensor
	cfg        Config
	logger     *log.Logger

	homed  bool
	offset float64

	// Last commanded logical target, for status reporting only.
	curLane int
	curPos  Position
}

// New creates a selector controller. The controller starts unhomed.
func New(actuator hardware.Actuator, homeSensor hardware.Sensor, cfg Config, logger *log.Logger) *Controller {
	return &Controller{
		actuator:   actuator,
		homeSensor: homeSensor,
		cfg:        cfg,
		logger:     logger,
	}
}

// IsHomed reports whether the selector has a valid reference.
func (c *Controller) IsHomed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.homed
}

// Offset returns the tracked selector offset. Only meaningful when homed.
func (c *Controller) Offset() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Home drives the selector toward the home sensor and establishes the
// reference zero. A fast estimated return is issued first when the
// current offset is known, then slow steps until the sensor triggers.
// The motor is de-energized on success.
func (c *Controller) Home() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.homeLocked()
}

func (c *Controller) homeLocked() error {
	if err := c.actuator.Enable(true); err != nil {
		return c.wrapFault(err)
	}

	// Fast return toward home when the offset is trusted.
	if c.homed && c.offset > 0 && !c.homeSensor.State() {
		if err := c.actuator.MoveRelative(-c.offset, c.cfg.Profile); err != nil {
			c.homed = false
			return c.wrapFault(err)
		}
	}
	c.homed = false

	// Slow approach until the home sensor triggers.
	bound := c.cfg.Geometry.MaxTravel() + c.cfg.TravelMargin
	traveled := 0.0
	for !c.homeSensor.State() {
		if traveled >= bound {
			c.logger.Error("homing failed: sensor not reached after %.1fmm", traveled)
			return errors.HomingTimeoutError(c.actuator.Name(), traveled)
		}
		if err := c.actuator.MoveRelative(-homeStepLength, homeProfile); err != nil {
			return c.wrapFault(err)
		}
		traveled += homeStepLength
	}

	c.homed = true
	c.offset = 0
	c.curLane = 0
	if err := c.actuator.Enable(false); err != nil {
		c.logger.Warn("failed to de-energize selector: %v", err)
	}
	c.logger.Debug("selector homed after %.1fmm", traveled)
	return nil
}

// MoveTo moves the selector to the given lane and logical position.
// An unhomed controller homes first; a failed home aborts the move.
func (c *Controller) MoveTo(lane int, pos Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, err := c.cfg.Geometry.Offset(lane, pos)
	if err != nil {
		return err
	}

	if !c.homed {
		if err := c.homeLocked(); err != nil {
			return err
		}
	}

	if err := c.actuator.Enable(true); err != nil {
		return c.wrapFault(err)
	}
	if err := c.actuator.MoveRelative(target-c.offset, c.cfg.Profile); err != nil {
		// The physical position is now unknown.
		c.homed = false
		return c.wrapFault(err)
	}

	c.offset = target
	c.curLane = lane
	c.curPos = pos
	c.logger.Debug("selector at lane %d position %s (offset %.3f)", lane, pos, target)
	return nil
}

// Release de-energizes the selector motor (power save). The tracked
// offset remains valid; the selector is held by detent friction.
func (c *Controller) Release() error {
	return c.actuator.Enable(false)
}

// wrapFault maps an actuator error to a typed routing error, passing
// already-typed errors through.
func (c *Controller) wrapFault(err error) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	return errors.ActuatorFaultError(c.actuator.Name(), err)
}

// GetStatus returns the selector status.
func (c *Controller) GetStatus() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := map[string]any{
		"homed":  c.homed,
		"offset": c.offset,
	}
	if c.curLane > 0 {
		status["lane"] = c.curLane
		status["position"] = c.curPos.String()
	}
	return status
}
