// Shared drive feed controller for the filament changer.
//
// One drive motor feeds filament for every lane; the selector decides
// which lane it engages. The controller exposes plain, sensor-gated,
// and bounded-attempt feeds, plus lockstep synchronization with the
// external toolhead actuator while filament passes through the shared
// extruder mechanism.
//
// The drive motor is a single shared resource: callers take the
// reservation with Acquire (operations) or TryAcquire (best-effort
// assist feeds) before issuing feed calls.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package drive

import (
	"math"
	"sync"

	"afc-go/pkg/errors"
	"afc-go/pkg/hardware"
	"afc-go/pkg/log"
)

// Config holds drive controller configuration.
type Config struct {
	// SegmentLength is the increment used by sensor-gated feeds.
	SegmentLength float64
}

// Controller wraps the shared drive actuator.
type Controller struct {
	resv sync.Mutex // drive reservation; held across whole operations

	mu       sync.Mutex
	actuator hardware.Actuator
	external hardware.Actuator // toolhead extruder, moved in lockstep when synced
	synced   bool
	cfg      Config
	logger   *log.Logger
}

// New creates a drive controller. external is the toolhead actuator
// used for synced moves.
func New(actuator, external hardware.Actuator, cfg Config, logger *log.Logger) *Controller {
	return &Controller{
		actuator: actuator,
		external: external,
		cfg:      cfg,
		logger:   logger,
	}
}

// Acquire takes the drive reservation, blocking until available.
func (c *Controller) Acquire() {
	c.resv.Lock()
}

// TryAcquire takes the drive reservation without blocking. Returns
// false when an operation holds it.
func (c *Controller) TryAcquire() bool {
	return c.resv.TryLock()
}

// Release returns the drive reservation.
func (c *Controller) Release() {
	c.resv.Unlock()
}

// Sync locks the drive motor in lockstep with the external toolhead
// actuator: every subsequent feed moves both by the same distance.
func (c *Controller) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = true
	c.logger.Debug("drive synced with %s", c.external.Name())
}

// Unsync uncouples the drive motor from the external actuator.
func (c *Controller) Unsync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = false
	c.logger.Debug("drive unsynced")
}

// IsSynced reports whether the drive is locked to the external actuator.
func (c *Controller) IsSynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Feed moves filament by distance mm: positive toward the toolhead,
// negative toward the spool. When synced, the external actuator
// receives the identical move. The caller must hold the reservation.
func (c *Controller) Feed(distance float64, profile hardware.SpeedProfile) error {
	c.mu.Lock()
	synced := c.synced
	c.mu.Unlock()

	if err := c.actuator.MoveRelative(distance, profile); err != nil {
		return c.wrapFault(c.actuator, err)
	}
	if synced {
		if err := c.external.MoveRelative(distance, profile); err != nil {
			return c.wrapFault(c.external, err)
		}
	}
	return nil
}

// FeedUntil feeds in fixed segments until the termination sensor
// reaches wantState, bounded by the signed distance budget. Returns
// the total distance fed. Exhausting the budget before the sensor
// reaches wantState fails with SensorNotReached.
func (c *Controller) FeedUntil(sensor hardware.Sensor, wantState bool, budget float64, profile hardware.SpeedProfile) (float64, error) {
	direction := 1.0
	if budget < 0 {
		direction = -1.0
	}
	remaining := math.Abs(budget)
	segment := c.cfg.SegmentLength

	fed := 0.0
	for sensor.State() != wantState {
		if remaining <= 0 {
			return fed, errors.SensorNotReachedError(sensor.Name(), fed, math.Abs(budget))
		}
		step := math.Min(segment, remaining)
		if err := c.Feed(direction*step, profile); err != nil {
			return fed, err
		}
		fed += step
		remaining -= step
	}
	return fed, nil
}

// FeedAttempts issues up to maxAttempts short feeds of stepLength
// (signed), stopping when the sensor reaches wantState. Exhausting the
// attempt budget fails with ToolheadSensorTimeout.
func (c *Controller) FeedAttempts(sensor hardware.Sensor, wantState bool, stepLength float64, maxAttempts int, profile hardware.SpeedProfile) error {
	for attempt := 0; sensor.State() != wantState; attempt++ {
		if attempt >= maxAttempts {
			return errors.ToolheadSensorTimeoutError(sensor.Name(), maxAttempts)
		}
		if err := c.Feed(stepLength, profile); err != nil {
			return err
		}
	}
	return nil
}

// wrapFault maps an actuator error to a typed routing error, passing
// already-typed errors through.
func (c *Controller) wrapFault(a hardware.Actuator, err error) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	return errors.ActuatorFaultError(a.Name(), err)
}

// GetStatus returns the drive controller status.
func (c *Controller) GetStatus() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"synced":   c.synced,
		"position": c.actuator.Position(),
	}
}
