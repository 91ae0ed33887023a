// Unified error handling for the filament changer host.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Selector errors
	ErrInvalidLane   ErrorCode = "INVALID_LANE"
	ErrHomingTimeout ErrorCode = "HOMING_TIMEOUT"
	ErrMoveTimeout   ErrorCode = "MOVE_TIMEOUT"
	ErrActuatorFault ErrorCode = "ACTUATOR_FAULT"

	// Transport errors
	ErrHubNotReached         ErrorCode = "HUB_NOT_REACHED"
	ErrSensorNotReached      ErrorCode = "SENSOR_NOT_REACHED"
	ErrToolheadSensorTimeout ErrorCode = "TOOLHEAD_SENSOR_TIMEOUT"
	ErrEjectIncomplete       ErrorCode = "EJECT_INCOMPLETE"

	// Orchestration errors
	ErrOperationConflict ErrorCode = "OPERATION_CONFLICT"
	ErrToolheadOccupied  ErrorCode = "TOOLHEAD_OCCUPIED"
)

// RoutingError is the unified error type for the filament changer host
type RoutingError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Lane is the lane index the error relates to (0 when not lane-specific)
	Lane int

	// Op is the operation in flight when the error occurred
	Op string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *RoutingError) Error() string {
	if e.Lane > 0 {
		return fmt.Sprintf("[%s] lane %d: %s", e.Code, e.Lane, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *RoutingError) Unwrap() error {
	return e.Err
}

// SetLane sets the lane index
func (e *RoutingError) SetLane(lane int) *RoutingError {
	e.Lane = lane
	return e
}

// SetOp sets the operation name
func (e *RoutingError) SetOp(op string) *RoutingError {
	e.Op = op
	return e
}

// SetContext adds additional context
func (e *RoutingError) SetContext(key string, value interface{}) *RoutingError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new RoutingError
func New(code ErrorCode, message string) *RoutingError {
	return &RoutingError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *RoutingError {
	return &RoutingError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Config errors

// ConfigSectionError creates an error for a missing config section
func ConfigSectionError(section string) *RoutingError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section))
}

// ConfigOptionError creates an error for a missing config option
func ConfigOptionError(section, option string) *RoutingError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section))
}

// ConfigValidationError creates an error for a config validation failure
func ConfigValidationError(section, option, reason string) *RoutingError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason))
}

// Selector errors

// InvalidLaneError creates an error for an out-of-range lane index
func InvalidLaneError(lane, laneCount int) *RoutingError {
	return New(ErrInvalidLane, fmt.Sprintf("lane index %d out of range [1, %d]", lane, laneCount)).
		SetLane(lane)
}

// HomingTimeoutError creates an error for a selector that never reached its home sensor
func HomingTimeoutError(unit string, traveled float64) *RoutingError {
	return New(ErrHomingTimeout, fmt.Sprintf("selector '%s' home sensor not reached after %.1fmm of travel", unit, traveled)).
		SetContext("traveled_mm", traveled)
}

// MoveTimeoutError creates an error for a bounded move that did not complete
func MoveTimeoutError(actuator string, target float64) *RoutingError {
	return New(ErrMoveTimeout, fmt.Sprintf("actuator '%s' move to %.3f did not complete", actuator, target))
}

// ActuatorFaultError wraps a fault reported by the motion layer
func ActuatorFaultError(actuator string, err error) *RoutingError {
	return Wrap(err, ErrActuatorFault, fmt.Sprintf("actuator '%s' reported a fault", actuator))
}

// Transport errors

// HubNotReachedError creates an error for a hub feed that exhausted its distance budget
func HubNotReachedError(lane int, fed, budget float64) *RoutingError {
	return New(ErrHubNotReached, fmt.Sprintf("hub sensor not triggered after feeding %.1fmm (budget %.1fmm)", fed, budget)).
		SetLane(lane).
		SetContext("fed_mm", fed).
		SetContext("budget_mm", budget)
}

// SensorNotReachedError creates an error for a gated feed that exhausted its distance budget
func SensorNotReachedError(sensor string, fed, budget float64) *RoutingError {
	return New(ErrSensorNotReached, fmt.Sprintf("sensor '%s' not triggered after feeding %.1fmm (budget %.1fmm)", sensor, fed, budget)).
		SetContext("fed_mm", fed).
		SetContext("budget_mm", budget)
}

// ToolheadSensorTimeoutError creates an error for bounded-attempt toolhead feeds that never triggered
func ToolheadSensorTimeoutError(sensor string, attempts int) *RoutingError {
	return New(ErrToolheadSensorTimeout, fmt.Sprintf("sensor '%s' not triggered within %d attempts", sensor, attempts)).
		SetContext("attempts", attempts)
}

// EjectIncompleteError creates an error for a lane eject whose presence sensor never cleared
func EjectIncompleteError(lane int, retracted float64) *RoutingError {
	return New(ErrEjectIncomplete, fmt.Sprintf("presence sensor still triggered after retracting %.1fmm", retracted)).
		SetLane(lane).
		SetContext("retracted_mm", retracted)
}

// Orchestration errors

// OperationConflictError creates an error for a lane that already has an operation in flight
func OperationConflictError(lane int, inFlight string) *RoutingError {
	return New(ErrOperationConflict, fmt.Sprintf("operation '%s' already in flight", inFlight)).
		SetLane(lane).
		SetOp(inFlight)
}

// ToolheadOccupiedError creates an error for a tool-load while another lane holds the toolhead
func ToolheadOccupiedError(lane, occupiedBy int) *RoutingError {
	return New(ErrToolheadOccupied, fmt.Sprintf("toolhead occupied by lane %d", occupiedBy)).
		SetLane(lane).
		SetContext("occupied_by", occupiedBy)
}

// Is checks if an error matches the given error code
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if re, ok := err.(*RoutingError); ok {
			if re.Code == code {
				return true
			}
			err = re.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the error code of err, or "" for non-routing errors
func CodeOf(err error) ErrorCode {
	if re, ok := err.(*RoutingError); ok {
		return re.Code
	}
	return ""
}

// IsConfig checks if an error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}
