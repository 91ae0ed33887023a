// Package hardware defines the capability interfaces the filament
// changer host consumes from the motion-control layer: actuators that
// complete bounded moves or report a fault, and debounced boolean
// sensors with edge subscription. One concrete implementation set
// exists per hardware family, selected at configuration time; the sim
// family in this package backs bench testing.
package hardware

// SpeedProfile pairs a move speed with an acceleration, in mm/s and
// mm/s^2.
type SpeedProfile struct {
	Speed float64
	Accel float64
}

// Actuator is a single motor exposed by the motion-control layer.
// Moves are bounded: they either complete or return a fault.
type Actuator interface {
	// Name returns the actuator name used in logs and errors.
	Name() string

	// MoveRelative moves by distance mm (sign selects direction).
	MoveRelative(distance float64, profile SpeedProfile) error

	// MoveAbsolute moves to an absolute position in mm.
	MoveAbsolute(position float64, profile SpeedProfile) error

	// Enable energizes or de-energizes the motor.
	Enable(on bool) error

	// Position returns the last commanded position in mm.
	Position() float64
}

// EdgeCallback is invoked on a debounced sensor state change.
type EdgeCallback func(eventtime float64, state bool)

// Sensor is a debounced boolean input. Polarity and debouncing are
// handled below this interface.
type Sensor interface {
	// Name returns the sensor name used in logs and errors.
	Name() string

	// State returns the current debounced state.
	State() bool

	// OnEdge subscribes to state changes. The returned function
	// cancels the subscription.
	OnEdge(cb EdgeCallback) (cancel func())
}

// OnRisingEdge subscribes to rising edges only.
func OnRisingEdge(s Sensor, cb func(eventtime float64)) (cancel func()) {
	return s.OnEdge(func(eventtime float64, state bool) {
		if state {
			cb(eventtime)
		}
	})
}

// OnFallingEdge subscribes to falling edges only.
func OnFallingEdge(s Sensor, cb func(eventtime float64)) (cancel func()) {
	return s.OnEdge(func(eventtime float64, state bool) {
		if !state {
			cb(eventtime)
		}
	})
}
