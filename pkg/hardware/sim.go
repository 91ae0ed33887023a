package hardware

import (
	"sync"
	"time"
)

// The sim hardware family runs entirely in-process. SimActuator
// completes moves immediately and can be scripted to fault; SimSensor
// changes state when told to, firing edge subscribers. Both are used
// by the bench binary and the package tests.

// SimActuator is an in-process Actuator implementation.
type SimActuator struct {
	mu       sync.Mutex
	name     string
	position float64
	enabled  bool

	// moveHook is called after every successful move with the signed
	// delta. Used to advance simulated filament past sensors.
	moveHook func(delta float64)

	// failNext holds errors returned by upcoming moves, in order.
	failNext []error

	moveCount int
}

// NewSimActuator creates a sim actuator.
func NewSimActuator(name string) *SimActuator {
	return &SimActuator{name: name}
}

// Name returns the actuator name.
func (a *SimActuator) Name() string { return a.name }

// SetMoveHook installs a hook called with the signed delta of every
// successful move.
func (a *SimActuator) SetMoveHook(hook func(delta float64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moveHook = hook
}

// FailNext queues errors to be returned by upcoming moves.
func (a *SimActuator) FailNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = append(a.failNext, errs...)
}

func (a *SimActuator) move(delta float64) error {
	a.mu.Lock()
	if len(a.failNext) > 0 {
		err := a.failNext[0]
		a.failNext = a.failNext[1:]
		a.mu.Unlock()
		return err
	}
	a.position += delta
	a.moveCount++
	hook := a.moveHook
	a.mu.Unlock()

	if hook != nil {
		hook(delta)
	}
	return nil
}

// MoveRelative moves by distance mm.
func (a *SimActuator) MoveRelative(distance float64, _ SpeedProfile) error {
	return a.move(distance)
}

// MoveAbsolute moves to an absolute position in mm.
func (a *SimActuator) MoveAbsolute(position float64, _ SpeedProfile) error {
	a.mu.Lock()
	delta := position - a.position
	a.mu.Unlock()
	return a.move(delta)
}

// Enable energizes or de-energizes the motor.
func (a *SimActuator) Enable(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = on
	return nil
}

// Enabled reports whether the motor is energized.
func (a *SimActuator) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Position returns the last commanded position.
func (a *SimActuator) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// MoveCount returns the number of completed moves.
func (a *SimActuator) MoveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.moveCount
}

// SimSensor is an in-process Sensor implementation.
type SimSensor struct {
	mu    sync.Mutex
	name  string
	state bool
	subs  map[int]EdgeCallback
	next  int
	clock func() float64
}

// NewSimSensor creates a sim sensor in the untriggered state.
func NewSimSensor(name string) *SimSensor {
	start := time.Now()
	return &SimSensor{
		name:  name,
		subs:  make(map[int]EdgeCallback),
		clock: func() float64 { return time.Since(start).Seconds() },
	}
}

// SetClock overrides the event time source (for tests).
func (s *SimSensor) SetClock(clock func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Name returns the sensor name.
func (s *SimSensor) Name() string { return s.name }

// State returns the current state.
func (s *SimSensor) State() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState updates the sensor state, firing edge subscribers on change.
func (s *SimSensor) SetState(state bool) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	eventtime := s.clock()
	cbs := make([]EdgeCallback, 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(eventtime, state)
	}
}

// OnEdge subscribes to state changes.
func (s *SimSensor) OnEdge(cb EdgeCallback) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
