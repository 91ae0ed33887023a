// This file may be distributed under the terms of the GNU GPLv3 license.

package selector

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afc-go/pkg/errors"
	"afc-go/pkg/hardware"
	"afc-go/pkg/log"
)

func testConfig() Config {
	return Config{
		Geometry: Geometry{
			LaneCount:            2,
			Lane1Offset:          1.5,
			InterLaneSpacing:     25,
			InterPositionSpacing: 5,
		},
		Profile:      hardware.SpeedProfile{Speed: 50, Accel: 50},
		TravelMargin: 10,
	}
}

// newTestController wires a sim actuator whose home sensor trips at
// position zero, starting on the switch.
func newTestController(t *testing.T) (*Controller, *hardware.SimActuator, *hardware.SimSensor) {
	t.Helper()
	act := hardware.NewSimActuator("selector")
	home := hardware.NewSimSensor("selector_home")
	home.SetState(true)
	act.SetMoveHook(func(float64) {
		home.SetState(act.Position() <= 0)
	})
	logger := log.New("test")
	logger.SetLevel(log.ERROR)
	return New(act, home, testConfig(), logger), act, home
}

func TestHomeDeEnergizes(t *testing.T) {
	c, act, _ := newTestController(t)

	require.NoError(t, c.Home())
	assert.True(t, c.IsHomed())
	assert.Equal(t, 0.0, c.Offset())
	assert.False(t, act.Enabled())
}

func TestMoveToHomesFirst(t *testing.T) {
	c, act, _ := newTestController(t)

	// Selector sits at an unknown physical position.
	require.NoError(t, act.MoveRelative(7, hardware.SpeedProfile{}))

	require.NoError(t, c.MoveTo(2, PositionLoad))
	assert.True(t, c.IsHomed())
	assert.Equal(t, 26.5, c.Offset())
	assert.Equal(t, 26.5, act.Position())
}

func TestMoveToHomesOnlyOnce(t *testing.T) {
	c, act, _ := newTestController(t)

	require.NoError(t, c.MoveTo(1, PositionLoad))
	moves := act.MoveCount()

	// Subsequent moves are single relative moves.
	require.NoError(t, c.MoveTo(1, PositionUnload))
	assert.Equal(t, moves+1, act.MoveCount())
	assert.Equal(t, 11.5, c.Offset())
}

func TestFailedHomeNeverMoves(t *testing.T) {
	c, act, home := newTestController(t)
	act.SetMoveHook(nil)
	home.SetState(false) // sensor never triggers

	err := c.MoveTo(1, PositionLoad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHomingTimeout))
	assert.False(t, c.IsHomed())

	// Every issued move was a homing step toward the sensor.
	assert.Less(t, act.Position(), 0.0)
}

func TestMoveToInvalidLaneBeforeHoming(t *testing.T) {
	c, act, _ := newTestController(t)

	err := c.MoveTo(9, PositionLoad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidLane))
	assert.Equal(t, 0, act.MoveCount())
}

func TestMoveFaultInvalidatesHoming(t *testing.T) {
	c, act, _ := newTestController(t)

	require.NoError(t, c.MoveTo(1, PositionLoad))
	act.FailNext(stderrors.New("stall"))

	err := c.MoveTo(2, PositionLoad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrActuatorFault))
	assert.False(t, c.IsHomed())
}

func TestFastReturnHome(t *testing.T) {
	c, act, _ := newTestController(t)

	require.NoError(t, c.MoveTo(1, PositionUnload))
	moves := act.MoveCount()

	// A trusted offset homes with one estimated return move.
	require.NoError(t, c.Home())
	assert.Equal(t, moves+1, act.MoveCount())
	assert.Equal(t, 0.0, act.Position())
	assert.True(t, c.IsHomed())
}
