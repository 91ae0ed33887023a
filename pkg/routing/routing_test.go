// This file may be distributed under the terms of the GNU GPLv3 license.

package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afc-go/pkg/assist"
	"afc-go/pkg/drive"
	"afc-go/pkg/errors"
	"afc-go/pkg/hardware"
	"afc-go/pkg/lane"
	"afc-go/pkg/log"
	"afc-go/pkg/metrics"
	"afc-go/pkg/reactor"
	"afc-go/pkg/selector"
)

// Bench rig constants. The hub sensor sits 100mm from every lane, the
// pre-gear toolhead sensor 625mm in (hub + clear + bowden + 15mm).
const (
	rigHubDist     = 100.0
	rigBufferZone  = 20.0
	rigHubClear    = 10.0
	rigBowden      = 500.0
	rigNozzle      = 50.0
	rigStepLen     = 5.0
	rigAttempts    = 20
	rigSegment     = 10.0
	rigEjectMargin = 20.0
	rigPreTrip     = rigHubDist + rigHubClear + rigBowden + 15.0
)

type rig struct {
	reactor  *reactor.Reactor
	selAct   *hardware.SimActuator
	selHome  *hardware.SimSensor
	driveAct *hardware.SimActuator
	extruder *hardware.SimActuator
	hub      *hardware.SimSensor
	pre      *hardware.SimSensor
	post     *hardware.SimSensor
	presence []*hardware.SimSensor
	tension  []*hardware.SimSensor

	tracker *lane.Tracker
	sel     *selector.Controller
	drv     *drive.Controller
	orch    *Orchestrator

	mu        sync.Mutex
	events    []Event
	driveHook func(pos float64)
}

// newRig builds a fully simulated unit. The default drive hook trips
// the hub and pre-gear sensors at their rig positions; tests override
// it with setDriveHook to script failures.
func newRig(t *testing.T, modes []lane.AssistMode, withPost bool) *rig {
	t.Helper()

	r := &rig{
		reactor:  reactor.New(),
		selAct:   hardware.NewSimActuator("selector"),
		selHome:  hardware.NewSimSensor("selector_home"),
		driveAct: hardware.NewSimActuator("drive"),
		extruder: hardware.NewSimActuator("extruder"),
		hub:      hardware.NewSimSensor("hub"),
		pre:      hardware.NewSimSensor("toolhead_pre"),
	}
	if withPost {
		r.post = hardware.NewSimSensor("toolhead_post")
	}

	r.selHome.SetState(true)
	r.selAct.SetMoveHook(func(float64) {
		r.selHome.SetState(r.selAct.Position() <= 0)
	})

	r.driveHook = func(pos float64) {
		r.hub.SetState(pos >= rigHubDist)
		r.pre.SetState(pos >= rigPreTrip)
		if r.post != nil {
			r.post.SetState(pos >= rigPreTrip+15)
		}
	}
	r.driveAct.SetMoveHook(func(float64) {
		r.mu.Lock()
		hook := r.driveHook
		r.mu.Unlock()
		hook(r.driveAct.Position())
	})

	logger := log.New("test")
	logger.SetLevel(log.ERROR)

	geom := selector.Geometry{
		LaneCount:            len(modes),
		Lane1Offset:          1.5,
		InterLaneSpacing:     25,
		InterPositionSpacing: 5,
	}
	r.sel = selector.New(r.selAct, r.selHome, selector.Config{
		Geometry:     geom,
		Profile:      hardware.SpeedProfile{Speed: 50, Accel: 50},
		TravelMargin: 10,
	}, logger.Component("selector"))

	r.drv = drive.New(r.driveAct, r.extruder, drive.Config{
		SegmentLength: rigSegment,
	}, logger.Component("drive"))

	r.tracker = lane.NewTracker(modes)

	hubDist := make([]float64, len(modes))
	presence := make([]hardware.Sensor, len(modes))
	tension := make([]hardware.Sensor, len(modes))
	for i := range modes {
		hubDist[i] = rigHubDist
		p := hardware.NewSimSensor("presence")
		s := hardware.NewSimSensor("tension")
		r.presence = append(r.presence, p)
		r.tension = append(r.tension, s)
		presence[i] = p
		tension[i] = s
	}

	ast := assist.New(r.drv, r.sel, r.tracker, r.reactor.Monotonic, assist.Config{
		FeedLength:  10,
		Profile:     hardware.SpeedProfile{Speed: 50, Accel: 400},
		MinInterval: 0.5,
	}, logger.Component("assist"), nil)

	sensors := Sensors{
		Hub:         r.hub,
		ToolheadPre: r.pre,
		Presence:    presence,
		Tension:     tension,
	}
	if r.post != nil {
		sensors.ToolheadPost = r.post
	}

	r.orch = New(Params{
		Config: Config{
			BufferZoneDepth:  rigBufferZone,
			HubClearDistance: rigHubClear,
			HubFeedMargin:    1.25,
			BowdenLength:     rigBowden,
			SensorToNozzle:   rigNozzle,
			ToolheadStepLen:  rigStepLen,
			ToolheadAttempts: rigAttempts,
			EjectMargin:      rigEjectMargin,
			FeedProfile:      hardware.SpeedProfile{Speed: 50, Accel: 400},
			BowdenProfile:    hardware.SpeedProfile{Speed: 120, Accel: 400},
			LaneHubDistance:  hubDist,
		},
		Selector: r.sel,
		Drive:    r.drv,
		Tracker:  r.tracker,
		Assist:   ast,
		Sensors:  sensors,
		Reactor:  r.reactor,
		Logger:   logger.Component("routing"),
		Metrics:  metrics.New(),
		Notifier: NotifierFunc(func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}),
	})
	return r
}

func (r *rig) setDriveHook(hook func(pos float64)) {
	r.mu.Lock()
	r.driveHook = hook
	r.mu.Unlock()
}

func (r *rig) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

func (r *rig) laneState(t *testing.T, laneIdx int) lane.State {
	t.Helper()
	st, err := r.tracker.Get(laneIdx)
	require.NoError(t, err)
	return st
}

func TestPreLoad(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive, lane.AssistPassive}, false)

	require.NoError(t, r.orch.PreLoad(1))

	st := r.laneState(t, 1)
	assert.True(t, st.LoadedToHub)
	assert.False(t, st.ToolLoaded)
	assert.Equal(t, -rigBufferZone, st.BufferDepth)

	// Fed to the hub sensor, then retracted into the buffer zone.
	assert.Equal(t, rigHubDist-rigBufferZone, r.driveAct.Position())

	// Active lane parks the selector engaged at Load, de-energized.
	assert.Equal(t, 1.5, r.sel.Offset())
	assert.False(t, r.selAct.Enabled())
	assert.Contains(t, r.eventTypes(), EventPreLoaded)
}

func TestPreLoadPassiveParksAtFree(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive, lane.AssistPassive}, false)

	require.NoError(t, r.orch.PreLoad(2))

	// Lane 2 Free offset: 1.5 + 25 + 5.
	assert.Equal(t, 31.5, r.sel.Offset())
}

func TestPreLoadHubNotReached(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)
	r.setDriveHook(func(float64) {}) // hub never triggers

	err := r.orch.PreLoad(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHubNotReached))

	st := r.laneState(t, 1)
	assert.False(t, st.LoadedToHub)

	// Failed pre-load parks the selector back at home.
	assert.True(t, r.sel.IsHomed())
	assert.Equal(t, 0.0, r.sel.Offset())
	assert.Contains(t, r.eventTypes(), EventFailed)
}

func TestToolLoad(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	require.NoError(t, r.orch.PreLoad(1))
	require.NoError(t, r.orch.ToolLoad(1))

	st := r.laneState(t, 1)
	assert.True(t, st.ToolLoaded)
	assert.True(t, st.LoadedToHub)

	// Hub feed + clear + bowden + sensor attempts + final feed.
	assert.Equal(t, rigPreTrip+rigNozzle, r.driveAct.Position())

	// The toolhead extruder only moves after the sync point.
	assert.Equal(t, rigNozzle, r.extruder.Position())
	assert.True(t, r.drv.IsSynced())

	// Active assist re-engages the selector at Load.
	assert.Equal(t, 1.5, r.sel.Offset())
	assert.Contains(t, r.eventTypes(), EventToolLoaded)
}

func TestToolLoadSkipsHubFeedWhenStaged(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	require.NoError(t, r.orch.PreLoad(1))
	movesAfterPreLoad := r.driveAct.MoveCount()
	require.NoError(t, r.orch.ToolLoad(1))

	// Staged lane: clear + bowden + 3 sensor steps + final feed.
	assert.Equal(t, movesAfterPreLoad+6, r.driveAct.MoveCount())
}

func TestToolLoadToolheadOccupied(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive, lane.AssistActive}, false)

	require.NoError(t, r.orch.PreLoad(1))
	require.NoError(t, r.orch.PreLoad(2))
	require.NoError(t, r.orch.ToolLoad(1))

	posBefore := r.driveAct.Position()
	err := r.orch.ToolLoad(2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrToolheadOccupied))

	// Rejected before any motion.
	assert.Equal(t, posBefore, r.driveAct.Position())
	st := r.laneState(t, 2)
	assert.False(t, st.ToolLoaded)
}

func TestToolLoadSensorTimeout(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	require.NoError(t, r.orch.PreLoad(1))
	r.setDriveHook(func(pos float64) {
		r.hub.SetState(pos >= rigHubDist)
		// pre-gear sensor never triggers
	})

	err := r.orch.ToolLoad(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrToolheadSensorTimeout))

	// A failed tool load leaves everything where it stopped: no
	// homing, no sync, flags unchanged.
	st := r.laneState(t, 1)
	assert.False(t, st.ToolLoaded)
	assert.False(t, r.drv.IsSynced())
	assert.Equal(t, 1.5, r.sel.Offset())
}

func TestToolUnload(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	require.NoError(t, r.orch.PreLoad(1))
	require.NoError(t, r.orch.ToolLoad(1))
	require.NoError(t, r.orch.ToolUnload(1))

	st := r.laneState(t, 1)
	assert.False(t, st.ToolLoaded)
	assert.True(t, st.LoadedToHub)
	assert.Equal(t, -rigBufferZone, st.BufferDepth)

	assert.False(t, r.drv.IsSynced())
	assert.True(t, r.sel.IsHomed())
	assert.Equal(t, 0.0, r.sel.Offset())
	assert.Contains(t, r.eventTypes(), EventUnloaded)
}

func TestToolUnloadNotLoaded(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	err := r.orch.ToolUnload(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOperationConflict))
}

func TestToolUnloadPostGearStuck(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, true)

	require.NoError(t, r.orch.PreLoad(1))
	require.NoError(t, r.orch.ToolLoad(1))

	// The post-gear sensor jams triggered.
	r.setDriveHook(func(pos float64) {
		r.hub.SetState(pos >= rigHubDist)
		r.pre.SetState(pos >= rigPreTrip)
	})

	err := r.orch.ToolUnload(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrToolheadSensorTimeout))

	// The lane still owns the toolhead; the selector parks at home
	// for inspection.
	st := r.laneState(t, 1)
	assert.True(t, st.ToolLoaded)
	assert.True(t, r.sel.IsHomed())
}

func TestLaneEject(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	require.NoError(t, r.orch.PreLoad(1))

	// Presence clears once the filament retracts 110mm past the
	// hub reference.
	r.presence[0].SetState(true)
	r.setDriveHook(func(pos float64) {
		r.hub.SetState(pos >= rigHubDist)
		r.presence[0].SetState(pos > -30)
	})

	require.NoError(t, r.orch.LaneEject(1))

	st := r.laneState(t, 1)
	assert.False(t, st.LoadedToHub)
	assert.Equal(t, 0.0, st.BufferDepth)
	assert.True(t, r.sel.IsHomed())
	assert.Contains(t, r.eventTypes(), EventEjected)
}

func TestLaneEjectIncomplete(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	require.NoError(t, r.orch.PreLoad(1))
	r.presence[0].SetState(true) // never clears

	err := r.orch.LaneEject(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEjectIncomplete))

	st := r.laneState(t, 1)
	assert.False(t, st.LoadedToHub)
	assert.True(t, r.sel.IsHomed())
}

func TestLaneEjectRejectsToolheadLane(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	require.NoError(t, r.orch.PreLoad(1))
	require.NoError(t, r.orch.ToolLoad(1))

	err := r.orch.LaneEject(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOperationConflict))
	assert.True(t, r.laneState(t, 1).ToolLoaded)
}

func TestOperationConflict(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	// Pin an operation on the lane, then issue a second one.
	op, err := r.orch.begin(1, OpToolLoad)
	require.NoError(t, err)

	movesBefore := r.driveAct.MoveCount()
	err = r.orch.PreLoad(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOperationConflict))
	assert.Equal(t, movesBefore, r.driveAct.MoveCount())

	r.orch.end(op, nil)
	require.NoError(t, r.orch.PreLoad(1))
}

func TestInvalidLane(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	for _, laneIdx := range []int{0, -1, 2, 99} {
		err := r.orch.PreLoad(laneIdx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidLane), "lane %d", laneIdx)
	}
}

func TestAutoPreLoadOnInsert(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)
	r.orch.Start()
	defer r.orch.Stop()

	r.presence[0].SetState(true)

	require.Eventually(t, func() bool {
		st, err := r.tracker.Get(1)
		return err == nil && st.LoadedToHub
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, r.laneState(t, 1).Presence)
}

func TestRunoutNotification(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)
	require.NoError(t, r.tracker.SetToolLoaded(1, true))

	r.orch.Start()
	defer r.orch.Stop()

	r.presence[0].SetState(true)
	r.presence[0].SetState(false)

	require.Eventually(t, func() bool {
		for _, typ := range r.eventTypes() {
			if typ == EventRunout {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCheckRunoutAfterStop(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)
	r.orch.Start()
	r.orch.Stop()

	// The periodic reconciliation timer can fire between Stop and
	// reactor shutdown; a presence change found then must be
	// dropped, not sent to the stopped consumer.
	r.presence[0].SetState(true)
	r.orch.CheckRunout()

	assert.False(t, r.laneState(t, 1).Presence)
}

func TestRestartAfterStop(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)
	r.orch.Start()
	r.orch.Stop()
	r.orch.Start()
	defer r.orch.Stop()

	r.presence[0].SetState(true)
	require.Eventually(t, func() bool {
		st, err := r.tracker.Get(1)
		return err == nil && st.LoadedToHub
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSetAssistMode(t *testing.T) {
	r := newRig(t, []lane.AssistMode{lane.AssistActive}, false)

	require.NoError(t, r.orch.SetAssistMode(1, "passive"))
	st := r.laneState(t, 1)
	assert.Equal(t, lane.AssistPassive, st.AssistMode)

	err := r.orch.SetAssistMode(1, "bogus")
	require.Error(t, err)
}
