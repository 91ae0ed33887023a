// Routing operations: pre-load, tool load, tool unload and lane eject,
// plus the manual command surface.
//
// Every operation registers itself in the per-lane operation registry,
// takes the drive reservation for its whole duration, and runs its
// steps in a fixed order. Failure handling differs per operation:
// pre-load, unload and eject park the selector back at Home so the
// hardware is safe for inspection; a failed tool load leaves
// everything where it stopped.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package routing

import (
	"afc-go/pkg/assist"
	"afc-go/pkg/errors"
	"afc-go/pkg/lane"
	"afc-go/pkg/log"
	"afc-go/pkg/selector"
)

// PreLoad feeds freshly inserted filament from the lane up to the hub
// junction, then retracts it into the buffer zone and parks the
// selector for the lane's assist mode. On success the lane is staged
// for a later tool load.
func (o *Orchestrator) PreLoad(laneIdx int) error {
	op, err := o.begin(laneIdx, OpPreLoad)
	if err != nil {
		return err
	}
	o.drv.Acquire()
	defer o.drv.Release()

	err = o.preLoad(op)
	o.end(op, err)
	return err
}

func (o *Orchestrator) preLoad(op *Operation) error {
	laneIdx := op.Lane
	o.notify(Event{Type: EventLoading, Lane: laneIdx,
		Operation: string(op.Kind), OperationID: op.ID})

	err := o.preLoadSteps(laneIdx)
	if err != nil {
		// Filament position is unknown; drop the staged flag and
		// park the selector where the operator can reach the lane.
		o.tracker.SetLoadedToHub(laneIdx, false)
		o.recoverSelector(op)
		return err
	}

	o.notify(Event{Type: EventPreLoaded, Lane: laneIdx,
		Operation: string(op.Kind), OperationID: op.ID})
	return nil
}

func (o *Orchestrator) preLoadSteps(laneIdx int) error {
	if err := o.sel.MoveTo(laneIdx, selector.PositionLoad); err != nil {
		return err
	}

	if err := o.feedToHub(laneIdx); err != nil {
		return err
	}

	// Pull the tip back out of the junction into the buffer zone so
	// the shared tube stays clear for other lanes.
	if err := o.sel.MoveTo(laneIdx, selector.PositionUnload); err != nil {
		return err
	}
	if err := o.drv.Feed(-o.cfg.BufferZoneDepth, o.cfg.FeedProfile); err != nil {
		return err
	}

	park := selector.PositionLoad
	st, err := o.tracker.Get(laneIdx)
	if err != nil {
		return err
	}
	if st.AssistMode == lane.AssistPassive {
		park = selector.PositionFree
	}
	if err := o.sel.MoveTo(laneIdx, park); err != nil {
		return err
	}

	o.tracker.SetLoadedToHub(laneIdx, true)
	o.tracker.SetBufferDepth(laneIdx, -o.cfg.BufferZoneDepth)

	// De-energize: the lane may sit staged for hours.
	if err := o.sel.Release(); err != nil {
		o.logger.Warn("selector release after pre-load of lane %d: %v", laneIdx, err)
	}
	return nil
}

// feedToHub runs the sensor-gated feed from the lane to the hub
// junction, bounded by the lane's calibrated distance times the feed
// margin.
func (o *Orchestrator) feedToHub(laneIdx int) error {
	budget := o.cfg.LaneHubDistance[laneIdx-1] * o.cfg.HubFeedMargin
	fed, err := o.drv.FeedUntil(o.sensors.Hub, true, budget, o.cfg.FeedProfile)
	if errors.Is(err, errors.ErrSensorNotReached) {
		return errors.HubNotReachedError(laneIdx, fed, budget)
	}
	return err
}

// ToolLoad routes a staged lane through the shared tube and bowden
// into the toolhead. The drive stays synced with the toolhead extruder
// on success, and tension assist is enabled for the lane.
func (o *Orchestrator) ToolLoad(laneIdx int) error {
	op, err := o.begin(laneIdx, OpToolLoad)
	if err != nil {
		return err
	}
	o.drv.Acquire()
	defer o.drv.Release()

	err = o.toolLoad(op)
	o.end(op, err)
	return err
}

func (o *Orchestrator) toolLoad(op *Operation) error {
	laneIdx := op.Lane
	o.notify(Event{Type: EventLoading, Lane: laneIdx,
		Operation: string(op.Kind), OperationID: op.ID})

	// A failed tool load leaves the hardware exactly where it
	// stopped: filament may be deep in the bowden and blind homing
	// moves would grind it.
	st, err := o.tracker.Get(laneIdx)
	if err != nil {
		return err
	}

	if err := o.sel.MoveTo(laneIdx, selector.PositionLoad); err != nil {
		return err
	}

	bufferDepth := st.BufferDepth
	if !st.LoadedToHub {
		if err := o.feedToHub(laneIdx); err != nil {
			return err
		}
		bufferDepth = 0
	}

	// Clear the hub junction into the shared tube. The staged tip
	// sits below the junction by the recorded buffer depth.
	if err := o.drv.Feed(o.cfg.HubClearDistance-bufferDepth, o.cfg.FeedProfile); err != nil {
		return err
	}
	if !o.sensors.Hub.State() {
		o.logger.Warn("hub sensor not triggered after clearing the junction for lane %d", laneIdx)
	}

	if err := o.drv.Feed(o.cfg.BowdenLength, o.cfg.BowdenProfile); err != nil {
		return err
	}

	if err := o.drv.FeedAttempts(o.sensors.ToolheadPre, true,
		o.cfg.ToolheadStepLen, o.cfg.ToolheadAttempts, o.cfg.FeedProfile); err != nil {
		return err
	}

	// From here the filament passes through the extruder gears: the
	// drive and the toolhead must move in lockstep.
	o.drv.Sync()

	if o.sensors.ToolheadPost != nil {
		if err := o.drv.FeedAttempts(o.sensors.ToolheadPost, true,
			o.cfg.ToolheadStepLen, o.cfg.ToolheadAttempts, o.cfg.FeedProfile); err != nil {
			return err
		}
	}

	if err := o.drv.Feed(o.cfg.SensorToNozzle, o.cfg.FeedProfile); err != nil {
		return err
	}

	o.tracker.SetToolLoaded(laneIdx, true)
	o.tracker.SetBufferDepth(laneIdx, 0)

	if err := o.assist.Enable(laneIdx); err != nil {
		o.logger.Warn("enabling assist for lane %d: %v", laneIdx, err)
	}

	o.notify(Event{Type: EventToolLoaded, Lane: laneIdx,
		Operation: string(op.Kind), OperationID: op.ID})
	return nil
}

// ToolUnload retracts the toolhead lane back through the bowden into
// the hub buffer zone, leaving the selector at Home and the lane
// staged for reloading.
func (o *Orchestrator) ToolUnload(laneIdx int) error {
	op, err := o.begin(laneIdx, OpToolUnload)
	if err != nil {
		return err
	}
	o.drv.Acquire()
	defer o.drv.Release()

	err = o.toolUnload(op)
	o.end(op, err)
	return err
}

func (o *Orchestrator) toolUnload(op *Operation) error {
	laneIdx := op.Lane

	st, err := o.tracker.Get(laneIdx)
	if err != nil {
		return err
	}
	if !st.ToolLoaded {
		return errors.New(errors.ErrOperationConflict, "lane is not loaded in the toolhead").
			SetLane(laneIdx).SetOp(string(op.Kind))
	}

	err = o.toolUnloadSteps(laneIdx)
	if err != nil {
		o.recoverSelector(op)
		return err
	}

	o.notify(Event{Type: EventUnloaded, Lane: laneIdx,
		Operation: string(op.Kind), OperationID: op.ID})
	return nil
}

func (o *Orchestrator) toolUnloadSteps(laneIdx int) error {
	if err := o.assist.Disable(laneIdx); err != nil {
		return err
	}

	// Back the tip out of the melt zone in lockstep with the
	// toolhead extruder. The drive is still synced from the tool
	// load; this re-asserts the invariant in case the host was
	// restarted with filament in the toolhead.
	o.drv.Sync()
	if err := o.drv.Feed(-o.cfg.SensorToNozzle, o.cfg.FeedProfile); err != nil {
		return err
	}

	if o.sensors.ToolheadPost != nil {
		if err := o.drv.FeedAttempts(o.sensors.ToolheadPost, false,
			-o.cfg.ToolheadStepLen, o.cfg.ToolheadAttempts, o.cfg.FeedProfile); err != nil {
			return err
		}
	}
	if err := o.drv.FeedAttempts(o.sensors.ToolheadPre, false,
		-o.cfg.ToolheadStepLen, o.cfg.ToolheadAttempts, o.cfg.FeedProfile); err != nil {
		return err
	}

	// Past the extruder gears the toolhead no longer touches the
	// filament.
	o.drv.Unsync()

	// The Unload position engages the rewind path so the spool winds
	// the slack back up during the long retract.
	if err := o.sel.MoveTo(laneIdx, selector.PositionUnload); err != nil {
		return err
	}

	if err := o.drv.Feed(-o.cfg.BowdenLength, o.cfg.BowdenProfile); err != nil {
		return err
	}
	if err := o.drv.Feed(-(o.cfg.HubClearDistance + o.cfg.BufferZoneDepth), o.cfg.FeedProfile); err != nil {
		return err
	}
	if o.sensors.Hub.State() {
		o.logger.Warn("hub sensor still triggered after retracting lane %d past the junction", laneIdx)
	}

	if err := o.homeSelector(); err != nil {
		return err
	}

	o.tracker.SetToolLoaded(laneIdx, false)
	o.tracker.SetBufferDepth(laneIdx, -o.cfg.BufferZoneDepth)
	return nil
}

// LaneEject withdraws a staged lane completely out of the unit so the
// spool can be removed. The toolhead lane cannot be ejected.
func (o *Orchestrator) LaneEject(laneIdx int) error {
	op, err := o.begin(laneIdx, OpLaneEject)
	if err != nil {
		return err
	}
	o.drv.Acquire()
	defer o.drv.Release()

	err = o.laneEject(op)
	o.end(op, err)
	return err
}

func (o *Orchestrator) laneEject(op *Operation) error {
	laneIdx := op.Lane

	st, err := o.tracker.Get(laneIdx)
	if err != nil {
		return err
	}
	if st.ToolLoaded {
		return errors.New(errors.ErrOperationConflict, "lane is loaded in the toolhead, unload first").
			SetLane(laneIdx).SetOp(string(op.Kind))
	}

	err = o.laneEjectSteps(laneIdx, st.BufferDepth)
	if err != nil {
		// The retract may have stopped anywhere; the buffer
		// position can no longer be trusted.
		o.tracker.SetLoadedToHub(laneIdx, false)
		o.recoverSelector(op)
		return err
	}

	o.notify(Event{Type: EventEjected, Lane: laneIdx,
		Operation: string(op.Kind), OperationID: op.ID})
	return nil
}

func (o *Orchestrator) laneEjectSteps(laneIdx int, bufferDepth float64) error {
	if err := o.sel.MoveTo(laneIdx, selector.PositionUnload); err != nil {
		return err
	}

	// Retract until the lane presence sensor clears, bounded by the
	// full lane path plus the eject margin.
	budget := o.cfg.LaneHubDistance[laneIdx-1] + o.cfg.EjectMargin - bufferDepth
	fed, err := o.drv.FeedUntil(o.sensors.Presence[laneIdx-1], false, -budget, o.cfg.FeedProfile)
	if errors.Is(err, errors.ErrSensorNotReached) {
		return errors.EjectIncompleteError(laneIdx, fed)
	}
	if err != nil {
		return err
	}

	if err := o.homeSelector(); err != nil {
		return err
	}

	o.tracker.SetLoadedToHub(laneIdx, false)
	o.tracker.SetBufferDepth(laneIdx, 0)
	return nil
}

// homeSelector homes the selector and counts the completed cycle.
func (o *Orchestrator) homeSelector() error {
	if err := o.sel.Home(); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SelectorHomesTotal.Inc()
	}
	return nil
}

// recoverSelector parks the selector at Home after a failed
// operation. Best-effort: a homing failure here is logged, the
// original operation error stands.
func (o *Orchestrator) recoverSelector(op *Operation) {
	if err := o.homeSelector(); err != nil {
		o.logger.ErrorWith("selector recovery after failed operation", log.Fields{
			"op": string(op.Kind), "lane": op.Lane, "error": err.Error(),
		})
	}
}

// Home homes the selector on operator request.
func (o *Orchestrator) Home() error {
	return o.homeSelector()
}

// SetSelectorPosition moves the selector to an explicit lane position
// on operator request, for calibration and recovery.
func (o *Orchestrator) SetSelectorPosition(laneIdx int, pos selector.Position) error {
	return o.sel.MoveTo(laneIdx, pos)
}

// EnableAssist turns tension assist on for a lane.
func (o *Orchestrator) EnableAssist(laneIdx int) error {
	return o.assist.Enable(laneIdx)
}

// DisableAssist turns tension assist off for a lane.
func (o *Orchestrator) DisableAssist(laneIdx int) error {
	return o.assist.Disable(laneIdx)
}

// QueryAssist reports a lane's assist state.
func (o *Orchestrator) QueryAssist(laneIdx int) (assist.QueryResult, error) {
	return o.assist.Query(laneIdx)
}

// SetAssistMode changes a lane's configured assist mode. The change
// takes effect the next time assist is enabled for the lane.
func (o *Orchestrator) SetAssistMode(laneIdx int, mode string) error {
	m, err := lane.ParseAssistMode(mode)
	if err != nil {
		return err
	}
	return o.tracker.SetAssistMode(laneIdx, m)
}
