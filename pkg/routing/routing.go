// Package routing implements the filament routing orchestrator: the
// top-level state machines that move filament between the lane spool,
// the shared hub buffer, and the toolhead, while keeping the selector
// and drive actuators in valid combinations and the per-lane state
// records truthful.
//
// The orchestrator serializes all drive motion through the drive
// reservation and all selector motion through the selector
// controller; at most one operation is in flight per lane.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package routing

import (
	"sync"

	"github.com/google/uuid"

	"afc-go/pkg/assist"
	"afc-go/pkg/config"
	"afc-go/pkg/drive"
	"afc-go/pkg/errors"
	"afc-go/pkg/hardware"
	"afc-go/pkg/lane"
	"afc-go/pkg/log"
	"afc-go/pkg/metrics"
	"afc-go/pkg/reactor"
	"afc-go/pkg/selector"
)

// OperationKind identifies a routing operation.
type OperationKind string

const (
	OpPreLoad    OperationKind = "pre_load"
	OpToolLoad   OperationKind = "tool_load"
	OpToolUnload OperationKind = "tool_unload"
	OpLaneEject  OperationKind = "lane_eject"
)

// Operation is an in-flight orchestrator transaction.
type Operation struct {
	ID      string
	Kind    OperationKind
	Lane    int
	Started float64
}

// Config holds the orchestrator's calibrated distances and profiles.
type Config struct {
	BufferZoneDepth  float64
	HubClearDistance float64
	HubFeedMargin    float64
	BowdenLength     float64
	SensorToNozzle   float64
	ToolheadStepLen  float64
	ToolheadAttempts int
	EjectMargin      float64

	FeedProfile   hardware.SpeedProfile
	BowdenProfile hardware.SpeedProfile

	// LaneHubDistance holds per-lane spool-to-hub distances, indexed
	// by lane-1.
	LaneHubDistance []float64
}

// ConfigFromUnit builds the orchestrator config from the loaded unit
// calibration.
func ConfigFromUnit(uc *config.UnitConfig) Config {
	hubDist := make([]float64, len(uc.Lanes))
	for i, lc := range uc.Lanes {
		hubDist[i] = lc.HubDistance
	}
	return Config{
		BufferZoneDepth:  uc.BufferZoneDepth,
		HubClearDistance: uc.HubClearDistance,
		HubFeedMargin:    uc.HubFeedMargin,
		BowdenLength:     uc.BowdenLength,
		SensorToNozzle:   uc.SensorToNozzle,
		ToolheadStepLen:  uc.ToolheadStepLen,
		ToolheadAttempts: uc.ToolheadAttempts,
		EjectMargin:      uc.EjectMargin,
		FeedProfile:      hardware.SpeedProfile{Speed: uc.FeedSpeed, Accel: uc.FeedAccel},
		BowdenProfile:    hardware.SpeedProfile{Speed: uc.BowdenSpeed, Accel: uc.BowdenAccel},
		LaneHubDistance:  hubDist,
	}
}

// Sensors groups the sensor inputs consumed by the orchestrator.
// ToolheadPost and TensionCommon are optional.
type Sensors struct {
	Hub           hardware.Sensor
	ToolheadPre   hardware.Sensor
	ToolheadPost  hardware.Sensor
	Presence      []hardware.Sensor // per lane, indexed by lane-1
	Tension       []hardware.Sensor // per lane, indexed by lane-1
	TensionCommon hardware.Sensor
}

// Params holds the orchestrator's collaborators.
type Params struct {
	Config   Config
	Selector *selector.Controller
	Drive    *drive.Controller
	Tracker  *lane.Tracker
	Assist   *assist.Controller
	Sensors  Sensors
	Reactor  *reactor.Reactor
	Logger   *log.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier
}

// Orchestrator drives the filament transport state machines.
type Orchestrator struct {
	cfg      Config
	sel      *selector.Controller
	drv      *drive.Controller
	tracker  *lane.Tracker
	assist   *assist.Controller
	sensors  Sensors
	reactor  *reactor.Reactor
	logger   *log.Logger
	metrics  *metrics.Metrics
	notifier Notifier

	opMu sync.Mutex
	ops  map[int]*Operation // in-flight operation per lane

	// Event intake state, guarded by startMu. The channels are
	// created per Start so the orchestrator can be restarted.
	events  chan sensorEvent
	done    chan struct{}
	cancels []func()
	started bool
	startMu sync.Mutex
}

// New creates an orchestrator. Call Start to begin consuming sensor
// events.
func New(p Params) *Orchestrator {
	n := p.Notifier
	if n == nil {
		n = nopNotifier{}
	}
	return &Orchestrator{
		cfg:      p.Config,
		sel:      p.Selector,
		drv:      p.Drive,
		tracker:  p.Tracker,
		assist:   p.Assist,
		sensors:  p.Sensors,
		reactor:  p.Reactor,
		logger:   p.Logger,
		metrics:  p.Metrics,
		notifier: n,
		ops:      make(map[int]*Operation),
	}
}

// SetNotifier installs the lifecycle event sink. Call before Start.
func (o *Orchestrator) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	o.notifier = n
}

// InFlight returns the operation currently owning a lane, if any.
func (o *Orchestrator) InFlight(laneIdx int) (Operation, bool) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if op, ok := o.ops[laneIdx]; ok {
		return *op, true
	}
	return Operation{}, false
}

// begin registers a new operation for a lane. A lane with an in-flight
// operation rejects the request with OperationConflict.
func (o *Orchestrator) begin(laneIdx int, kind OperationKind) (*Operation, error) {
	if _, err := o.tracker.Get(laneIdx); err != nil {
		return nil, err
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	if inFlight, ok := o.ops[laneIdx]; ok {
		return nil, errors.OperationConflictError(laneIdx, string(inFlight.Kind))
	}

	if kind == OpToolLoad {
		// System-wide invariant: only one lane in the toolhead.
		if holder, ok := o.tracker.ToolLoadedLane(); ok {
			return nil, errors.ToolheadOccupiedError(laneIdx, holder)
		}
	}

	op := &Operation{
		ID:      uuid.NewString(),
		Kind:    kind,
		Lane:    laneIdx,
		Started: o.reactor.Monotonic(),
	}
	o.ops[laneIdx] = op
	return op, nil
}

// end unregisters an operation and records its outcome.
func (o *Orchestrator) end(op *Operation, err error) {
	o.opMu.Lock()
	delete(o.ops, op.Lane)
	o.opMu.Unlock()

	result := "success"
	if err != nil {
		result = "failure"
		if o.metrics != nil {
			o.metrics.ErrorsTotal.WithLabelValues(string(errors.CodeOf(err))).Inc()
		}
		o.logger.ErrorWith("operation failed", log.Fields{
			"op": string(op.Kind), "lane": op.Lane, "id": op.ID, "error": err.Error(),
		})
		o.notify(Event{Type: EventFailed, Lane: op.Lane,
			Operation: string(op.Kind), OperationID: op.ID, Error: err.Error()})
	} else {
		o.logger.InfoWith("operation complete", log.Fields{
			"op": string(op.Kind), "lane": op.Lane, "id": op.ID,
			"elapsed": o.reactor.Monotonic() - op.Started,
		})
	}
	if o.metrics != nil {
		o.metrics.OperationsTotal.WithLabelValues(string(op.Kind), result).Inc()
	}
	o.updateGauges()
}

// updateGauges refreshes the lane occupancy gauges from the tracker.
func (o *Orchestrator) updateGauges() {
	if o.metrics == nil {
		return
	}
	loaded := 0
	for _, s := range o.tracker.Snapshot() {
		if s.LoadedToHub {
			loaded++
		}
	}
	o.metrics.LanesLoadedToHub.Set(float64(loaded))
	holder, _ := o.tracker.ToolLoadedLane()
	o.metrics.ToolLoadedLane.Set(float64(holder))
}

func (o *Orchestrator) notify(ev Event) {
	ev.Time = o.reactor.Monotonic()
	o.notifier.Notify(ev)
}

// GetStatus returns the orchestrator status.
func (o *Orchestrator) GetStatus() map[string]any {
	o.opMu.Lock()
	inFlight := make([]map[string]any, 0, len(o.ops))
	for _, op := range o.ops {
		inFlight = append(inFlight, map[string]any{
			"id": op.ID, "op": string(op.Kind), "lane": op.Lane,
		})
	}
	o.opMu.Unlock()

	return map[string]any{
		"operations": inFlight,
		"selector":   o.sel.GetStatus(),
		"drive":      o.drv.GetStatus(),
		"lanes":      o.tracker.GetStatus()["lanes"],
		"assist":     o.assist.GetStatus()["lanes"],
	}
}
