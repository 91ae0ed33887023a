// Sensor event intake for the routing orchestrator.
//
// Edge callbacks from the hardware layer are funneled into a single
// buffered queue and consumed by one goroutine, so sensor handling
// never races with itself. Operations triggered by events (automatic
// pre-load) run on their own goroutine; the per-lane operation
// registry keeps them from overlapping commanded operations.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package routing

import (
	"afc-go/pkg/hardware"
	"afc-go/pkg/log"
)

type eventKind int

const (
	evPresence eventKind = iota
	evTension
	evTensionCommon
)

type sensorEvent struct {
	kind      eventKind
	lane      int // 1-based, 0 for shared sensors
	state     bool
	eventtime float64
}

// Start subscribes to sensor edges and launches the event consumer.
// The orchestrator can be restarted after Stop.
func (o *Orchestrator) Start() {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	if o.started {
		return
	}
	o.started = true
	o.events = make(chan sensorEvent, 64)
	o.done = make(chan struct{})

	for i, s := range o.sensors.Presence {
		laneIdx := i + 1
		cancel := s.OnEdge(func(eventtime float64, state bool) {
			o.push(sensorEvent{kind: evPresence, lane: laneIdx, state: state, eventtime: eventtime})
		})
		o.cancels = append(o.cancels, cancel)
	}
	for i, s := range o.sensors.Tension {
		laneIdx := i + 1
		cancel := hardware.OnRisingEdge(s, func(eventtime float64) {
			o.push(sensorEvent{kind: evTension, lane: laneIdx, state: true, eventtime: eventtime})
		})
		o.cancels = append(o.cancels, cancel)
	}
	if o.sensors.TensionCommon != nil {
		cancel := hardware.OnRisingEdge(o.sensors.TensionCommon, func(eventtime float64) {
			o.push(sensorEvent{kind: evTensionCommon, state: true, eventtime: eventtime})
		})
		o.cancels = append(o.cancels, cancel)
	}

	go o.consume(o.events, o.done)
}

// Stop unsubscribes from sensor edges and drains the consumer.
func (o *Orchestrator) Stop() {
	o.startMu.Lock()
	if !o.started {
		o.startMu.Unlock()
		return
	}
	o.started = false

	for _, cancel := range o.cancels {
		cancel()
	}
	o.cancels = nil
	// push holds startMu, so nothing can send once started is
	// cleared and the channel is safe to close here.
	close(o.events)
	done := o.done
	o.startMu.Unlock()
	<-done
}

// push enqueues a sensor event, dropping it when the queue is full.
// Events arriving after Stop (late edge callbacks, the periodic
// runout check) are dropped.
func (o *Orchestrator) push(ev sensorEvent) {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	if !o.started {
		return
	}
	select {
	case o.events <- ev:
	default:
		o.logger.Warn("sensor event queue full, dropping %d for lane %d", ev.kind, ev.lane)
	}
}

func (o *Orchestrator) consume(events chan sensorEvent, done chan struct{}) {
	defer close(done)
	for ev := range events {
		switch ev.kind {
		case evPresence:
			o.handlePresence(ev)
		case evTension:
			o.assist.HandleTension(ev.lane, ev.eventtime)
		case evTensionCommon:
			o.logger.Warn("shared tension limit sensor tripped")
			o.notify(Event{Type: EventMaxTension})
		}
	}
}

// handlePresence records a lane presence change. Filament inserted
// into an idle lane starts an automatic pre-load; filament lost on the
// toolhead lane is a runout.
func (o *Orchestrator) handlePresence(ev sensorEvent) {
	if err := o.tracker.SetPresence(ev.lane, ev.state); err != nil {
		o.logger.Error("presence update for lane %d: %v", ev.lane, err)
		return
	}

	st, err := o.tracker.Get(ev.lane)
	if err != nil {
		return
	}

	if ev.state {
		if st.LoadedToHub || st.ToolLoaded {
			return
		}
		if _, busy := o.InFlight(ev.lane); busy {
			return
		}
		o.logger.Info("filament inserted into lane %d, starting pre-load", ev.lane)
		go func() {
			if err := o.PreLoad(ev.lane); err != nil {
				o.logger.Error("automatic pre-load of lane %d: %v", ev.lane, err)
			}
		}()
		return
	}

	if st.ToolLoaded {
		o.logger.WarnWith("filament runout detected", log.Fields{"lane": ev.lane})
		o.notify(Event{Type: EventRunout, Lane: ev.lane})
	}
}

// CheckRunout re-evaluates presence against the tracker for every
// lane, surfacing a runout on the toolhead lane. Used by the periodic
// health check.
func (o *Orchestrator) CheckRunout() {
	for i, s := range o.sensors.Presence {
		laneIdx := i + 1
		present := s.State()
		st, err := o.tracker.Get(laneIdx)
		if err != nil {
			continue
		}
		if st.Presence == present {
			continue
		}
		o.push(sensorEvent{kind: evPresence, lane: laneIdx, state: present,
			eventtime: o.reactor.Monotonic()})
	}
}
