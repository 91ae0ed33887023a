// Lifecycle notifications emitted by the routing orchestrator.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package routing

// Event types reported to the Notifier.
const (
	EventLoading    = "lane_loading"     // pre-load or tool-load started
	EventPreLoaded  = "lane_preloaded"   // filament parked in the hub buffer
	EventToolLoaded = "tool_loaded"      // filament loaded into the toolhead
	EventUnloaded   = "tool_unloaded"    // filament retracted back to the buffer
	EventEjected    = "lane_ejected"     // filament fully withdrawn from the unit
	EventFailed     = "operation_failed" // an operation aborted with an error
	EventRunout     = "runout"           // presence lost on the printing lane
	EventMaxTension = "max_tension"      // shared tension limit sensor tripped
)

// Event is a lifecycle notification.
type Event struct {
	Type        string  `json:"type"`
	Lane        int     `json:"lane,omitempty"`
	Operation   string  `json:"operation,omitempty"`
	OperationID string  `json:"operation_id,omitempty"`
	Error       string  `json:"error,omitempty"`
	Time        float64 `json:"time"`
}

// Notifier receives lifecycle events. Implementations must not block:
// events are delivered from the orchestrator's operation goroutines.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev Event)

// Notify calls f.
func (f NotifierFunc) Notify(ev Event) { f(ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
