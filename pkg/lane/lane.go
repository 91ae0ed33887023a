// Per-lane state tracking for the filament changer.
//
// The tracker is a plain record store: the routing orchestrator is the
// sole writer of the derived flags, the sensor layer is the sole
// writer of presence.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package lane

import (
	"strings"
	"sync"

	"afc-go/pkg/errors"
)

// AssistMode selects how the tension assist controller services a lane.
type AssistMode int

const (
	// AssistDisabled never reacts to tension edges.
	AssistDisabled AssistMode = iota
	// AssistPassive leaves the selector at Free; tension edges are ignored.
	AssistPassive
	// AssistActive keeps the selector at Load and feeds on tension edges.
	AssistActive
)

// String returns the lowercase mode name.
func (m AssistMode) String() string {
	switch m {
	case AssistDisabled:
		return "disabled"
	case AssistPassive:
		return "passive"
	case AssistActive:
		return "active"
	default:
		return "unknown"
	}
}

// ParseAssistMode parses an assist mode name.
func ParseAssistMode(s string) (AssistMode, error) {
	switch strings.ToLower(s) {
	case "disabled":
		return AssistDisabled, nil
	case "passive":
		return AssistPassive, nil
	case "active":
		return AssistActive, nil
	default:
		return 0, errors.ConfigValidationError("", "assist_mode", "must be active, passive or disabled")
	}
}

// State is a snapshot of one lane's record.
type State struct {
	Index       int
	Presence    bool    // filament present at the lane sensor
	LoadedToHub bool    // filament parked in the hub buffer zone
	ToolLoaded  bool    // filament loaded into the toolhead
	BufferDepth float64 // mm, signed offset of filament tip vs the hub reference
	AssistMode  AssistMode
}

// Tracker holds the per-lane records. Lanes are created at startup
// and persist for the process lifetime.
type Tracker struct {
	mu    sync.RWMutex
	lanes []State // index 0 holds lane 1
}

// NewTracker creates a tracker for laneCount lanes with the given
// configured assist modes (indexed by lane-1).
func NewTracker(modes []AssistMode) *Tracker {
	lanes := make([]State, len(modes))
	for i := range lanes {
		lanes[i] = State{Index: i + 1, AssistMode: modes[i]}
	}
	return &Tracker{lanes: lanes}
}

// LaneCount returns the number of lanes.
func (t *Tracker) LaneCount() int {
	return len(t.lanes)
}

// Get returns a snapshot of the lane record.
func (t *Tracker) Get(lane int) (State, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if lane < 1 || lane > len(t.lanes) {
		return State{}, errors.InvalidLaneError(lane, len(t.lanes))
	}
	return t.lanes[lane-1], nil
}

func (t *Tracker) set(lane int, mutate func(*State)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lane < 1 || lane > len(t.lanes) {
		return errors.InvalidLaneError(lane, len(t.lanes))
	}
	mutate(&t.lanes[lane-1])
	return nil
}

// SetPresence records the lane presence sensor state.
func (t *Tracker) SetPresence(lane int, present bool) error {
	return t.set(lane, func(s *State) { s.Presence = present })
}

// SetLoadedToHub records whether the lane is parked in the hub buffer.
func (t *Tracker) SetLoadedToHub(lane int, loaded bool) error {
	return t.set(lane, func(s *State) { s.LoadedToHub = loaded })
}

// SetToolLoaded records whether the lane occupies the toolhead.
func (t *Tracker) SetToolLoaded(lane int, loaded bool) error {
	return t.set(lane, func(s *State) { s.ToolLoaded = loaded })
}

// SetBufferDepth records the filament tip offset vs the hub reference.
func (t *Tracker) SetBufferDepth(lane int, depth float64) error {
	return t.set(lane, func(s *State) { s.BufferDepth = depth })
}

// SetAssistMode records the configured assist mode for a lane.
func (t *Tracker) SetAssistMode(lane int, mode AssistMode) error {
	return t.set(lane, func(s *State) { s.AssistMode = mode })
}

// ToolLoadedLane returns the lane currently occupying the toolhead.
// Only one lane may hold the toolhead at a time.
func (t *Tracker) ToolLoadedLane() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.lanes {
		if t.lanes[i].ToolLoaded {
			return t.lanes[i].Index, true
		}
	}
	return 0, false
}

// Snapshot returns a copy of all lane records.
func (t *Tracker) Snapshot() []State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]State, len(t.lanes))
	copy(out, t.lanes)
	return out
}

// GetStatus returns the tracker status keyed by lane index.
func (t *Tracker) GetStatus() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lanes := make([]map[string]any, len(t.lanes))
	for i, s := range t.lanes {
		lanes[i] = map[string]any{
			"lane":          s.Index,
			"presence":      s.Presence,
			"loaded_to_hub": s.LoadedToHub,
			"tool_loaded":   s.ToolLoaded,
			"buffer_depth":  s.BufferDepth,
			"assist_mode":   s.AssistMode.String(),
		}
	}
	return map[string]any{"lanes": lanes}
}
