// Tension assist controller for the filament changer.
//
// Monitors per-lane tension sensors while a lane is printing and
// feeds a short length of filament when tension is detected. Two
// modes: Active keeps the selector engaged at Load and feeds on
// tension edges; Passive parks the selector at Free and never feeds.
// Assist is best-effort: it never interrupts an in-flight routing
// operation and its failures never abort a print.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package assist

import (
	"sync"

	"afc-go/pkg/drive"
	"afc-go/pkg/hardware"
	"afc-go/pkg/lane"
	"afc-go/pkg/log"
	"afc-go/pkg/metrics"
	"afc-go/pkg/selector"
)

// consecutiveFailureWarn is the threshold for surfacing repeated
// assist failures as a warning.
const consecutiveFailureWarn = 3

// Config holds tension assist configuration.
type Config struct {
	FeedLength  float64 // mm fed per assist
	Profile     hardware.SpeedProfile
	MinInterval float64 // seconds between assists (debounce)
}

// laneState is the per-lane assist record.
type laneState struct {
	enabled    bool
	mode       lane.AssistMode // effective mode, latched at Enable
	lastAssist float64
	failures   int
}

// Controller implements per-lane tension assist.
type Controller struct {
	mu sync.Mutex

	drv     *drive.Controller
	sel     *selector.Controller
	tracker *lane.Tracker
	clock   func() float64
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics

	states []laneState // index 0 holds lane 1
}

// New creates a tension assist controller. clock supplies monotonic
// seconds (the reactor clock).
func New(drv *drive.Controller, sel *selector.Controller, tracker *lane.Tracker,
	clock func() float64, cfg Config, logger *log.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		drv:     drv,
		sel:     sel,
		tracker: tracker,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		states:  make([]laneState, tracker.LaneCount()),
	}
}

// Enable activates assist for a lane, latching the lane's configured
// mode and positioning the selector accordingly (Active keeps the
// drive engaged at Load, Passive parks at Free). Called when the lane
// is loaded into the toolhead. Mode changes made while enabled take
// effect only at the next Enable.
func (c *Controller) Enable(laneIdx int) error {
	st, err := c.tracker.Get(laneIdx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	s := &c.states[laneIdx-1]
	s.mode = st.AssistMode
	s.enabled = st.AssistMode != lane.AssistDisabled
	s.failures = 0
	enabled := s.enabled
	mode := s.mode
	c.mu.Unlock()

	if !enabled {
		c.logger.Debug("assist disabled for lane %d", laneIdx)
		return nil
	}

	pos := selector.PositionFree
	if mode == lane.AssistActive {
		pos = selector.PositionLoad
	}
	if err := c.sel.MoveTo(laneIdx, pos); err != nil {
		return err
	}
	c.logger.Info("assist enabled for lane %d in %s mode", laneIdx, mode)
	return nil
}

// Disable deactivates assist for a lane. Called when the lane is
// unloaded from the toolhead.
func (c *Controller) Disable(laneIdx int) error {
	if _, err := c.tracker.Get(laneIdx); err != nil {
		return err
	}
	c.mu.Lock()
	c.states[laneIdx-1].enabled = false
	c.mu.Unlock()
	c.logger.Debug("assist disabled for lane %d", laneIdx)
	return nil
}

// HandleTension processes a debounced tension sensor rising edge for a
// lane. Edges inside the debounce window are dropped, not queued.
// Lock contention with an in-flight operation drops the edge silently:
// assist is best-effort.
func (c *Controller) HandleTension(laneIdx int, eventtime float64) {
	if laneIdx < 1 || laneIdx > len(c.states) {
		return
	}

	c.mu.Lock()
	s := &c.states[laneIdx-1]
	if !s.enabled || s.mode != lane.AssistActive {
		c.mu.Unlock()
		c.dropped("disabled")
		return
	}
	if eventtime-s.lastAssist < c.cfg.MinInterval {
		c.mu.Unlock()
		c.dropped("debounce")
		return
	}
	c.mu.Unlock()

	if !c.drv.TryAcquire() {
		c.logger.Debug("lane %d assist skipped: drive busy", laneIdx)
		c.dropped("busy")
		return
	}
	err := c.drv.Feed(c.cfg.FeedLength, c.cfg.Profile)
	c.drv.Release()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		s.failures++
		c.logger.Error("lane %d assist feed failed: %v", laneIdx, err)
		if s.failures >= consecutiveFailureWarn {
			c.logger.Warn("lane %d assist has failed %d times in a row", laneIdx, s.failures)
		}
		c.dropped("fault")
		return
	}

	s.lastAssist = eventtime
	s.failures = 0
	if c.metrics != nil {
		c.metrics.AssistFeedsTotal.Inc()
	}
	c.logger.Debug("lane %d assist fed %.1fmm", laneIdx, c.cfg.FeedLength)
}

func (c *Controller) dropped(reason string) {
	if c.metrics != nil {
		c.metrics.AssistDroppedTotal.WithLabelValues(reason).Inc()
	}
}

// QueryResult reports a lane's assist state.
type QueryResult struct {
	Enabled        bool
	Mode           lane.AssistMode // effective mode
	ConfiguredMode lane.AssistMode
	LastAssistAge  float64 // seconds since the last assist, -1 if never
}

// Query returns a lane's assist state.
func (c *Controller) Query(laneIdx int) (QueryResult, error) {
	st, err := c.tracker.Get(laneIdx)
	if err != nil {
		return QueryResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[laneIdx-1]
	age := -1.0
	if s.lastAssist > 0 {
		age = c.clock() - s.lastAssist
	}
	return QueryResult{
		Enabled:        s.enabled,
		Mode:           s.mode,
		ConfiguredMode: st.AssistMode,
		LastAssistAge:  age,
	}, nil
}

// GetStatus returns the assist status keyed by lane index.
func (c *Controller) GetStatus() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	lanes := make([]map[string]any, len(c.states))
	for i, s := range c.states {
		lanes[i] = map[string]any{
			"lane":    i + 1,
			"enabled": s.enabled,
			"mode":    s.mode.String(),
		}
	}
	return map[string]any{"lanes": lanes}
}
