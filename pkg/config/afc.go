package config

import (
	"fmt"

	"afc-go/pkg/errors"
)

// UnitConfig holds the calibrated constants for one filament changer
// unit, loaded from the [afc] section.
type UnitConfig struct {
	Name      string
	LaneCount int

	// Selector geometry (mm from the homed reference)
	Lane1Offset          float64
	InterLaneSpacing     float64
	InterPositionSpacing float64
	SelectorSpeed        float64
	SelectorAccel        float64
	SelectorTravelMargin float64

	// Drive feed profiles
	FeedSpeed   float64
	FeedAccel   float64
	BowdenSpeed float64
	BowdenAccel float64

	// Transport distances (mm)
	BowdenLength      float64
	BufferZoneDepth   float64
	HubClearDistance  float64
	HubFeedMargin     float64 // multiplier applied to per-lane hub distance budgets
	SensorToNozzle    float64
	ToolheadStepLen   float64
	ToolheadAttempts  int
	FeedSegmentLength float64
	EjectMargin       float64

	// Tension assist
	TensionFeedLength float64
	TensionFeedSpeed  float64
	TensionFeedAccel  float64
	MinAssistInterval float64 // seconds

	Lanes []LaneConfig // indexed 0..LaneCount-1 for lanes 1..LaneCount
}

// LaneConfig holds per-lane calibration from an [afc_lane N] section.
type LaneConfig struct {
	Index       int
	HubDistance float64
	AssistMode  string // "active", "passive" or "disabled"
}

// LoadUnit reads the [afc] and [afc_lane N] sections into a UnitConfig.
func LoadUnit(c *Config) (*UnitConfig, error) {
	sec, err := c.GetSection("afc")
	if err != nil {
		return nil, err
	}

	uc := &UnitConfig{}
	if uc.Name, err = sec.Get("name", "afc"); err != nil {
		return nil, err
	}
	if uc.LaneCount, err = sec.GetInt("lane_count", 4); err != nil {
		return nil, err
	}
	if uc.LaneCount < 1 {
		return nil, errors.ConfigValidationError("afc", "lane_count", "must be at least 1")
	}

	if uc.Lane1Offset, err = sec.GetFloat("lane1_offset"); err != nil {
		return nil, err
	}
	if uc.InterLaneSpacing, err = sec.GetFloat("inter_lane_spacing"); err != nil {
		return nil, err
	}
	if uc.InterPositionSpacing, err = sec.GetFloat("inter_position_spacing"); err != nil {
		return nil, err
	}
	if uc.InterPositionSpacing <= 0 {
		return nil, errors.ConfigValidationError("afc", "inter_position_spacing", "must be positive")
	}
	if uc.SelectorSpeed, err = sec.GetFloat("selector_speed", 50); err != nil {
		return nil, err
	}
	if uc.SelectorAccel, err = sec.GetFloat("selector_accel", 50); err != nil {
		return nil, err
	}
	if uc.SelectorTravelMargin, err = sec.GetFloat("selector_travel_margin", 10); err != nil {
		return nil, err
	}

	if uc.FeedSpeed, err = sec.GetFloat("feed_speed", 50); err != nil {
		return nil, err
	}
	if uc.FeedAccel, err = sec.GetFloat("feed_accel", 400); err != nil {
		return nil, err
	}
	if uc.BowdenSpeed, err = sec.GetFloat("bowden_speed", 120); err != nil {
		return nil, err
	}
	if uc.BowdenAccel, err = sec.GetFloat("bowden_accel", 400); err != nil {
		return nil, err
	}

	if uc.BowdenLength, err = sec.GetFloat("bowden_length"); err != nil {
		return nil, err
	}
	if uc.BufferZoneDepth, err = sec.GetFloat("buffer_zone_depth", 20); err != nil {
		return nil, err
	}
	if uc.HubClearDistance, err = sec.GetFloat("hub_clear_distance", 10); err != nil {
		return nil, err
	}
	if uc.HubFeedMargin, err = sec.GetFloat("hub_feed_margin", 1.25); err != nil {
		return nil, err
	}
	if uc.HubFeedMargin < 1.0 {
		return nil, errors.ConfigValidationError("afc", "hub_feed_margin", "must be at least 1.0")
	}
	if uc.SensorToNozzle, err = sec.GetFloat("sensor_to_nozzle", 50); err != nil {
		return nil, err
	}
	if uc.ToolheadStepLen, err = sec.GetFloat("toolhead_step_length", 5); err != nil {
		return nil, err
	}
	if uc.ToolheadAttempts, err = sec.GetInt("toolhead_max_attempts", 20); err != nil {
		return nil, err
	}
	if uc.FeedSegmentLength, err = sec.GetFloat("feed_segment_length", 10); err != nil {
		return nil, err
	}
	if uc.FeedSegmentLength <= 0 {
		return nil, errors.ConfigValidationError("afc", "feed_segment_length", "must be positive")
	}
	if uc.EjectMargin, err = sec.GetFloat("eject_margin", 20); err != nil {
		return nil, err
	}

	if uc.TensionFeedLength, err = sec.GetFloat("tension_feed_length", 10); err != nil {
		return nil, err
	}
	if uc.TensionFeedSpeed, err = sec.GetFloat("tension_feed_speed", 50); err != nil {
		return nil, err
	}
	if uc.TensionFeedAccel, err = sec.GetFloat("tension_feed_accel", 400); err != nil {
		return nil, err
	}
	if uc.MinAssistInterval, err = sec.GetFloat("min_assist_interval", 0.5); err != nil {
		return nil, err
	}

	uc.Lanes = make([]LaneConfig, uc.LaneCount)
	for i := 1; i <= uc.LaneCount; i++ {
		name := fmt.Sprintf("afc_lane %d", i)
		laneSec, err := c.GetSection(name)
		if err != nil {
			return nil, err
		}
		lc := LaneConfig{Index: i}
		if lc.HubDistance, err = laneSec.GetFloat("hub_distance"); err != nil {
			return nil, err
		}
		if lc.HubDistance <= 0 {
			return nil, errors.ConfigValidationError(name, "hub_distance", "must be positive")
		}
		if lc.AssistMode, err = laneSec.GetChoice("assist_mode",
			[]string{"active", "passive", "disabled"}, "passive"); err != nil {
			return nil, err
		}
		uc.Lanes[i-1] = lc
	}

	return uc, nil
}
