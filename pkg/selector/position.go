// Selector position model for the filament changer.
//
// The selector engages the shared drive mechanism with one lane at one
// of three logical positions. The model maps (lane, position) to an
// absolute selector offset from the homed reference; it performs no
// I/O.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package selector

import (
	"fmt"
	"strings"

	"afc-go/pkg/errors"
)

// Position is a logical selector position within a lane.
type Position int

const (
	// PositionLoad engages the drive gear for feeding toward the toolhead.
	PositionLoad Position = iota
	// PositionFree leaves the filament disengaged from the drive gear.
	PositionFree
	// PositionUnload engages the drive gear for retraction to the spool.
	PositionUnload
)

// String returns the lowercase position name.
func (p Position) String() string {
	switch p {
	case PositionLoad:
		return "load"
	case PositionFree:
		return "free"
	case PositionUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// ParsePosition parses a position name.
func ParsePosition(s string) (Position, error) {
	switch strings.ToLower(s) {
	case "load":
		return PositionLoad, nil
	case "free":
		return PositionFree, nil
	case "unload":
		return PositionUnload, nil
	default:
		return 0, fmt.Errorf("unknown selector position %q", s)
	}
}

// Geometry holds the calibrated selector geometry.
type Geometry struct {
	LaneCount            int
	Lane1Offset          float64
	InterLaneSpacing     float64
	InterPositionSpacing float64
}

// Offset returns the absolute selector offset for a lane and position.
// Lane indices run 1..LaneCount.
func (g Geometry) Offset(lane int, pos Position) (float64, error) {
	if lane < 1 || lane > g.LaneCount {
		return 0, errors.InvalidLaneError(lane, g.LaneCount)
	}

	laneOffset := g.Lane1Offset + float64(lane-1)*g.InterLaneSpacing

	var positionOffset float64
	switch pos {
	case PositionLoad:
		positionOffset = 0
	case PositionFree:
		positionOffset = g.InterPositionSpacing
	case PositionUnload:
		positionOffset = 2 * g.InterPositionSpacing
	}

	return laneOffset + positionOffset, nil
}

// MaxTravel returns the largest reachable selector offset.
func (g Geometry) MaxTravel() float64 {
	offset, _ := g.Offset(g.LaneCount, PositionUnload)
	return offset
}
