// This file may be distributed under the terms of the GNU GPLv3 license.

package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afc-go/pkg/errors"
)

func TestOffset(t *testing.T) {
	g := Geometry{
		LaneCount:            3,
		Lane1Offset:          1.5,
		InterLaneSpacing:     25,
		InterPositionSpacing: 5,
	}

	tests := []struct {
		name string
		lane int
		pos  Position
		want float64
	}{
		{"lane1 load", 1, PositionLoad, 1.5},
		{"lane1 free", 1, PositionFree, 6.5},
		{"lane1 unload", 1, PositionUnload, 11.5},
		{"lane2 load", 2, PositionLoad, 26.5},
		{"lane2 unload", 2, PositionUnload, 36.5},
		{"lane3 free", 3, PositionFree, 56.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Offset(tt.lane, tt.pos)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOffsetMonotonic(t *testing.T) {
	g := Geometry{
		LaneCount:            4,
		Lane1Offset:          3,
		InterLaneSpacing:     18,
		InterPositionSpacing: 4,
	}

	prev := -1.0
	for lane := 1; lane <= g.LaneCount; lane++ {
		for _, pos := range []Position{PositionLoad, PositionFree, PositionUnload} {
			off, err := g.Offset(lane, pos)
			require.NoError(t, err)
			assert.Greater(t, off, prev, "lane %d pos %s", lane, pos)
			prev = off
		}
	}
}

func TestOffsetInvalidLane(t *testing.T) {
	g := Geometry{LaneCount: 2, Lane1Offset: 1, InterLaneSpacing: 10, InterPositionSpacing: 2}

	for _, lane := range []int{0, -3, 3, 100} {
		_, err := g.Offset(lane, PositionLoad)
		require.Error(t, err, "lane %d", lane)
		assert.True(t, errors.Is(err, errors.ErrInvalidLane))
	}
}

func TestParsePosition(t *testing.T) {
	for _, s := range []string{"load", "free", "unload"} {
		pos, err := ParsePosition(s)
		require.NoError(t, err)
		assert.Equal(t, s, pos.String())
	}
	_, err := ParsePosition("sideways")
	assert.Error(t, err)
}
