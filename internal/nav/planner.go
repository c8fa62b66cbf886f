package nav

import (
	"errors"
	"math"
	"sort"

	"github.com/openacre/mowcore/internal/control"
)

// ErrNoCoverageArea is returned when the geofence has no active inclusion
// boundary to plan over.
var ErrNoCoverageArea = errors.New("no active inclusion boundary to cover")

// PlanCoverage computes a boustrophedon (parallel-line) coverage path over
// the active inclusion boundaries, skipping active exclusion zones. Lane
// spacing is the distance between adjacent passes; callers derive it from
// the cutting width and the configured overlap. Waypoints are ordered
// serpentine so adjacent lanes are driven in opposite directions.
func PlanCoverage(g *Geofence, laneSpacing float64) ([]control.Point, error) {
	if laneSpacing <= 0 {
		return nil, errors.New("lane spacing must be positive")
	}
	if !g.Armed() {
		return nil, ErrNoCoverageArea
	}

	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, b := range g.boundaries {
		if !b.Active || b.Kind != BoundaryInclusion {
			continue
		}
		for _, v := range b.Vertices {
			minY = math.Min(minY, v.Y)
			maxY = math.Max(maxY, v.Y)
		}
	}

	var path []control.Point
	reverse := false
	for y := minY + laneSpacing/2; y < maxY; y += laneSpacing {
		spans := laneSpans(g, y)
		if len(spans) == 0 {
			continue
		}

		if reverse {
			for i := len(spans) - 1; i >= 0; i-- {
				path = append(path,
					control.Point{X: spans[i][1], Y: y},
					control.Point{X: spans[i][0], Y: y})
			}
		} else {
			for _, s := range spans {
				path = append(path,
					control.Point{X: s[0], Y: y},
					control.Point{X: s[1], Y: y})
			}
		}
		reverse = !reverse
	}

	if len(path) == 0 {
		return nil, ErrNoCoverageArea
	}
	return path, nil
}

// PathLength returns the total driven distance of a waypoint path in meters.
func PathLength(path []control.Point) float64 {
	var total float64
	for i := 1; i < len(path); i++ {
		total += path[i-1].DistanceTo(path[i])
	}
	return total
}

// exclusionMargin keeps planned waypoints strictly off exclusion edges;
// the point-in-polygon test counts edge points as inside.
const exclusionMargin = 0.01

// laneSpans computes the drivable x-intervals at height y: inside the
// inclusion boundaries, minus the exclusion zones.
func laneSpans(g *Geofence, y float64) [][2]float64 {
	var spans [][2]float64
	for _, b := range g.boundaries {
		if !b.Active || b.Kind != BoundaryInclusion {
			continue
		}
		spans = append(spans, polygonSpans(b, y)...)
	}

	for _, b := range g.boundaries {
		if !b.Active || b.Kind != BoundaryExclusion {
			continue
		}
		for _, hole := range polygonSpans(b, y) {
			spans = subtractSpan(spans, [2]float64{hole[0] - exclusionMargin, hole[1] + exclusionMargin})
		}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	return spans
}

// polygonSpans returns the x-intervals where the horizontal line at y is
// inside the polygon, from the sorted edge crossings.
func polygonSpans(b Boundary, y float64) [][2]float64 {
	var xs []float64
	n := len(b.Vertices)
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := b.Vertices[i], b.Vertices[j]
		if (vi.Y > y) != (vj.Y > y) {
			xs = append(xs, vi.X+(y-vi.Y)/(vj.Y-vi.Y)*(vj.X-vi.X))
		}
		j = i
	}

	sort.Float64s(xs)

	var spans [][2]float64
	for i := 0; i+1 < len(xs); i += 2 {
		if xs[i+1]-xs[i] > 0 {
			spans = append(spans, [2]float64{xs[i], xs[i+1]})
		}
	}
	return spans
}

// subtractSpan removes the hole interval from every span it overlaps.
func subtractSpan(spans [][2]float64, hole [2]float64) [][2]float64 {
	var out [][2]float64
	for _, s := range spans {
		if hole[1] <= s[0] || hole[0] >= s[1] {
			out = append(out, s)
			continue
		}
		if hole[0] > s[0] {
			out = append(out, [2]float64{s[0], hole[0]})
		}
		if hole[1] < s[1] {
			out = append(out, [2]float64{hole[1], s[1]})
		}
	}
	return out
}
