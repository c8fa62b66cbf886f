package nav

import (
	"fmt"

	"github.com/openacre/mowcore/internal/control"
)

// BoundaryKind distinguishes areas the mower must stay inside from areas it
// must stay out of.
type BoundaryKind string

const (
	BoundaryInclusion BoundaryKind = "inclusion"
	BoundaryExclusion BoundaryKind = "exclusion"
)

// Boundary is one geofence polygon. Vertices are ordered; the polygon is
// implicitly closed. Boundaries are read-only to navigation during a run.
type Boundary struct {
	Name     string
	Kind     BoundaryKind
	Active   bool
	Vertices []control.Point
}

// Contains reports whether p lies inside the polygon, by ray casting.
// Points exactly on an edge count as inside.
func (b Boundary) Contains(p control.Point) bool {
	n := len(b.Vertices)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := b.Vertices[i], b.Vertices[j]
		if (vi.Y > p.Y) != (vj.Y > p.Y) {
			xCross := vi.X + (p.Y-vi.Y)/(vj.Y-vi.Y)*(vj.X-vi.X)
			if p.X < xCross {
				inside = !inside
			} else if p.X == xCross {
				return true
			}
		}
		j = i
	}
	return inside
}

// Geofence is the set of boundary polygons autonomous motion must respect
// at all times. Zero tolerance: there is no grace distance or period.
type Geofence struct {
	boundaries []Boundary
}

// NewGeofence validates the boundary polygons and assembles a geofence.
func NewGeofence(boundaries ...Boundary) (*Geofence, error) {
	for _, b := range boundaries {
		if len(b.Vertices) < 3 {
			return nil, fmt.Errorf("boundary %q: polygon needs at least 3 vertices, has %d", b.Name, len(b.Vertices))
		}
		if b.Kind != BoundaryInclusion && b.Kind != BoundaryExclusion {
			return nil, fmt.Errorf("boundary %q: unknown kind %q", b.Name, b.Kind)
		}
	}
	return &Geofence{boundaries: boundaries}, nil
}

// Boundaries returns a copy of the configured boundaries.
func (g *Geofence) Boundaries() []Boundary {
	out := make([]Boundary, len(g.boundaries))
	copy(out, g.boundaries)
	return out
}

// Armed reports whether at least one inclusion boundary is active.
// Autonomous mode must not be entered without an armed geofence.
func (g *Geofence) Armed() bool {
	for _, b := range g.boundaries {
		if b.Active && b.Kind == BoundaryInclusion {
			return true
		}
	}
	return false
}

// Allows reports whether p is inside every active inclusion boundary and
// outside every active exclusion boundary. On a violation the name of the
// offending boundary is returned.
func (g *Geofence) Allows(p control.Point) (bool, string) {
	for _, b := range g.boundaries {
		if !b.Active {
			continue
		}
		switch b.Kind {
		case BoundaryInclusion:
			if !b.Contains(p) {
				return false, b.Name
			}
		case BoundaryExclusion:
			if b.Contains(p) {
				return false, b.Name
			}
		}
	}
	return true, ""
}

// AllowsPath checks the segment from→to, including the midpoint, against
// the geofence. Used to reject a motion whose projected position over one
// control cycle would breach a boundary.
func (g *Geofence) AllowsPath(from, to control.Point) (bool, string) {
	if ok, name := g.Allows(from); !ok {
		return false, name
	}
	mid := control.Point{X: (from.X + to.X) / 2, Y: (from.Y + to.Y) / 2}
	if ok, name := g.Allows(mid); !ok {
		return false, name
	}
	return g.Allows(to)
}
