package partition

import "github.com/dbsmedya/geomatch/internal/geo"

// edgeEpsilon absorbs floating point noise when comparing box edges (meters).
const edgeEpsilon = 1e-6

// Rect is an axis-aligned rectangle in the projected plane (meters).
type Rect struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// Width returns the X extent.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height returns the Y extent.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Expand grows the rectangle by m on every side.
func (r Rect) Expand(m float64) Rect {
	return Rect{MinX: r.MinX - m, MinY: r.MinY - m, MaxX: r.MaxX + m, MaxY: r.MaxY + m}
}

// Contains reports whether p lies in the closed rectangle.
func (r Rect) Contains(p geo.Point) bool {
	return p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY
}

// Intersect returns the overlap of two rectangles.
func (r Rect) Intersect(o Rect) (Rect, bool) {
	out := Rect{
		MinX: max(r.MinX, o.MinX),
		MinY: max(r.MinY, o.MinY),
		MaxX: min(r.MaxX, o.MaxX),
		MaxY: min(r.MaxY, o.MaxY),
	}
	if out.MinX > out.MaxX || out.MinY > out.MaxY {
		return Rect{}, false
	}
	return out, true
}

// sharesEdge reports whether two core rectangles touch along a segment of
// positive length. Touching only at a corner does not count.
func sharesEdge(a, b Rect) bool {
	overlapY := min(a.MaxY, b.MaxY) - max(a.MinY, b.MinY)
	overlapX := min(a.MaxX, b.MaxX) - max(a.MinX, b.MinX)

	touchX := near(a.MaxX, b.MinX) || near(b.MaxX, a.MinX)
	touchY := near(a.MaxY, b.MinY) || near(b.MaxY, a.MinY)

	return (touchX && overlapY > edgeEpsilon) || (touchY && overlapX > edgeEpsilon)
}

func near(a, b float64) bool {
	d := a - b
	return d < edgeEpsilon && d > -edgeEpsilon
}

// toBounds converts a projected rectangle back to degrees.
func toBounds(r Rect, proj geo.Projection) geo.Bounds {
	south, west := proj.Inverse(geo.Point{X: r.MinX, Y: r.MinY})
	north, east := proj.Inverse(geo.Point{X: r.MaxX, Y: r.MaxY})
	return geo.Bounds{West: west, South: south, East: east, North: north}
}
