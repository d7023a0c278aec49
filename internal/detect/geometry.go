package detect

// Geometry is the reference frame boxes are denormalized into, and the
// squaring applied afterwards.
type Geometry struct {
	Width  int
	Height int
	// K scales the longest box side when squaring. Zero disables squaring.
	K float64
	// MinSide is the smallest square side produced, honored whenever it fits
	// in the frame.
	MinSide int
}

// Clamp returns b with every coordinate inside the frame and x1<=x2, y1<=y2.
func (g Geometry) Clamp(b Box) Box {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	b.X1 = clamp(b.X1, 0, g.Width-1)
	b.X2 = clamp(b.X2, 0, g.Width-1)
	b.Y1 = clamp(b.Y1, 0, g.Height-1)
	b.Y2 = clamp(b.Y2, 0, g.Height-1)
	return b
}

// Square re-centers b on a square of side max(w,h)*K, bounded by
// [MinSide, min(Width,Height)], and translates it fully inside the frame.
// The score is preserved.
func (g Geometry) Square(b Box) Box {
	limit := min(g.Width, g.Height)

	side := int(float64(max(b.Width(), b.Height())) * g.K)
	side = min(side, limit)
	if g.MinSide > 0 && g.MinSide <= limit {
		side = max(side, g.MinSide)
	}
	side = max(side, 1)

	cx := (b.X1 + b.X2) / 2
	cy := (b.Y1 + b.Y2) / 2

	x := clamp(cx-side/2, 0, g.Width-side)
	y := clamp(cy-side/2, 0, g.Height-side)
	return Box{X1: x, Y1: y, X2: x + side - 1, Y2: y + side - 1, Score: b.Score}
}

// Margins returns the distances from each frame edge to b, the crop that
// isolates b.
func (g Geometry) Margins(b Box) (top, bottom, left, right int) {
	return b.Y1, g.Height - 1 - b.Y2, b.X1, g.Width - 1 - b.X2
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
