package canvas

import "canvas-api/domain"

// ClampMenu positions a context menu so it is fully visible. The anchor is
// flipped to the opposite side of the pointer when the menu would overflow
// the viewport, then clamped into [0, viewport-menu] on both axes. Clamping
// is the last step: any panel offsets must already be folded into the anchor
// and viewport by the caller.
func ClampMenu(anchor domain.Point, menu Size, viewport Size) domain.Point {
	p := anchor
	if p.X+menu.Width > viewport.Width {
		p.X = anchor.X - menu.Width
	}
	if p.Y+menu.Height > viewport.Height {
		p.Y = anchor.Y - menu.Height
	}
	p.X = clamp(p.X, 0, viewport.Width-menu.Width)
	p.Y = clamp(p.Y, 0, viewport.Height-menu.Height)
	return p
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
