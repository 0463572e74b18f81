package canvas

import (
	"fmt"

	"canvas-api/domain"
)

// Viewport is the pan offset and zoom factor mapping screen space to canvas
// logical space.
type Viewport struct {
	PanX float64 `json:"panX"`
	PanY float64 `json:"panY"`
	Zoom float64 `json:"zoom"`
}

// Size of an on-screen region in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// GeometryError reports an invalid viewport or a degenerate container. A
// drag or drop that hits one is aborted with no store mutation; the caller
// treats it as "no valid drop target".
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("invalid geometry: %s", e.Reason)
}

func checkViewport(v Viewport, container domain.Rect) error {
	if v.Zoom <= 0 {
		return &GeometryError{Reason: fmt.Sprintf("non-positive zoom %v", v.Zoom)}
	}
	if container.Width <= 0 || container.Height <= 0 {
		return &GeometryError{Reason: "zero-size container"}
	}
	return nil
}

// ScreenToCanvas maps a screen-space point to canvas logical coordinates
// given the viewport and the bounding rect of the canvas container element.
func ScreenToCanvas(screen domain.Point, v Viewport, container domain.Rect) (domain.Point, error) {
	if err := checkViewport(v, container); err != nil {
		return domain.Point{}, err
	}
	return domain.Point{
		X: (screen.X - container.X - v.PanX) / v.Zoom,
		Y: (screen.Y - container.Y - v.PanY) / v.Zoom,
	}, nil
}

// CanvasToScreen is the exact inverse of ScreenToCanvas.
func CanvasToScreen(canvas domain.Point, v Viewport, container domain.Rect) (domain.Point, error) {
	if err := checkViewport(v, container); err != nil {
		return domain.Point{}, err
	}
	return domain.Point{
		X: canvas.X*v.Zoom + v.PanX + container.X,
		Y: canvas.Y*v.Zoom + v.PanY + container.Y,
	}, nil
}

// SectionAt returns the topmost section whose bounds contain the canvas
// point, or nil. Later sections win so the most recently raised one claims
// overlapping regions, matching drag hit-testing order.
func SectionAt(p domain.Point, sections []domain.Section) *domain.Section {
	for i := len(sections) - 1; i >= 0; i-- {
		if sections[i].Bounds.Contains(p) {
			s := sections[i]
			return &s
		}
	}
	return nil
}
