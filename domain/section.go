package domain

// SectionType discriminates decorative groups from rule-bearing smart
// sections.
type SectionType string

const (
	// SectionCustom is a pure group: it never matches tasks automatically.
	SectionCustom   SectionType = "custom"
	SectionPriority SectionType = "priority"
	SectionStatus   SectionType = "status"
	SectionTimeline SectionType = "timeline"
	SectionProject  SectionType = "project"
)

// Smart reports whether the type carries a membership rule.
func (t SectionType) Smart() bool {
	switch t {
	case SectionPriority, SectionStatus, SectionTimeline, SectionProject:
		return true
	}
	return false
}

// Timeline rule tokens. Anything else in Rule.Value for a timeline section
// is treated as a literal 2006-01-02 date.
const (
	TimelineToday    = "today"
	TimelineTomorrow = "tomorrow"
	TimelineWeekend  = "weekend"
)

// Rule is the membership rule of a smart section. Value is the right-hand
// side of the predicate and is interpreted per section type: a Priority for
// priority sections, a Status for status sections, a project id for project
// sections, and a timeline token or literal date for timeline sections.
// An empty Value matches nothing; it never degrades to match-everything.
type Rule struct {
	Value string `json:"value,omitempty"`
}

// Rect is an axis-aligned rectangle in canvas logical coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether p lies within the rectangle. The top and left
// edges are inclusive, the bottom and right exclusive, so adjacent sections
// never both claim a boundary point.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X < r.X+r.Width && p.Y >= r.Y && p.Y < r.Y+r.Height
}

// Section is a rectangular region on the canvas.
type Section struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Color       string      `json:"color,omitempty"`
	Type        SectionType `json:"type"`
	Rule        Rule        `json:"rule"`
	Bounds      Rect        `json:"position"`
	AutoCollect bool        `json:"autoCollect"`
	// Display-only flags; not part of the consistency invariant.
	Visible   bool `json:"isVisible"`
	Collapsed bool `json:"isCollapsed"`
}
