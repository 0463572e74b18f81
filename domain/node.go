package domain

// NodeKind identifies what a visual node projects.
type NodeKind string

const (
	NodeTask    NodeKind = "task"
	NodeSection NodeKind = "section"
)

// Node is a visual node on the canvas: a projection of a placed task or a
// section, identified by the backing entity's store id and nothing else.
type Node struct {
	ID       string     `json:"id"`
	Kind     NodeKind   `json:"kind"`
	Position Point      `json:"position"`
	Render   RenderData `json:"renderData"`
}

// RenderData carries the display attributes the rendering layer needs.
// Changes here surface as ToUpdate entries in a reconciliation diff.
type RenderData struct {
	Title     string  `json:"title,omitempty"`
	Color     string  `json:"color,omitempty"`
	Width     float64 `json:"width,omitempty"`
	Height    float64 `json:"height,omitempty"`
	SectionID string  `json:"sectionId,omitempty"`
	Visible   bool    `json:"visible"`
	Collapsed bool    `json:"collapsed"`
	Done      bool    `json:"done,omitempty"`
}

// Diff is the result of one reconciliation pass: the minimal set of node
// mutations that brings the rendered set in line with the stores.
type Diff struct {
	ToAdd    []Node   `json:"toAdd,omitempty"`
	ToUpdate []Node   `json:"toUpdate,omitempty"`
	ToRemove []string `json:"toRemove,omitempty"`
}

// Empty reports whether the diff changes nothing. A second reconcile pass
// over unchanged stores must produce an empty diff.
func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToUpdate) == 0 && len(d.ToRemove) == 0
}
