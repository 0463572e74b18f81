package domain

// Priority of a task. The zero value means no priority was assigned.
type Priority string

const (
	PriorityNone   Priority = ""
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Status of a task within its workflow.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in_progress"
	StatusOnHold     Status = "on_hold"
	StatusDone       Status = "done"
)

// Point is a position in canvas logical coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Task represents a single task in the read model. The canvas engine owns
// only the placement fields (InInbox, CanvasPosition, SectionID); the domain
// fields are written by other subsystems and read here for rule evaluation.
type Task struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Notes     string   `json:"notes,omitempty"`
	Priority  Priority `json:"priority,omitempty"`
	Status    Status   `json:"status"`
	ProjectID string   `json:"projectId,omitempty"`
	// DueDate is the scheduling date in ISO 2006-01-02 form, empty when the
	// task is unscheduled. Timeline rules resolve against it.
	DueDate string `json:"dueDate,omitempty"`

	// InInbox and CanvasPosition are mutually exclusive: an inbox task has
	// no position, a placed task always has one.
	InInbox        bool   `json:"isInInbox"`
	CanvasPosition *Point `json:"canvasPosition,omitempty"`
	// SectionID is the section the task belongs to, independent of whether
	// its position is geometrically inside that section's bounds.
	SectionID string `json:"canvasSectionId,omitempty"`
}

// Placed reports whether the task lives on the canvas.
func (t Task) Placed() bool {
	return !t.InInbox && t.CanvasPosition != nil
}

// Placement is the canvas-owned slice of a task. Mutation records carry a
// before and after Placement so every write is independently invertible.
type Placement struct {
	InInbox   bool   `json:"isInInbox"`
	Position  *Point `json:"canvasPosition,omitempty"`
	SectionID string `json:"canvasSectionId,omitempty"`
}

// PlacementOf extracts the placement fields of a task.
func PlacementOf(t Task) Placement {
	var p *Point
	if t.CanvasPosition != nil {
		cp := *t.CanvasPosition
		p = &cp
	}
	return Placement{InInbox: t.InInbox, Position: p, SectionID: t.SectionID}
}

// ApplyPlacement returns a copy of the task with the placement fields set.
func ApplyPlacement(t Task, p Placement) Task {
	t.InInbox = p.InInbox
	t.SectionID = p.SectionID
	if p.Position != nil {
		cp := *p.Position
		t.CanvasPosition = &cp
	} else {
		t.CanvasPosition = nil
	}
	return t
}
