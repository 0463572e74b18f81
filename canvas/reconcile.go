package canvas

import (
	"sort"

	"canvas-api/domain"
)

// Reconcile computes the minimal diff between the authoritative stores and
// the currently rendered node set. It is pure: node identity is established
// only through stable store ids, never through render attributes or
// insertion order, and running it twice over unchanged inputs yields an
// empty diff the second time.
//
// A task that exists but has returned to the inbox simply loses its node;
// that is a normal remove, not an error. Nodes whose id backs nothing in
// either store are orphans and are removed the same way.
func Reconcile(tasks []domain.Task, sections []domain.Section, current map[string]domain.Node) domain.Diff {
	want := make(map[string]domain.Node, len(tasks)+len(sections))
	for _, t := range tasks {
		if !t.Placed() {
			continue
		}
		want[t.ID] = taskNode(t)
	}
	for _, s := range sections {
		want[s.ID] = sectionNode(s)
	}

	var diff domain.Diff
	for id, node := range want {
		existing, ok := current[id]
		if !ok {
			diff.ToAdd = append(diff.ToAdd, node)
			continue
		}
		if existing != node {
			diff.ToUpdate = append(diff.ToUpdate, node)
		}
	}
	for id := range current {
		if _, ok := want[id]; !ok {
			diff.ToRemove = append(diff.ToRemove, id)
		}
	}

	sort.Slice(diff.ToAdd, func(i, j int) bool { return diff.ToAdd[i].ID < diff.ToAdd[j].ID })
	sort.Slice(diff.ToUpdate, func(i, j int) bool { return diff.ToUpdate[i].ID < diff.ToUpdate[j].ID })
	sort.Strings(diff.ToRemove)
	return diff
}

// Apply folds a diff into the rendered node set. The engine is the sole
// writer of this map.
func Apply(current map[string]domain.Node, diff domain.Diff) {
	for _, n := range diff.ToAdd {
		current[n.ID] = n
	}
	for _, n := range diff.ToUpdate {
		current[n.ID] = n
	}
	for _, id := range diff.ToRemove {
		delete(current, id)
	}
}

func taskNode(t domain.Task) domain.Node {
	return domain.Node{
		ID:       t.ID,
		Kind:     domain.NodeTask,
		Position: *t.CanvasPosition,
		Render: domain.RenderData{
			Title:     t.Title,
			SectionID: t.SectionID,
			Visible:   true,
			Done:      t.Status == domain.StatusDone,
		},
	}
}

func sectionNode(s domain.Section) domain.Node {
	return domain.Node{
		ID:       s.ID,
		Kind:     domain.NodeSection,
		Position: domain.Point{X: s.Bounds.X, Y: s.Bounds.Y},
		Render: domain.RenderData{
			Title:     s.Name,
			Color:     s.Color,
			Width:     s.Bounds.Width,
			Height:    s.Bounds.Height,
			Visible:   s.Visible,
			Collapsed: s.Collapsed,
		},
	}
}
