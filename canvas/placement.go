package canvas

import (
	"sort"

	"canvas-api/domain"
)

// Grid geometry for planned placements inside a section. Cells are fixed
// size; rows wrap within the section width and the section grows downward
// when it runs out of rows.
const (
	cellWidth  = 160.0
	cellHeight = 100.0
	cellGap    = 12.0
	// insetTop leaves room for the section header.
	insetTop  = 48.0
	insetSide = 16.0
)

// PlannedPlacement is one task landing at one grid position.
type PlannedPlacement struct {
	TaskID   string
	Position domain.Point
}

// Plan lays the candidate tasks out in a row-major grid inside the section,
// skipping cells already occupied by placed tasks whose stored position
// falls inside the section bounds. It never writes anything; if the grid
// needs more rows than the section height allows, the required height is
// returned as grownHeight (zero when no growth is needed) and the caller
// must persist it.
func Plan(section domain.Section, candidates []domain.Task, placed []domain.Task) (plans []PlannedPlacement, grownHeight float64) {
	if len(candidates) == 0 {
		return nil, 0
	}

	cols := int((section.Bounds.Width - 2*insetSide + cellGap) / (cellWidth + cellGap))
	if cols < 1 {
		cols = 1
	}

	occupied := make(map[int]struct{})
	for _, t := range placed {
		if !t.Placed() || !section.Bounds.Contains(*t.CanvasPosition) {
			continue
		}
		if idx, ok := cellIndexOf(*t.CanvasPosition, section.Bounds, cols); ok {
			occupied[idx] = struct{}{}
		}
	}

	// Deterministic order regardless of map iteration upstream.
	ordered := append([]domain.Task(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	plans = make([]PlannedPlacement, 0, len(ordered))
	cell := 0
	lastRow := 0
	for _, t := range ordered {
		for {
			if _, taken := occupied[cell]; !taken {
				break
			}
			cell++
		}
		row, col := cell/cols, cell%cols
		plans = append(plans, PlannedPlacement{
			TaskID: t.ID,
			Position: domain.Point{
				X: section.Bounds.X + insetSide + float64(col)*(cellWidth+cellGap),
				Y: section.Bounds.Y + insetTop + float64(row)*(cellHeight+cellGap),
			},
		})
		occupied[cell] = struct{}{}
		lastRow = row
		cell++
	}

	needed := insetTop + float64(lastRow+1)*(cellHeight+cellGap)
	if needed > section.Bounds.Height {
		grownHeight = needed
	}
	return plans, grownHeight
}

// cellIndexOf maps a stored position back onto the grid. Positions that sit
// left or above the content inset belong to no cell.
func cellIndexOf(p domain.Point, bounds domain.Rect, cols int) (int, bool) {
	relX := p.X - bounds.X - insetSide
	relY := p.Y - bounds.Y - insetTop
	if relX < -cellWidth/2 || relY < -cellHeight/2 {
		return 0, false
	}
	col := int((relX + (cellWidth+cellGap)/2) / (cellWidth + cellGap))
	row := int((relY + (cellHeight+cellGap)/2) / (cellHeight + cellGap))
	if col < 0 {
		col = 0
	}
	if col >= cols {
		col = cols - 1
	}
	if row < 0 {
		row = 0
	}
	return row*cols + col, true
}
