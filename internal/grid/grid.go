// Package grid computes the on-screen arrangement of active streams.
package grid

// Layout is a grid shape for a number of streams
type Layout struct {
	Columns int  `json:"columns"`
	Rows    int  `json:"rows"`
	Empty   bool `json:"empty"`
}

// Capacity returns the number of cells in the layout
func (l Layout) Capacity() int {
	return l.Columns * l.Rows
}

// Cell places one stream in the grid
type Cell struct {
	SourceID int `json:"source_id"`
	Row      int `json:"row"`
	Column   int `json:"column"`
}

// ForCount returns the layout for n streams: none, 1x1, 2x2 for up to four
// and 3x3 beyond that. Past nine streams the 3x3 shape is kept and extra
// rows are added by Place; there is no pagination.
func ForCount(n int) Layout {
	switch {
	case n <= 0:
		return Layout{Empty: true}
	case n == 1:
		return Layout{Columns: 1, Rows: 1}
	case n <= 4:
		return Layout{Columns: 2, Rows: 2}
	default:
		return Layout{Columns: 3, Rows: 3}
	}
}

// Place assigns ids to cells in row-major order
func Place(ids []int) []Cell {
	layout := ForCount(len(ids))
	if layout.Empty {
		return nil
	}
	cells := make([]Cell, len(ids))
	for i, id := range ids {
		cells[i] = Cell{
			SourceID: id,
			Row:      i / layout.Columns,
			Column:   i % layout.Columns,
		}
	}
	return cells
}
