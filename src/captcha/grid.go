// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package captcha

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNoLabel = errors.New("no visible captcha label")
	ErrNoCells = errors.New("no visible captcha cells")
)

// Cell is one rendered tile of the challenge grid.
type Cell struct {
	Top    int    `json:"top"`
	Left   int    `json:"left"`
	ZIndex int    `json:"z"`
	Src    string `json:"src"`
}

// Label is a candidate instruction text, only the topmost visible one is real.
type Label struct {
	Text   string `json:"text"`
	ZIndex int    `json:"z"`
}

const cellsPerRow = 3

// Arrange reduces the rendered cells to the grid the user actually sees.
// Decoy tiles share a row position but sit under the real ones, so each row
// keeps the three highest z-index cells, ordered left to right. Rows are
// ordered top to bottom.
func Arrange(cells []Cell) []Cell {
	rows := map[int][]Cell{}
	for _, c := range cells {
		rows[c.Top] = append(rows[c.Top], c)
	}

	tops := make([]int, 0, len(rows))
	for top := range rows {
		tops = append(tops, top)
	}
	sort.Ints(tops)

	grid := make([]Cell, 0, len(cells))
	for _, top := range tops {
		row := rows[top]
		sort.SliceStable(row, func(i, j int) bool { return row[i].ZIndex > row[j].ZIndex })
		if len(row) > cellsPerRow {
			row = row[:cellsPerRow]
		}
		sort.SliceStable(row, func(i, j int) bool { return row[i].Left < row[j].Left })
		grid = append(grid, row...)
	}
	return grid
}

// Target returns the number the challenge asks for: the last word of the
// visible label with the highest z-index.
func Target(labels []Label) (string, error) {
	var best *Label
	for i := range labels {
		l := &labels[i]
		if strings.TrimSpace(l.Text) == "" {
			continue
		}
		if best == nil || l.ZIndex > best.ZIndex {
			best = l
		}
	}
	if best == nil {
		return "", ErrNoLabel
	}
	fields := strings.Fields(best.Text)
	return fields[len(fields)-1], nil
}
