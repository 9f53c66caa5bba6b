package versions

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"collabsync/internal/store"
)

type RowKind string

const (
	RowUnchanged RowKind = "unchanged"
	RowRemoved   RowKind = "removed"
	RowAdded     RowKind = "added"
)

type Row struct {
	Kind RowKind `json:"type"`
	Text string  `json:"text"`
}

type DiffResult struct {
	Version1 store.Version
	Version2 store.Version
	Rows     []Row
}

// DiffLines aligns the lines of before and after. Reading the unchanged and
// removed rows in order yields the lines of before; the unchanged and added
// rows yield the lines of after. Empty content has no lines.
func DiffLines(before, after string) []Row {
	var table lineTable
	a := table.encode(Lines(before))
	b := table.encode(Lines(after))

	diffs := diffmatchpatch.New().DiffMainRunes(a, b, false)

	rows := make([]Row, 0, len(a)+len(b))
	for _, d := range diffs {
		kind := RowUnchanged
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = RowRemoved
		case diffmatchpatch.DiffInsert:
			kind = RowAdded
		}
		for _, r := range d.Text {
			rows = append(rows, Row{Kind: kind, Text: table.decode(r)})
		}
	}
	return rows
}

// Lines splits content the way DiffLines counts lines.
func Lines(content string) []string {
	if content == "" {
		return []string{}
	}
	return strings.Split(content, "\n")
}

// lineTable maps each distinct line to one rune so the diff runs over lines.
// Runes skip the surrogate block because diff text round-trips through
// strings.
type lineTable struct {
	index map[string]rune
	lines []string
}

const surrogateStart, surrogateSize = 0xD800, 0x800

func (t *lineTable) encode(lines []string) []rune {
	if t.index == nil {
		t.index = make(map[string]rune)
	}
	out := make([]rune, len(lines))
	for i, line := range lines {
		r, ok := t.index[line]
		if !ok {
			r = rune(len(t.lines))
			if r >= surrogateStart {
				r += surrogateSize
			}
			t.index[line] = r
			t.lines = append(t.lines, line)
		}
		out[i] = r
	}
	return out
}

func (t *lineTable) decode(r rune) string {
	if r >= surrogateStart+surrogateSize {
		r -= surrogateSize
	}
	return t.lines[r]
}
