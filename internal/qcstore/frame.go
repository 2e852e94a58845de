package qcstore

import "strconv"

// Frame is an in-process, column-oriented view of a Store snapshot for
// analysis code that wants columns rather than a map of structs —
// spec.md §4.D's to_frame(). Columns share csvColumns' order and
// naming; missing optional values render as empty strings, same as
// Save's CSV output.
type Frame struct {
	Columns []string
	Rows    [][]string
}

// ToFrame renders the Store as a Frame using the same column order and
// cell formatting as Save's CSV output, without touching disk.
func (s *Store) ToFrame() Frame {
	rows := make([][]string, 0, s.Len())
	for _, m := range s.GetAll() {
		rows = append(rows, []string{
			m.FOV.RegionID,
			strconv.Itoa(m.FOV.FOVIndex),
			m.Timestamp.Format(csvTimestampLayout),
			strconv.FormatFloat(m.ZPosition, 'f', -1, 64),
			optionalFloatCell(m.FocusScore),
			optionalFloatCell(m.LaserAFDisplacementUM),
			optionalFloatCell(m.ZDiffFromLastTimepoint),
			m.Error,
		})
	}
	return Frame{Columns: append([]string(nil), csvColumns...), Rows: rows}
}
