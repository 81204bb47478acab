package iterator

import "github.com/INLOpen/regionstore/core"

// SliceIterator yields rows from an already sorted slice.
type SliceIterator struct {
	rows []core.Row
	pos  int
}

var _ core.RowIterator = (*SliceIterator)(nil)

func NewSliceIterator(rows []core.Row) *SliceIterator {
	return &SliceIterator{rows: rows, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.rows) {
		it.pos = len(it.rows)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Row() *core.Row { return &it.rows[it.pos] }
func (it *SliceIterator) Err() error     { return nil }
func (it *SliceIterator) Close() error   { return nil }
