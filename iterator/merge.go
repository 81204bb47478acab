package iterator

import (
	"bytes"
	"container/heap"
	"errors"

	"github.com/INLOpen/regionstore/core"
)

// MergeReader merges sorted row sources into one sorted stream holding only
// the newest version of every key. Each source must yield at most one row
// per key. Tombstones are passed through so callers can decide to drop them.
type MergeReader struct {
	sources []core.RowIterator
	h       minHeap
	pending core.RowIterator // source of the row last returned, advanced lazily
	cur     *core.Row
	err     error
	started bool
}

var _ core.RowIterator = (*MergeReader)(nil)

func NewMergeReader(sources []core.RowIterator) *MergeReader {
	return &MergeReader{sources: sources}
}

func (m *MergeReader) init() {
	m.started = true
	m.h = make(minHeap, 0, len(m.sources))
	for _, src := range m.sources {
		if src.Next() {
			m.h = append(m.h, src)
		} else if err := src.Err(); err != nil {
			m.err = err
			return
		}
	}
	heap.Init(&m.h)
}

func (m *MergeReader) advance(src core.RowIterator) {
	if src.Next() {
		heap.Push(&m.h, src)
		return
	}
	if err := src.Err(); err != nil {
		m.err = err
	}
}

func (m *MergeReader) Next() bool {
	if !m.started {
		m.init()
	}
	if m.pending != nil {
		src := m.pending
		m.pending = nil
		m.advance(src)
	}
	if m.err != nil || m.h.Len() == 0 {
		m.cur = nil
		return false
	}

	top := heap.Pop(&m.h).(core.RowIterator)
	row := top.Row()
	// older versions of the same key in other sources are shadowed
	for m.h.Len() > 0 && bytes.Equal(m.h[0].Row().Key, row.Key) {
		dup := heap.Pop(&m.h).(core.RowIterator)
		m.advance(dup)
		if m.err != nil {
			m.cur = nil
			return false
		}
	}
	m.pending = top
	m.cur = row
	return true
}

func (m *MergeReader) Row() *core.Row { return m.cur }

func (m *MergeReader) Err() error { return m.err }

// Close closes every source.
func (m *MergeReader) Close() error {
	var errs []error
	for _, src := range m.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.h = nil
	m.pending = nil
	return errors.Join(errs...)
}
