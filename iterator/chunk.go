package iterator

import (
	"context"
	"io"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
)

// Chunk is a columnar batch of rows.
type Chunk struct {
	Columns []core.Vector
}

func (c *Chunk) NumRows() int {
	if len(c.Columns) == 0 {
		return 0
	}
	return c.Columns[0].Len()
}

// Row materialises row i across all columns.
func (c *Chunk) Row(i int) []core.Value {
	out := make([]core.Value, len(c.Columns))
	for j, col := range c.Columns {
		out[j] = col.Values[i]
	}
	return out
}

// ChunkReader streams chunks lazily. Next returns io.EOF once exhausted;
// returned chunks are never empty.
type ChunkReader interface {
	Schema() []metadata.ColumnSchema
	Next(ctx context.Context) (*Chunk, error)
	Close() error
}

// rowChunkReader groups rows from a RowIterator into chunks of up to
// batchSize rows, dropping tombstones.
type rowChunkReader struct {
	rows      core.RowIterator
	schema    []metadata.ColumnSchema
	batchSize int
	done      bool
}

// NewChunkReader wraps rows, whose values must follow schema.
func NewChunkReader(rows core.RowIterator, schema []metadata.ColumnSchema, batchSize int) ChunkReader {
	if batchSize <= 0 {
		batchSize = core.DefaultScanBatchSize
	}
	return &rowChunkReader{rows: rows, schema: schema, batchSize: batchSize}
}

func (r *rowChunkReader) Schema() []metadata.ColumnSchema { return r.schema }

func (r *rowChunkReader) Next(ctx context.Context) (*Chunk, error) {
	if r.done {
		return nil, io.EOF
	}
	chunk := &Chunk{Columns: make([]core.Vector, len(r.schema))}
	for i, col := range r.schema {
		chunk.Columns[i] = core.Vector{Type: col.Type, Values: make([]core.Value, 0, r.batchSize)}
	}
	n := 0
	for n < r.batchSize {
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		row := r.rows.Row()
		if row.Op == core.OpDelete {
			continue
		}
		for i := range chunk.Columns {
			chunk.Columns[i].Values = append(chunk.Columns[i].Values, row.Values[i])
		}
		n++
	}
	if n == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

func (r *rowChunkReader) Close() error {
	r.done = true
	return r.rows.Close()
}

// ReadAll drains a ChunkReader into a single chunk. Intended for tests and
// small administrative scans.
func ReadAll(ctx context.Context, r ChunkReader) (*Chunk, error) {
	out := &Chunk{Columns: make([]core.Vector, len(r.Schema()))}
	for i, col := range r.Schema() {
		out.Columns[i].Type = col.Type
	}
	for {
		chunk, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		for i := range chunk.Columns {
			out.Columns[i].Values = append(out.Columns[i].Values, chunk.Columns[i].Values...)
		}
	}
}
