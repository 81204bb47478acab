package batch

import (
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
)

// Mutation is one Put or Delete over equally sized column vectors.
type Mutation struct {
	Op      core.OpType
	Names   []string
	Columns []core.Vector
}

func (m *Mutation) NumRows() int {
	if len(m.Columns) == 0 {
		return 0
	}
	return m.Columns[0].Len()
}

// Column returns the vector for name, if the mutation carries it.
func (m *Mutation) Column(name string) (core.Vector, bool) {
	for i, n := range m.Names {
		if n == name {
			return m.Columns[i], true
		}
	}
	return core.Vector{}, false
}

// WriteBatch is an ordered, immutable list of mutations validated against
// one schema version. Each mutation consumes one sequence number when the
// batch is written.
type WriteBatch struct {
	schemaVersion uint32
	mutations     []Mutation
	numRows       int
}

func (b *WriteBatch) SchemaVersion() uint32 { return b.schemaVersion }

// Mutations returns the batch's mutations. Callers must not modify them.
func (b *WriteBatch) Mutations() []Mutation { return b.mutations }

func (b *WriteBatch) NumMutations() int { return len(b.mutations) }

func (b *WriteBatch) NumRows() int { return b.numRows }

func (b *WriteBatch) IsEmpty() bool { return len(b.mutations) == 0 }

// Builder validates mutations against a RegionMetadata as they are added.
type Builder struct {
	meta      *metadata.RegionMetadata
	mutations []Mutation
	numRows   int
}

func NewBuilder(meta *metadata.RegionMetadata) *Builder {
	return &Builder{meta: meta}
}

// Put adds rows. Every non-nullable column must be present. Nullable value
// columns that are absent are filled with nulls.
func (b *Builder) Put(columns map[string]core.Vector) error {
	rows, err := b.checkColumns(columns)
	if err != nil {
		return err
	}
	m := Mutation{Op: core.OpPut}
	for _, col := range b.meta.Columns() {
		vec, ok := columns[col.Name]
		if !ok {
			if !col.Nullable {
				return core.NewValidationError(col.Name, "", "missing non-nullable column")
			}
			vec = core.NullVector(col.Type, rows)
		}
		m.Names = append(m.Names, col.Name)
		m.Columns = append(m.Columns, vec)
	}
	b.mutations = append(b.mutations, m)
	b.numRows += rows
	return nil
}

// Delete adds tombstones. Exactly the row key columns must be given.
func (b *Builder) Delete(keys map[string]core.Vector) error {
	rows, err := b.checkColumns(keys)
	if err != nil {
		return err
	}
	m := Mutation{Op: core.OpDelete}
	for _, col := range b.meta.RowKeyColumns() {
		vec, ok := keys[col.Name]
		if !ok {
			return core.NewValidationError(col.Name, "", "delete is missing a row key column")
		}
		m.Names = append(m.Names, col.Name)
		m.Columns = append(m.Columns, vec)
	}
	for name := range keys {
		if c, _ := b.meta.Column(name); !c.IsKey() {
			return core.NewValidationError(name, "", "delete cannot carry value columns")
		}
	}
	b.mutations = append(b.mutations, m)
	b.numRows += rows
	return nil
}

// Build returns the immutable batch. The builder must not be reused.
func (b *Builder) Build() *WriteBatch {
	return &WriteBatch{
		schemaVersion: b.meta.Version(),
		mutations:     b.mutations,
		numRows:       b.numRows,
	}
}

func (b *Builder) checkColumns(columns map[string]core.Vector) (int, error) {
	if len(columns) == 0 {
		return 0, core.NewValidationError("batch", "", "mutation has no columns")
	}
	rows := -1
	for name, vec := range columns {
		col, ok := b.meta.Column(name)
		if !ok {
			return 0, core.NewValidationError(name, "", "unknown column")
		}
		if vec.Type != col.Type {
			return 0, core.NewValidationError(name, vec.Type.String(), "expected type %s", col.Type)
		}
		if rows >= 0 && vec.Len() != rows {
			return 0, core.NewValidationError(name, "", "column has %d rows, expected %d", vec.Len(), rows)
		}
		rows = vec.Len()
		for i, v := range vec.Values {
			if v.IsNull() {
				if !col.Nullable {
					return 0, core.NewValidationError(name, "", "null at row %d in non-nullable column", i)
				}
				continue
			}
			if v.Type() != col.Type {
				return 0, core.NewValidationError(name, v.Type().String(), "row %d: expected type %s", i, col.Type)
			}
		}
	}
	if rows == 0 {
		return 0, core.NewValidationError("batch", "", "mutation has no rows")
	}
	return rows, nil
}
