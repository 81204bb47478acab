package metadata

import (
	"github.com/INLOpen/regionstore/core"
)

// Builder assembles a RegionMetadata. Columns may be pushed in any order;
// Build arranges them tags, timestamp, version, fields.
type Builder struct {
	id            uint64
	name          string
	tags          []ColumnSchema
	fields        []ColumnSchema
	timestamp     *ColumnSchema
	enableVersion bool
	version       uint32
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

func (b *Builder) ID(id uint64) *Builder {
	b.id = id
	return b
}

func (b *Builder) PushKeyColumn(name string, t core.DataType, nullable bool) *Builder {
	b.tags = append(b.tags, ColumnSchema{Name: name, Type: t, Nullable: nullable, Semantic: SemanticTag})
	return b
}

func (b *Builder) PushValueColumn(name string, t core.DataType, nullable bool) *Builder {
	b.fields = append(b.fields, ColumnSchema{Name: name, Type: t, Nullable: nullable, Semantic: SemanticField})
	return b
}

// TimestampColumn sets the non-null timestamp column.
func (b *Builder) TimestampColumn(name string) *Builder {
	b.timestamp = &ColumnSchema{Name: name, Type: core.TypeTimestamp, Semantic: SemanticTimestamp}
	return b
}

func (b *Builder) EnableVersionColumn(enable bool) *Builder {
	b.enableVersion = enable
	return b
}

func (b *Builder) SchemaVersion(v uint32) *Builder {
	b.version = v
	return b
}

func (b *Builder) Build() (*RegionMetadata, error) {
	if b.timestamp == nil {
		return nil, core.NewValidationError("schema", b.name, "missing timestamp column")
	}
	cols := make([]ColumnSchema, 0, len(b.tags)+len(b.fields)+2)
	cols = append(cols, b.tags...)
	cols = append(cols, *b.timestamp)
	if b.enableVersion {
		cols = append(cols, ColumnSchema{Name: VersionColumnName, Type: core.TypeUInt64, Semantic: SemanticVersion})
	}
	cols = append(cols, b.fields...)
	return newRegionMetadata(b.id, b.name, cols, b.version)
}

// AlterRequest adds and drops value columns.
type AlterRequest struct {
	AddColumns  []ColumnSchema
	DropColumns []string
}

// Alter returns a new RegionMetadata with the request applied and the schema
// version bumped. Only nullable value columns can be added, and only value
// columns can be dropped.
func (m *RegionMetadata) Alter(req AlterRequest) (*RegionMetadata, error) {
	if len(req.AddColumns) == 0 && len(req.DropColumns) == 0 {
		return nil, core.NewValidationError("alter", m.name, "empty alter request")
	}
	drop := make(map[string]bool, len(req.DropColumns))
	for _, name := range req.DropColumns {
		c, ok := m.Column(name)
		if !ok {
			return nil, core.NewValidationError(name, "", "cannot drop unknown column")
		}
		if c.IsKey() {
			return nil, core.NewValidationError(name, "", "cannot drop a row key column")
		}
		drop[name] = true
	}
	cols := make([]ColumnSchema, 0, len(m.columns)+len(req.AddColumns))
	for _, c := range m.columns {
		if !drop[c.Name] {
			cols = append(cols, c)
		}
	}
	for _, c := range req.AddColumns {
		if !c.Nullable {
			return nil, core.NewValidationError(c.Name, "", "added columns must be nullable")
		}
		if _, exists := m.index[c.Name]; exists && !drop[c.Name] {
			return nil, core.NewValidationError(c.Name, "", "column already exists")
		}
		c.Semantic = SemanticField
		cols = append(cols, c)
	}
	return newRegionMetadata(m.id, m.name, cols, m.version+1)
}
