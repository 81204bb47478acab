package metadata

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/INLOpen/regionstore/core"
)

// VersionColumnName is the reserved name of the optional version column.
// When enabled it is part of the row key, placed right after the timestamp.
const VersionColumnName = "__version"

// reservedPrefix marks names used internally by the SST format.
const reservedPrefix = "__"

// Semantic describes the role a column plays in the row key.
type Semantic int

const (
	SemanticTag Semantic = iota
	SemanticTimestamp
	SemanticVersion
	SemanticField
)

var semanticNames = [...]string{"tag", "timestamp", "version", "field"}

func (s Semantic) String() string {
	if int(s) < len(semanticNames) && s >= 0 {
		return semanticNames[s]
	}
	return fmt.Sprintf("semantic(%d)", int(s))
}

func (s Semantic) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Semantic) UnmarshalText(b []byte) error {
	for i, name := range semanticNames {
		if name == string(b) {
			*s = Semantic(i)
			return nil
		}
	}
	return fmt.Errorf("unknown column semantic %q", string(b))
}

// ColumnSchema describes one column.
type ColumnSchema struct {
	Name     string        `json:"name"`
	Type     core.DataType `json:"type"`
	Nullable bool          `json:"nullable"`
	Semantic Semantic      `json:"semantic"`
}

// IsKey reports whether the column belongs to the row key.
func (c ColumnSchema) IsKey() bool { return c.Semantic != SemanticField }

// RegionMetadata is the immutable schema descriptor of a region. Columns are
// always ordered tags, timestamp, optional version column, then fields.
// A new RegionMetadata is produced by every alteration.
type RegionMetadata struct {
	id           uint64
	name         string
	columns      []ColumnSchema
	index        map[string]int
	tsIndex      int
	versionIndex int
	rowKeyLen    int
	version      uint32
}

func (m *RegionMetadata) ID() uint64      { return m.id }
func (m *RegionMetadata) Name() string    { return m.name }
func (m *RegionMetadata) Version() uint32 { return m.version }

// Columns returns the ordered column list. Callers must not modify it.
func (m *RegionMetadata) Columns() []ColumnSchema { return m.columns }

func (m *RegionMetadata) NumColumns() int { return len(m.columns) }

// ColumnIndex returns the position of name, or -1.
func (m *RegionMetadata) ColumnIndex(name string) int {
	if i, ok := m.index[name]; ok {
		return i
	}
	return -1
}

func (m *RegionMetadata) Column(name string) (ColumnSchema, bool) {
	i, ok := m.index[name]
	if !ok {
		return ColumnSchema{}, false
	}
	return m.columns[i], true
}

// RowKeyLen is the number of leading columns forming the row key.
func (m *RegionMetadata) RowKeyLen() int { return m.rowKeyLen }

func (m *RegionMetadata) RowKeyColumns() []ColumnSchema { return m.columns[:m.rowKeyLen] }

func (m *RegionMetadata) ValueColumns() []ColumnSchema { return m.columns[m.rowKeyLen:] }

func (m *RegionMetadata) TimestampIndex() int { return m.tsIndex }

func (m *RegionMetadata) TimestampColumn() ColumnSchema { return m.columns[m.tsIndex] }

func (m *RegionMetadata) HasVersionColumn() bool { return m.versionIndex >= 0 }

func (m *RegionMetadata) ColumnNames() []string {
	names := make([]string, len(m.columns))
	for i, c := range m.columns {
		names[i] = c.Name
	}
	return names
}

// Projection resolves the requested column names to positions in metadata
// order, regardless of the order they were requested in. A nil or empty
// request selects every column.
func (m *RegionMetadata) Projection(names []string) ([]int, error) {
	if len(names) == 0 {
		out := make([]int, len(m.columns))
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	selected := make([]bool, len(m.columns))
	for _, name := range names {
		i, ok := m.index[name]
		if !ok {
			return nil, core.NewValidationError("projection", name, "unknown column")
		}
		selected[i] = true
	}
	out := make([]int, 0, len(names))
	for i, ok := range selected {
		if ok {
			out = append(out, i)
		}
	}
	return out, nil
}

// Equal compares every persisted attribute.
func (m *RegionMetadata) Equal(o *RegionMetadata) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.id != o.id || m.name != o.name || m.version != o.version || len(m.columns) != len(o.columns) {
		return false
	}
	for i := range m.columns {
		if m.columns[i] != o.columns[i] {
			return false
		}
	}
	return true
}

func (m *RegionMetadata) String() string {
	parts := make([]string, len(m.columns))
	for i, c := range m.columns {
		null := ""
		if c.Nullable {
			null = "?"
		}
		parts[i] = fmt.Sprintf("%s:%s%s", c.Name, c.Type, null)
	}
	return fmt.Sprintf("%s(v%d){%s}", m.name, m.version, strings.Join(parts, ", "))
}

// Raw is the serialisable form of RegionMetadata stored in the manifest.
type Raw struct {
	ID      uint64         `json:"id"`
	Name    string         `json:"name"`
	Columns []ColumnSchema `json:"columns"`
	Version uint32         `json:"version"`
}

func (m *RegionMetadata) ToRaw() Raw {
	cols := make([]ColumnSchema, len(m.columns))
	copy(cols, m.columns)
	return Raw{ID: m.id, Name: m.name, Columns: cols, Version: m.version}
}

// FromRaw validates a Raw descriptor and builds the metadata it describes.
func FromRaw(raw Raw) (*RegionMetadata, error) {
	return newRegionMetadata(raw.ID, raw.Name, raw.Columns, raw.Version)
}

func (m *RegionMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToRaw())
}

func (m *RegionMetadata) UnmarshalJSON(data []byte) error {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := FromRaw(raw)
	if err != nil {
		return err
	}
	*m = *built
	return nil
}

func newRegionMetadata(id uint64, name string, columns []ColumnSchema, version uint32) (*RegionMetadata, error) {
	if name == "" {
		return nil, core.NewValidationError("schema", "", "region name is empty")
	}
	m := &RegionMetadata{
		id:           id,
		name:         name,
		columns:      columns,
		index:        make(map[string]int, len(columns)),
		tsIndex:      -1,
		versionIndex: -1,
		version:      version,
	}
	// expected order: tags, timestamp, [version], fields
	stage := SemanticTag
	for i, c := range columns {
		if c.Name == "" {
			return nil, core.NewValidationError("schema", "", "column %d has an empty name", i)
		}
		if _, dup := m.index[c.Name]; dup {
			return nil, core.NewValidationError(c.Name, "", "duplicate column")
		}
		if !c.Type.Valid() {
			return nil, core.NewValidationError(c.Name, c.Type.String(), "invalid data type")
		}
		if strings.HasPrefix(c.Name, reservedPrefix) && !(c.Semantic == SemanticVersion && c.Name == VersionColumnName) {
			return nil, core.NewValidationError(c.Name, "", "column names starting with %q are reserved", reservedPrefix)
		}
		if c.Semantic < stage {
			return nil, core.NewValidationError(c.Name, c.Semantic.String(), "column is out of order")
		}
		switch c.Semantic {
		case SemanticTimestamp:
			if m.tsIndex >= 0 {
				return nil, core.NewValidationError(c.Name, "", "more than one timestamp column")
			}
			if c.Type != core.TypeTimestamp && c.Type != core.TypeInt64 {
				return nil, core.NewValidationError(c.Name, c.Type.String(), "timestamp column must be timestamp or int64")
			}
			if c.Nullable {
				return nil, core.NewValidationError(c.Name, "", "timestamp column cannot be nullable")
			}
			m.tsIndex = i
		case SemanticVersion:
			if c.Name != VersionColumnName || c.Type != core.TypeUInt64 || c.Nullable {
				return nil, core.NewValidationError(c.Name, "", "version column must be a non-null uint64 named %s", VersionColumnName)
			}
			if m.versionIndex >= 0 {
				return nil, core.NewValidationError(c.Name, "", "more than one version column")
			}
			m.versionIndex = i
		case SemanticTag:
		case SemanticField:
		default:
			return nil, core.NewValidationError(c.Name, c.Semantic.String(), "unknown semantic")
		}
		if c.Semantic != SemanticField {
			m.rowKeyLen = i + 1
		}
		stage = c.Semantic
		m.index[c.Name] = i
	}
	if m.tsIndex < 0 {
		return nil, core.NewValidationError("schema", name, "missing timestamp column")
	}
	return m, nil
}
