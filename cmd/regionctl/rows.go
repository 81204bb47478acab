package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/INLOpen/regionstore/batch"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
	"gopkg.in/yaml.v3"
)

// opField marks a row as a delete when set to "delete".
const opField = "_op"

type schemaColumn struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable"`
}

// schemaFile is the YAML document accepted by "create".
type schemaFile struct {
	Tags          []schemaColumn `yaml:"tags"`
	Timestamp     string         `yaml:"timestamp"`
	Fields        []schemaColumn `yaml:"fields"`
	VersionColumn bool           `yaml:"version_column"`
}

func loadSchema(r io.Reader) (*schemaFile, error) {
	var s schemaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &s, nil
}

func (s *schemaFile) build(name string) (*metadata.RegionMetadata, error) {
	b := metadata.NewBuilder(name)
	for _, c := range s.Tags {
		t, err := core.ParseDataType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", c.Name, err)
		}
		b.PushKeyColumn(c.Name, t, c.Nullable)
	}
	ts := s.Timestamp
	if ts == "" {
		ts = "ts"
	}
	b.TimestampColumn(ts)
	for _, c := range s.Fields {
		t, err := core.ParseDataType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", c.Name, err)
		}
		b.PushValueColumn(c.Name, t, c.Nullable)
	}
	b.EnableVersionColumn(s.VersionColumn)
	return b.Build()
}

// decodeRows reads one JSON object per row. Consecutive rows with the same
// operation become one mutation.
func decodeRows(meta *metadata.RegionMetadata, r io.Reader) (*batch.WriteBatch, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	b := batch.NewBuilder(meta)
	var (
		pendingOp core.OpType
		pending   []map[string]any
	)
	flushPending := func() error {
		if len(pending) == 0 {
			return nil
		}
		cols := meta.Columns()
		if pendingOp == core.OpDelete {
			cols = meta.RowKeyColumns()
		}
		vectors, err := toVectors(cols, pending)
		if err != nil {
			return err
		}
		if pendingOp == core.OpDelete {
			err = b.Delete(vectors)
		} else {
			err = b.Put(vectors)
		}
		pending = pending[:0]
		return err
	}

	for line := 1; ; line++ {
		var row map[string]any
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		op := core.OpPut
		if raw, ok := row[opField]; ok {
			switch raw {
			case "put":
			case "delete":
				op = core.OpDelete
			default:
				return nil, fmt.Errorf("row %d: unknown %s %v", line, opField, raw)
			}
			delete(row, opField)
		}
		if op != pendingOp && len(pending) > 0 {
			if err := flushPending(); err != nil {
				return nil, err
			}
		}
		pendingOp = op
		pending = append(pending, row)
	}
	if err := flushPending(); err != nil {
		return nil, err
	}
	wb := b.Build()
	if wb.IsEmpty() {
		return nil, core.NewValidationError("rows", "", "no rows to write")
	}
	return wb, nil
}

// toVectors builds one vector per column. Columns absent from every row are
// left out so the batch builder can apply its own null rules.
func toVectors(cols []metadata.ColumnSchema, rows []map[string]any) (map[string]core.Vector, error) {
	out := make(map[string]core.Vector, len(cols))
	for _, col := range cols {
		present := false
		values := make([]core.Value, len(rows))
		for i, row := range rows {
			raw, ok := row[col.Name]
			if !ok || raw == nil {
				continue
			}
			present = true
			v, err := parseValue(col.Type, raw)
			if err != nil {
				return nil, core.NewValidationError(col.Name, fmt.Sprint(raw), "%v", err)
			}
			values[i] = v
		}
		if present {
			out[col.Name] = core.NewVector(col.Type, values...)
		}
	}
	return out, nil
}

func parseValue(t core.DataType, raw any) (core.Value, error) {
	switch t {
	case core.TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return core.Value{}, fmt.Errorf("want a boolean")
		}
		return core.BoolValue(b), nil
	case core.TypeString:
		s, ok := raw.(string)
		if !ok {
			return core.Value{}, fmt.Errorf("want a string")
		}
		return core.StringValue(s), nil
	case core.TypeBinary:
		s, ok := raw.(string)
		if !ok {
			return core.Value{}, fmt.Errorf("want a string")
		}
		return core.BinaryValue([]byte(s)), nil
	}

	n, ok := raw.(json.Number)
	if !ok {
		return core.Value{}, fmt.Errorf("want a number")
	}
	switch t {
	case core.TypeInt32:
		i, err := strconv.ParseInt(n.String(), 10, 32)
		return core.Int32Value(int32(i)), err
	case core.TypeInt64:
		i, err := n.Int64()
		return core.Int64Value(i), err
	case core.TypeTimestamp:
		i, err := n.Int64()
		return core.TimestampValue(i), err
	case core.TypeUInt64:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return core.UInt64Value(u), err
	case core.TypeFloat32:
		f, err := strconv.ParseFloat(n.String(), 32)
		return core.Float32Value(float32(f)), err
	case core.TypeFloat64:
		f, err := n.Float64()
		return core.Float64Value(f), err
	default:
		return core.Value{}, &core.UnsupportedTypeError{Message: t.String()}
	}
}
