package metadata

import (
	"encoding/json"
	"testing"

	"github.com/INLOpen/regionstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata(t *testing.T) *RegionMetadata {
	t.Helper()
	meta, err := NewBuilder("cpu").
		ID(7).
		PushValueColumn("usage", core.TypeFloat64, true).
		PushKeyColumn("host", core.TypeString, false).
		TimestampColumn("ts").
		EnableVersionColumn(true).
		Build()
	require.NoError(t, err)
	return meta
}

func TestBuilderOrdersColumns(t *testing.T) {
	meta := testMetadata(t)

	assert.Equal(t, []string{"host", "ts", VersionColumnName, "usage"}, meta.ColumnNames())
	assert.Equal(t, 3, meta.RowKeyLen())
	assert.Equal(t, 1, meta.TimestampIndex())
	assert.True(t, meta.HasVersionColumn())
	assert.Equal(t, "usage", meta.ValueColumns()[0].Name)
	assert.Equal(t, uint64(7), meta.ID())
	assert.Equal(t, uint32(0), meta.Version())
	assert.Equal(t, -1, meta.ColumnIndex("missing"))
}

func TestBuilderValidation(t *testing.T) {
	testCases := []struct {
		name    string
		builder *Builder
	}{
		{"missing timestamp", NewBuilder("r").PushValueColumn("v", core.TypeInt64, true)},
		{"duplicate column", NewBuilder("r").TimestampColumn("ts").PushValueColumn("ts", core.TypeInt64, true)},
		{"reserved name", NewBuilder("r").TimestampColumn("ts").PushValueColumn("__key", core.TypeInt64, true)},
		{"empty region name", NewBuilder("").TimestampColumn("ts")},
		{"invalid type", NewBuilder("r").TimestampColumn("ts").PushValueColumn("v", core.DataType(77), true)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.builder.Build()
			require.Error(t, err)
			assert.True(t, core.IsValidationError(err))
		})
	}
}

func TestRawRoundTrip(t *testing.T) {
	meta := testMetadata(t)

	data, err := json.Marshal(meta)
	require.NoError(t, err)

	var decoded RegionMetadata
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, meta.Equal(&decoded))
	assert.Equal(t, meta.RowKeyLen(), decoded.RowKeyLen())
}

func TestFromRawRejectsOutOfOrderColumns(t *testing.T) {
	_, err := FromRaw(Raw{
		Name: "r",
		Columns: []ColumnSchema{
			{Name: "v", Type: core.TypeInt64, Nullable: true, Semantic: SemanticField},
			{Name: "ts", Type: core.TypeTimestamp, Semantic: SemanticTimestamp},
		},
	})
	require.Error(t, err)
}

func TestAlter(t *testing.T) {
	meta := testMetadata(t)

	t.Run("add and drop", func(t *testing.T) {
		altered, err := meta.Alter(AlterRequest{
			AddColumns:  []ColumnSchema{{Name: "load", Type: core.TypeFloat64, Nullable: true}},
			DropColumns: []string{"usage"},
		})
		require.NoError(t, err)
		assert.Equal(t, meta.Version()+1, altered.Version())
		assert.Equal(t, []string{"host", "ts", VersionColumnName, "load"}, altered.ColumnNames())
		// the original is untouched
		assert.Equal(t, []string{"host", "ts", VersionColumnName, "usage"}, meta.ColumnNames())
	})

	t.Run("rejects", func(t *testing.T) {
		_, err := meta.Alter(AlterRequest{DropColumns: []string{"host"}})
		assert.True(t, core.IsValidationError(err))
		_, err = meta.Alter(AlterRequest{AddColumns: []ColumnSchema{{Name: "x", Type: core.TypeInt64}}})
		assert.True(t, core.IsValidationError(err))
		_, err = meta.Alter(AlterRequest{AddColumns: []ColumnSchema{{Name: "usage", Type: core.TypeInt64, Nullable: true}}})
		assert.True(t, core.IsValidationError(err))
		_, err = meta.Alter(AlterRequest{})
		assert.True(t, core.IsValidationError(err))
	})
}

func TestProjection(t *testing.T) {
	meta := testMetadata(t)

	all, err := meta.Projection(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, all)

	// output follows metadata order, not request order
	idx, err := meta.Projection([]string{"usage", "host"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, idx)

	_, err = meta.Projection([]string{"nope"})
	assert.True(t, core.IsValidationError(err))
}
