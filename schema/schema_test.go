package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaObjectCoords_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, SchemaObjectCoords{Database: "d", Schema: "s", Name: "n"}.Validate())
	require.Error(t, SchemaObjectCoords{Schema: "s", Name: "n"}.Validate())
	require.Error(t, SchemaObjectCoords{Database: "d", Name: "n"}.Validate())
	require.Error(t, SchemaObjectCoords{Database: "d", Schema: "s"}.Validate())
}

func TestSchemaObjectCoords_String(t *testing.T) {
	t.Parallel()

	c := SchemaObjectCoords{Database: "db", Schema: "sc", Name: "tbl"}
	assert.Equal(t, "db.sc.tbl", c.String())
}

func TestNewTableSchema_Lookup(t *testing.T) {
	t.Parallel()

	ts := NewTableSchema(
		SchemaObjectCoords{Database: "d", Schema: "s", Name: "t"},
		[]ColumnSpec{
			{Name: "ID", Type: Number, Precision: 18, Scale: 0, HasScale: true},
			{Name: "VALUE", Type: Varchar, Length: 16, HasLength: true},
		},
	)

	id, ok := ts.Lookup("ID")
	require.True(t, ok)
	assert.Equal(t, Number, id.Type)

	_, ok = ts.Lookup("MISSING")
	assert.False(t, ok)

	// Case-sensitive lookup: "id" must not match "ID".
	_, ok = ts.Lookup("id")
	assert.False(t, ok)
}
