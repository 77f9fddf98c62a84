package flight

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockExportRoundTrip(t *testing.T) {
	m := NewMockExporter()
	ctx := context.Background()

	require.Error(t, m.Export(ctx, []string{"a"}, [][]float32{{1}}),
		"export before connect must fail")

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Export(ctx,
		[]string{"a", "b"},
		[][]float32{{1, 2, 3}, {4, 5, 6}}))

	assert.Equal(t, 2, m.Count())
	v, ok := m.Stored("b")
	require.True(t, ok)
	assert.Equal(t, []float32{4, 5, 6}, v)

	require.NoError(t, m.Close())
	assert.Error(t, m.Export(ctx, []string{"c"}, [][]float32{{7}}))
}

func TestMockExportValidatesPairs(t *testing.T) {
	m := NewMockExporter()
	require.NoError(t, m.Connect(context.Background()))
	assert.Error(t, m.Export(context.Background(), []string{"only-one"}, [][]float32{{1}, {2}}))
}

func TestClientRejectsBadBatches(t *testing.T) {
	c := NewClient("localhost:3000")
	ctx := context.Background()

	// All argument validation happens before any network use.
	assert.Error(t, c.Export(ctx, nil, nil), "unconnected client must fail")
}

func TestRecordSchema(t *testing.T) {
	s := schema(4)
	require.Equal(t, 2, s.NumFields())
	assert.Equal(t, "id", s.Field(0).Name)
	assert.Equal(t, "vector", s.Field(1).Name)
}

func TestBuildRecord(t *testing.T) {
	rec := buildRecord([]string{"x", "y"}, [][]float32{{1, 2}, {3, 4}}, 2)
	defer rec.Release()

	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, int64(2), rec.NumCols())
}
