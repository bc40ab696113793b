package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeFile(t *testing.T) {
	ts := time.Date(2020, 1, 20, 6, 0, 0, 0, time.UTC)

	t.Run("without orography", func(t *testing.T) {
		data := "2020\t01\t20\t2\t06\n" +
			"\t10\t20\t120.500000\t15.250000\t9.850000e+04\t2.100000e+01\n" +
			"\t30\t40\t140.000000\t-12.000000\t9.990000e+04\t1.200000e+01\n"

		got, nodes, err := ParseNodeFile(data, SchemaWithoutOrography)
		require.NoError(t, err)
		assert.Equal(t, ts, got)
		require.Len(t, nodes, 2)
		assert.Equal(t, 10, nodes[0].I)
		assert.Equal(t, 20, nodes[0].J)
		assert.Equal(t, 120.5, nodes[0].Lon)
		assert.Equal(t, 15.25, nodes[0].Lat)
		assert.Equal(t, 98500.0, nodes[0].Pressure)
		assert.Equal(t, 21.0, nodes[0].WindSpeed)
		assert.Nil(t, nodes[0].Orography)
		assert.Equal(t, ts, nodes[1].Time)
		assert.Equal(t, -12.0, nodes[1].Lat)
	})

	t.Run("with orography", func(t *testing.T) {
		data := "2020 01 20 1 06\n 1 2 3.0 4.0 99000 15 120.5\n"

		_, nodes, err := ParseNodeFile(data, SchemaWithOrography)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		require.NotNil(t, nodes[0].Orography)
		assert.Equal(t, 120.5, *nodes[0].Orography)
	})

	t.Run("empty file", func(t *testing.T) {
		got, nodes, err := ParseNodeFile("\n\n", SchemaWithoutOrography)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
		assert.Empty(t, nodes)
	})

	t.Run("zero nodes", func(t *testing.T) {
		got, nodes, err := ParseNodeFile("2020 01 20 0 06\n", SchemaWithoutOrography)
		require.NoError(t, err)
		assert.Equal(t, ts, got)
		assert.Empty(t, nodes)
	})
}

func TestParseNodeFile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		schema Schema
		want   error
	}{
		{"header too short", "2020 01 20 1\n 1 2 3 4 5 6\n", SchemaWithoutOrography, ErrMalformedHeader},
		{"header too long", "2020 01 20 1 06 7\n 1 2 3 4 5 6\n", SchemaWithoutOrography, ErrMalformedHeader},
		{"bad count", "2020 01 20 x 06\n", SchemaWithoutOrography, ErrMalformedHeader},
		{"bad month", "2020 13 20 0 06\n", SchemaWithoutOrography, ErrMalformedHeader},
		{"missing records", "2020 01 20 2 06\n 1 2 3 4 5 6\n", SchemaWithoutOrography, ErrMalformedHeader},
		{"surplus records", "2020 01 20 1 06\n 1 2 3 4 5 6\n 7 8 9 10 11 12\n", SchemaWithoutOrography, ErrMalformedHeader},
		{"records after empty header", "2020 01 20 0 06\n 1 2 3 4 5 6\n", SchemaWithoutOrography, ErrMalformedHeader},
		{"schema mismatch", "2020 01 20 1 06\n 1 2 3 4 5 6\n", SchemaWithOrography, ErrMalformedRecord},
		{"bad number", "2020 01 20 1 06\n 1 2 abc 4 5 6\n", SchemaWithoutOrography, ErrMalformedRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseNodeFile(tt.data, tt.schema)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFormatNodeFile_RoundTrip(t *testing.T) {
	ts := time.Date(2021, 9, 3, 18, 0, 0, 0, time.UTC)
	zs := 12.5
	nodes := []Node{
		{Time: ts, I: 4, J: 7, Lon: 200.25, Lat: 18.5, Pressure: 97000, WindSpeed: 33, Orography: &zs},
	}

	text := FormatNodeFile(ts, nodes, SchemaWithOrography)
	got, parsed, err := ParseNodeFile(text, SchemaWithOrography)
	require.NoError(t, err)
	assert.Equal(t, ts, got)
	assert.Equal(t, nodes, parsed)

	// Deterministic rendering.
	assert.Equal(t, text, FormatNodeFile(ts, nodes, SchemaWithOrography))
}

func TestNodeFileName_SortsByTime(t *testing.T) {
	a := NodeFileName(time.Date(2020, 1, 9, 18, 0, 0, 0, time.UTC))
	b := NodeFileName(time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "nodes_2020010918.txt", a)
	assert.Less(t, a, b)
}

func TestSchema(t *testing.T) {
	assert.Equal(t, SchemaWithOrography, SchemaFor(true))
	assert.Equal(t, SchemaWithoutOrography, SchemaFor(false))
	assert.Equal(t, 6, SchemaWithoutOrography.NodeColumns())
	assert.Equal(t, 7, SchemaWithOrography.NodeColumns())
	assert.Equal(t, 11, SchemaWithOrography.TrackColumns())
	assert.Equal(t, []string{"lon", "lat", "slp", "wind", "zs"}, SchemaWithOrography.Variables())
	assert.Equal(t, "without_orography", SchemaWithoutOrography.String())
}
