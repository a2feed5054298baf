// SPDX-License-Identifier: MIT

package hydrate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_RoundTrip(t *testing.T) {
	tr := JSON{}
	assert.Equal(t, "json", tr.Name())

	raw, err := tr.Encode(map[string]any{"id": 1, "name": "a"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"name":"a"}`, string(raw))

	v, err := tr.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(1), "name": "a"}, v)
}

func TestJSON_RawMessagePassThrough(t *testing.T) {
	tr := JSON{}

	raw, err := tr.Encode(json.RawMessage(`{"already":"encoded"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"already":"encoded"}`, string(raw))

	_, err = tr.Encode(json.RawMessage(`{broken`))
	assert.Error(t, err)
}

func TestTyped_RoundTrip(t *testing.T) {
	tr := Typed{}
	assert.Equal(t, "typed", tr.Name())

	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	in := map[string]any{
		"created": ts,
		"timeout": 90 * time.Second,
		"blob":    []byte{0xde, 0xad, 0xbe, 0xef},
		"nested": []any{
			map[string]any{"at": ts.Add(time.Hour)},
			"plain",
		},
		"count": json.Number("42"),
	}

	raw, err := tr.Encode(in)
	require.NoError(t, err)

	out, err := tr.Decode(raw)
	require.NoError(t, err)

	want := map[string]any{
		"created": ts,
		"timeout": 90 * time.Second,
		"blob":    []byte{0xde, 0xad, 0xbe, 0xef},
		"nested": []any{
			map[string]any{"at": ts.Add(time.Hour)},
			"plain",
		},
		"count": json.Number("42"),
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTyped_DurationExactness(t *testing.T) {
	tr := Typed{}

	// Beyond float64's 53-bit integer range; must survive verbatim.
	d := time.Duration(9007199254740993)
	raw, err := tr.Encode(map[string]any{"d": d})
	require.NoError(t, err)

	out, err := tr.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, d, out.(map[string]any)["d"])
}

func TestTyped_EnvelopeShape(t *testing.T) {
	tr := Typed{}

	raw, err := tr.Encode(time.Unix(0, 0).UTC())
	require.NoError(t, err)
	assert.JSONEq(t, `{"$t":"time","v":"1970-01-01T00:00:00Z"}`, string(raw))
}

func TestTyped_NonEnvelopeMapsPassThrough(t *testing.T) {
	tr := Typed{}

	// Three keys: not an envelope even with "$t" present.
	out, err := tr.Decode(json.RawMessage(`{"$t":"time","v":"x","extra":1}`))
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x", m["v"])

	// Unknown tag: plain map.
	out, err = tr.Decode(json.RawMessage(`{"$t":"custom","v":1}`))
	require.NoError(t, err)
	_, ok = out.(map[string]any)
	assert.True(t, ok)
}

func TestTyped_StructsPassThroughPlain(t *testing.T) {
	tr := Typed{}

	type payload struct {
		Name string `json:"name"`
	}
	raw, err := tr.Encode(payload{Name: "a"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a"}`, string(raw))
}

func TestTyped_DecodeBadEnvelopes(t *testing.T) {
	tr := Typed{}

	_, err := tr.Decode(json.RawMessage(`{"$t":"time","v":"not-a-time"}`))
	assert.Error(t, err)

	_, err = tr.Decode(json.RawMessage(`{"$t":"bytes","v":"___"}`))
	assert.Error(t, err)

	_, err = tr.Decode(json.RawMessage(`{"$t":"duration","v":"NaN"}`))
	assert.Error(t, err)
}
