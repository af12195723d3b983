package capture

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/analytica/governor"
	"github.com/isdmx/analytica/policy"
	"github.com/isdmx/analytica/sandbox"
)

func testPolicy(t *testing.T, mutate func(*policy.Spec)) *policy.Policy {
	t.Helper()
	spec := policy.DefaultSpec()
	spec.Timeout = time.Second
	if mutate != nil {
		mutate(&spec)
	}
	p, err := policy.New(spec)
	require.NoError(t, err)
	return p
}

func okResponse(results ...sandbox.Result) sandbox.Response {
	return sandbox.Response{ID: "req", Status: sandbox.StatusOK, Results: results}
}

func result(name, value string) sandbox.Result {
	return sandbox.Result{Name: name, Value: json.RawMessage(value)}
}

func TestBuildClassification(t *testing.T) {
	p := testPolicy(t, nil)

	t.Run("Scalars", func(t *testing.T) {
		payload, err := Build(okResponse(
			result("count", `42`),
			result("mean", `12.5`),
			result("city", `"Moscow"`),
			result("flag", `true`),
			result("missing", `null`),
		), p)
		require.NoError(t, err)
		require.Len(t, payload.Results, 5)

		for _, r := range payload.Results {
			assert.Equal(t, KindScalar, r.Kind, r.Name)
		}
		assert.Equal(t, int64(42), payload.Results[0].Value)
		assert.InDelta(t, 12.5, payload.Results[1].Value, 1e-9)
		assert.Equal(t, "Moscow", payload.Results[2].Value)
		assert.Nil(t, payload.Results[4].Value)
	})

	t.Run("ArrayOfObjectsIsTable", func(t *testing.T) {
		payload, err := Build(okResponse(
			result("by_city", `[{"city":"Moscow","n":3},{"city":"Kazan","avg":1.5},{"n":1,"city":"Omsk"}]`),
		), p)
		require.NoError(t, err)

		r := payload.Results[0]
		assert.Equal(t, KindTable, r.Kind)
		assert.Nil(t, r.Value)
		require.NotNil(t, r.Table)
		assert.Equal(t, []string{"city", "n", "avg"}, r.Table.Columns)
		assert.Equal(t, [][]any{
			{"Moscow", int64(3), nil},
			{"Kazan", nil, 1.5},
			{"Omsk", int64(1), nil},
		}, r.Table.Rows)
	})

	t.Run("ObjectOfScalarsIsKeyValueTable", func(t *testing.T) {
		payload, err := Build(okResponse(result("summary", `{"z":1,"a":"two","m":null}`)), p)
		require.NoError(t, err)

		r := payload.Results[0]
		assert.Equal(t, KindTable, r.Kind)
		assert.Equal(t, []string{"key", "value"}, r.Table.Columns)
		assert.Equal(t, [][]any{{"z", int64(1)}, {"a", "two"}, {"m", nil}}, r.Table.Rows)
	})

	t.Run("ListAndJSON", func(t *testing.T) {
		payload, err := Build(okResponse(
			result("top", `[1,2,3]`),
			result("empty", `[]`),
			result("nested", `{"b":{"x":1},"a":[1]}`),
			result("empty_object", `{}`),
		), p)
		require.NoError(t, err)

		assert.Equal(t, KindList, payload.Results[0].Kind)
		assert.Equal(t, []any{int64(1), int64(2), int64(3)}, payload.Results[0].Value)
		assert.Equal(t, KindList, payload.Results[1].Kind)
		assert.Equal(t, KindJSON, payload.Results[2].Kind)
		assert.Equal(t, KindJSON, payload.Results[3].Kind)

		out, err := json.Marshal(payload.Results[2].Value)
		require.NoError(t, err)
		assert.Equal(t, `{"b":{"x":1},"a":[1]}`, string(out), "key order is preserved")
	})

	t.Run("CoercedTextSummary", func(t *testing.T) {
		payload, err := Build(okResponse(sandbox.Result{
			Name:    "fn",
			Value:   json.RawMessage(`"[function helper]"`),
			Coerced: true,
		}), p)
		require.NoError(t, err)

		r := payload.Results[0]
		assert.Equal(t, KindText, r.Kind)
		assert.True(t, r.Coerced)
		assert.Equal(t, "[function helper]", r.Value)
	})

	t.Run("IntegersBeyondExactRangeAreFloats", func(t *testing.T) {
		payload, err := Build(okResponse(
			result("edge", `9007199254740992`),
			result("big", `1152921504606847000`),
			result("negative", `-1152921504606847000`),
		), p)
		require.NoError(t, err)
		assert.Equal(t, int64(1<<53), payload.Results[0].Value)
		assert.Equal(t, float64(1<<60), payload.Results[1].Value)
		assert.Equal(t, -float64(1<<60), payload.Results[2].Value)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		_, err := Build(okResponse(result("bad", `{"a":`)), p)
		assert.Error(t, err)
	})
}

func TestBuildLimits(t *testing.T) {
	t.Run("StdoutTruncated", func(t *testing.T) {
		p := testPolicy(t, func(s *policy.Spec) { s.MaxOutputBytes = 5 })
		resp := okResponse()
		resp.Stdout = "héllo world"

		payload, err := Build(resp, p)
		require.NoError(t, err)
		assert.Equal(t, "héll", payload.Stdout)
		assert.True(t, payload.Truncated)
	})

	t.Run("WorkerTruncationKept", func(t *testing.T) {
		p := testPolicy(t, nil)
		resp := okResponse()
		resp.Stdout = "abc"
		resp.Truncated = true

		payload, err := Build(resp, p)
		require.NoError(t, err)
		assert.True(t, payload.Truncated)
	})

	t.Run("TooManyCharts", func(t *testing.T) {
		p := testPolicy(t, func(s *policy.Spec) { s.MaxArtifacts = 1 })
		resp := okResponse()
		resp.Charts = []sandbox.Chart{
			{Name: "a", Format: "png", Data: []byte{1}},
			{Name: "b", Format: "png", Data: []byte{2}},
		}

		_, err := Build(resp, p)
		assert.ErrorIs(t, err, governor.ErrArtifactCount)
	})

	t.Run("ChartTooLarge", func(t *testing.T) {
		p := testPolicy(t, func(s *policy.Spec) { s.MaxArtifactBytes = 4 })
		resp := okResponse()
		resp.Charts = []sandbox.Chart{{Name: "a", Format: "png", Data: []byte("12345")}}

		_, err := Build(resp, p)
		assert.ErrorIs(t, err, governor.ErrMemoryOrOutput)
	})

	t.Run("ResultsTooLarge", func(t *testing.T) {
		p := testPolicy(t, func(s *policy.Spec) { s.MaxOutputBytes = 16 })
		_, err := Build(okResponse(result("text", `"`+strings.Repeat("x", 32)+`"`)), p)
		assert.ErrorIs(t, err, governor.ErrMemoryOrOutput)
	})

	t.Run("NotSuccessful", func(t *testing.T) {
		_, err := Build(sandbox.Response{Status: sandbox.StatusError}, testPolicy(t, nil))
		assert.Error(t, err)
	})
}

func TestBuildChartsInOrder(t *testing.T) {
	p := testPolicy(t, nil)
	resp := okResponse()
	resp.Charts = []sandbox.Chart{
		{Name: "second", Format: "png", Data: []byte{2}},
		{Name: "first", Format: "png", Data: []byte{1}},
	}

	payload, err := Build(resp, p)
	require.NoError(t, err)
	require.Len(t, payload.Charts, 2)
	assert.Equal(t, "second", payload.Charts[0].Name)
	assert.Equal(t, "first", payload.Charts[1].Name)

	resp.Charts[0].Data[0] = 9
	assert.Equal(t, byte(2), payload.Charts[0].Data[0], "chart data is copied")
}

func TestPayloadClone(t *testing.T) {
	p := testPolicy(t, nil)
	resp := okResponse(
		result("rows", `[{"a":1}]`),
		result("nested", `{"list":[1,2]}`),
	)
	resp.Charts = []sandbox.Chart{{Name: "c", Format: "png", Data: []byte{1}}}

	payload, err := Build(resp, p)
	require.NoError(t, err)

	clone := payload.Clone()
	clone.Results[0].Table.Rows[0][0] = int64(99)
	clone.Results[1].Value.(Record)[0].Value.([]any)[0] = int64(99)
	clone.Charts[0].Data[0] = 99

	assert.Equal(t, int64(1), payload.Results[0].Table.Rows[0][0])
	nested, ok := payload.Result("nested")
	require.True(t, ok)
	list, _ := nested.Value.(Record).Get("list")
	assert.Equal(t, int64(1), list.([]any)[0])
	assert.Equal(t, byte(1), payload.Charts[0].Data[0])
}

func TestRecordMarshalJSON(t *testing.T) {
	rec := Record{{Key: "z", Value: int64(1)}, {Key: "a", Value: Record{{Key: "q", Value: nil}}}}
	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":{"q":null}}`, string(out))
	assert.Equal(t, []string{"z", "a"}, rec.Keys())
}

func TestDecode(t *testing.T) {
	t.Run("Numbers", func(t *testing.T) {
		for input, want := range map[string]any{
			`42`:                  int64(42),
			`-9007199254740992`:   int64(-1 << 53),
			`9007199254740993`:    int64(1 << 53),
			`1152921504606847000`: float64(1 << 60),
			`1e3`:                 int64(1000),
			`2.5`:                 2.5,
			`1e300`:               1e300,
		} {
			got, err := Decode([]byte(input))
			require.NoError(t, err, input)
			assert.Equal(t, want, got, input)
		}
	})

	t.Run("ObjectKeepsKeyOrder", func(t *testing.T) {
		got, err := Decode([]byte(`{"z": 1, "caf\u00e9": "x", "a": [true, null, {"k": "v"}]}`))
		require.NoError(t, err)
		rec, ok := got.(Record)
		require.True(t, ok)
		assert.Equal(t, []string{"z", "café", "a"}, rec.Keys())
		list, _ := rec.Get("a")
		assert.Equal(t, []any{true, nil, Record{{Key: "k", Value: "v"}}}, list)
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, input := range []string{``, `{"a":`, `[1,`, `1 2`, `{"a": 1} x`} {
			_, err := Decode([]byte(input))
			assert.Error(t, err, input)
		}
	})
}
