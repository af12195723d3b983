package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/analytica/capture"
	"github.com/isdmx/analytica/sandbox"
	"github.com/isdmx/analytica/validator"
)

func TestOutcomeVariants(t *testing.T) {
	payload := capture.Payload{
		Stdout:  "hello\n",
		Results: []capture.NamedResult{{Name: "n", Kind: capture.KindScalar, Value: int64(3)}},
		Charts:  []capture.Chart{{Name: "c", Format: "png", Data: []byte{1, 2}}},
	}

	t.Run("SuccessOwnsPayload", func(t *testing.T) {
		out := Succeeded("r", payload)
		payload.Charts[0].Data[0] = 9

		got, ok := out.Payload()
		require.True(t, ok)
		assert.Equal(t, byte(1), got.Charts[0].Data[0])

		got.Results[0].Value = int64(100)
		again, _ := out.Payload()
		assert.Equal(t, int64(3), again.Results[0].Value)

		_, isVerdict := out.Verdict()
		_, isResource := out.Resource()
		assert.False(t, isVerdict)
		assert.False(t, isResource)
	})

	t.Run("OnlyOneVariantPopulated", func(t *testing.T) {
		outcomes := []Outcome{
			Rejected("r", validator.Verdict{Rule: validator.RuleDeniedCall, Reason: `"eval" is a denied callable`}),
			RuntimeFailed("r", "Error: boom"),
			ResourceExceeded("r", sandbox.BreachTimeout),
			Cancelled("r"),
			InternalError("r"),
		}
		for _, out := range outcomes {
			_, hasPayload := out.Payload()
			assert.False(t, hasPayload, out.Status())
		}
	})
}

func TestOutcomeUserMessage(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want string
	}{
		{"Success", Succeeded("r", capture.Payload{}), "The analysis completed successfully."},
		{
			"Rejected",
			Rejected("r", validator.Verdict{Reason: `module "fs" is not allowed`, Location: validator.Location{Line: 2, Column: 5}}),
			`The script was rejected before running: module "fs" is not allowed (line 2, column 5).`,
		},
		{"RejectedNoLocation", Rejected("r", validator.Verdict{Reason: "script is empty"}), "The script was rejected before running: script is empty."},
		{"Runtime", RuntimeFailed("r", "RangeError: bad"), "The script failed while running: RangeError: bad"},
		{"Timeout", ResourceExceeded("r", sandbox.BreachTimeout), "The script took too long and was stopped."},
		{"Artifacts", ResourceExceeded("r", sandbox.BreachArtifactCount), "The script produced more charts than allowed."},
		{"Memory", ResourceExceeded("r", sandbox.BreachMemoryOrOutput), "The script used too much memory or produced too much output and was stopped."},
		{"Cancelled", Cancelled("r"), "The analysis was cancelled."},
		{"Internal", InternalError("r"), "Something went wrong while running the analysis. Please try again."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.out.UserMessage())
		})
	}
}

func TestOutcomeMarshalJSON(t *testing.T) {
	t.Run("Resource", func(t *testing.T) {
		data, err := json.Marshal(ResourceExceeded("req-9", sandbox.BreachArtifactCount))
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "req-9", decoded["request_id"])
		assert.Equal(t, "resource_exceeded", decoded["status"])
		assert.Equal(t, "artifact_count", decoded["resource"])
		assert.NotContains(t, decoded, "payload")
		assert.NotContains(t, decoded, "verdict")
	})

	t.Run("Success", func(t *testing.T) {
		data, err := json.Marshal(Succeeded("req-1", capture.Payload{Stdout: "x"}))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"payload":{"stdout":"x"`)
		assert.NotContains(t, string(data), `"resource"`)
	})

	t.Run("Internal", func(t *testing.T) {
		data, err := json.Marshal(InternalError("req-2"))
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"request_id": "req-2",
			"status": "internal_error",
			"message": "Something went wrong while running the analysis. Please try again.",
			"duration_ms": 0
		}`, string(data))
	})
}
