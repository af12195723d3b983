package dataset

import (
	"encoding/json"
	"math"

	"github.com/isdmx/analytica/capture"
)

const maxSamples = 3

// Column types reported by Describe.
const (
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeString  = "string"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeMixed   = "mixed"
	TypeNull    = "null"
)

// Column summarises one field across all records.
type Column struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	NonNull  int      `json:"non_null"`
	Distinct int      `json:"distinct"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Mean     *float64 `json:"mean,omitempty"`
	Samples  []any    `json:"samples,omitempty"`
}

// Description is the schema summary handed to the script author.
type Description struct {
	Source  string   `json:"source"`
	Rows    int      `json:"rows"`
	Digest  string   `json:"digest"`
	Columns []Column `json:"columns"`
}

// Describe infers a type for every column and computes basic statistics.
func (h *Handle) Describe() Description {
	d := Description{
		Source:  h.source,
		Rows:    len(h.records),
		Digest:  h.digest,
		Columns: make([]Column, 0, len(h.columns)),
	}
	for _, name := range h.columns {
		d.Columns = append(d.Columns, h.describeColumn(name))
	}
	return d
}

func (h *Handle) describeColumn(name string) Column {
	col := Column{Name: name, Type: TypeNull}
	distinct := make(map[string]struct{})
	var sum float64
	var numeric int

	for _, rec := range h.records {
		v, ok := rec.Get(name)
		if !ok || v == nil {
			continue
		}
		col.NonNull++
		col.Type = mergeType(col.Type, typeOf(v))

		key := distinctKey(v)
		if _, seen := distinct[key]; !seen {
			distinct[key] = struct{}{}
			if len(col.Samples) < maxSamples {
				col.Samples = append(col.Samples, v)
			}
		}

		if f, ok := toFloat(v); ok {
			numeric++
			sum += f
			if col.Min == nil || f < *col.Min {
				col.Min = ptr(f)
			}
			if col.Max == nil || f > *col.Max {
				col.Max = ptr(f)
			}
		}
	}

	col.Distinct = len(distinct)
	if numeric > 0 && (col.Type == TypeInteger || col.Type == TypeNumber) {
		col.Mean = ptr(sum / float64(numeric))
	} else {
		col.Min, col.Max = nil, nil
	}
	return col
}

func typeOf(v any) string {
	switch v.(type) {
	case int64:
		return TypeInteger
	case float64:
		return TypeNumber
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case capture.Record:
		return TypeObject
	case []any:
		return TypeArray
	}
	return TypeMixed
}

func mergeType(current, next string) string {
	switch {
	case current == TypeNull, current == next:
		return next
	case current == TypeInteger && next == TypeNumber, current == TypeNumber && next == TypeInteger:
		return TypeNumber
	}
	return TypeMixed
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	}
	return 0, false
}

func distinctKey(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(out)
}

func ptr(f float64) *float64 {
	return &f
}
