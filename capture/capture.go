package capture

import (
	"bytes"
	"fmt"

	"github.com/isdmx/analytica/governor"
	"github.com/isdmx/analytica/policy"
	"github.com/isdmx/analytica/sandbox"
)

// Kind classifies a named result for presentation.
type Kind string

const (
	KindScalar Kind = "scalar"
	KindTable  Kind = "table"
	KindList   Kind = "list"
	KindJSON   Kind = "json"
	KindText   Kind = "text"
)

// Table is a result laid out as columns and rows. Missing cells are nil.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// NamedResult is one entry of the script's RESULT object.
type NamedResult struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Value   any    `json:"value,omitempty"`
	Table   *Table `json:"table,omitempty"`
	Coerced bool   `json:"coerced,omitempty"`
}

// Chart is a rendered chart image.
type Chart struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// Payload is everything a successful run produced.
type Payload struct {
	Stdout    string        `json:"stdout"`
	Truncated bool          `json:"truncated"`
	Results   []NamedResult `json:"results"`
	Charts    []Chart       `json:"charts"`
}

// Result returns the named result called name.
func (p Payload) Result(name string) (NamedResult, bool) {
	for _, r := range p.Results {
		if r.Name == name {
			return r, true
		}
	}
	return NamedResult{}, false
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	out := Payload{
		Stdout:    p.Stdout,
		Truncated: p.Truncated,
		Results:   make([]NamedResult, len(p.Results)),
		Charts:    make([]Chart, len(p.Charts)),
	}
	for i, r := range p.Results {
		c := r
		c.Value = CloneValue(r.Value)
		if r.Table != nil {
			t := &Table{
				Columns: append([]string(nil), r.Table.Columns...),
				Rows:    make([][]any, len(r.Table.Rows)),
			}
			for j, row := range r.Table.Rows {
				t.Rows[j] = CloneValue(row).([]any)
			}
			c.Table = t
		}
		out.Results[i] = c
	}
	for i, ch := range p.Charts {
		out.Charts[i] = Chart{Name: ch.Name, Format: ch.Format, Data: bytes.Clone(ch.Data)}
	}
	return out
}

// Build turns a successful worker response into a Payload, enforcing the
// policy's output and artifact limits again on the host side. Limit
// violations are returned as *governor.LimitError so no partial payload is
// ever produced.
func Build(resp sandbox.Response, p *policy.Policy) (Payload, error) {
	if resp.Status != sandbox.StatusOK {
		return Payload{}, fmt.Errorf("cannot capture a response with status %q", resp.Status)
	}

	if len(resp.Charts) > p.MaxArtifacts() {
		return Payload{}, &governor.LimitError{
			Kind:   governor.ErrArtifactCount,
			Detail: fmt.Sprintf("%d charts, limit is %d", len(resp.Charts), p.MaxArtifacts()),
		}
	}

	payload := Payload{
		Stdout:    sandbox.TruncateUTF8(resp.Stdout, p.MaxOutputBytes()),
		Truncated: resp.Truncated || len(resp.Stdout) > p.MaxOutputBytes(),
		Results:   make([]NamedResult, 0, len(resp.Results)),
		Charts:    make([]Chart, 0, len(resp.Charts)),
	}

	for _, c := range resp.Charts {
		if len(c.Data) > p.MaxArtifactBytes() {
			return Payload{}, &governor.LimitError{
				Kind:   governor.ErrMemoryOrOutput,
				Detail: fmt.Sprintf("chart %q is %d bytes, limit is %d", c.Name, len(c.Data), p.MaxArtifactBytes()),
			}
		}
		if c.Format != "png" {
			return Payload{}, fmt.Errorf("chart %q has unsupported format %q", c.Name, c.Format)
		}
		payload.Charts = append(payload.Charts, Chart{Name: c.Name, Format: c.Format, Data: bytes.Clone(c.Data)})
	}

	size := 0
	for _, r := range resp.Results {
		size += len(r.Name) + len(r.Value)
		if size > p.MaxOutputBytes() {
			return Payload{}, &governor.LimitError{
				Kind:   governor.ErrMemoryOrOutput,
				Detail: fmt.Sprintf("results exceed %d bytes", p.MaxOutputBytes()),
			}
		}

		value, err := Decode(r.Value)
		if err != nil {
			return Payload{}, fmt.Errorf("failed to decode result %q: %w", r.Name, err)
		}
		payload.Results = append(payload.Results, classify(r.Name, value, r.Coerced))
	}

	return payload, nil
}

func classify(name string, value any, coerced bool) NamedResult {
	res := NamedResult{Name: name, Value: value, Coerced: coerced}

	switch v := value.(type) {
	case string:
		res.Kind = KindScalar
		if coerced {
			res.Kind = KindText
		}

	case []any:
		if t, ok := recordsTable(v); ok {
			res.Kind = KindTable
			res.Table = t
			res.Value = nil
			return res
		}
		res.Kind = KindList

	case Record:
		if t, ok := scalarsTable(v); ok {
			res.Kind = KindTable
			res.Table = t
			res.Value = nil
			return res
		}
		res.Kind = KindJSON

	default:
		res.Kind = KindScalar
	}
	return res
}

// recordsTable lays out a non-empty array of objects. Columns are the union
// of keys in first-seen order.
func recordsTable(items []any) (*Table, bool) {
	if len(items) == 0 {
		return nil, false
	}
	records := make([]Record, len(items))
	for i, item := range items {
		rec, ok := item.(Record)
		if !ok {
			return nil, false
		}
		records[i] = rec
	}

	var columns []string
	seen := make(map[string]struct{})
	for _, rec := range records {
		for _, f := range rec {
			if _, ok := seen[f.Key]; ok {
				continue
			}
			seen[f.Key] = struct{}{}
			columns = append(columns, f.Key)
		}
	}

	rows := make([][]any, len(records))
	for i, rec := range records {
		row := make([]any, len(columns))
		for j, col := range columns {
			row[j], _ = rec.Get(col)
		}
		rows[i] = row
	}
	return &Table{Columns: columns, Rows: rows}, true
}

// scalarsTable lays out a non-empty object of scalars as key/value rows.
func scalarsTable(rec Record) (*Table, bool) {
	if len(rec) == 0 {
		return nil, false
	}
	rows := make([][]any, len(rec))
	for i, f := range rec {
		if !isScalar(f.Value) {
			return nil, false
		}
		rows[i] = []any{f.Key, f.Value}
	}
	return &Table{Columns: []string{"key", "value"}, Rows: rows}, true
}
