package dataset

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/isdmx/analytica/capture"
)

// ErrTampered is returned by Verify when the canonical encoding no longer
// matches the digest taken at load time.
var ErrTampered = errors.New("dataset: contents changed since load")

// Handle is an immutable, loaded dataset. Scripts receive its canonical JSON
// encoding; the digest lets callers check that nothing modified it.
type Handle struct {
	source  string
	records []capture.Record
	columns []string
	raw     []byte
	asOf    time.Time
	digest  string
}

// Load reads a vacancies file. The snapshot time is the file's modification
// time.
func Load(path string) (*Handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat dataset: %w", err)
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	return FromJSON(path, data, info.ModTime().UTC())
}

// FromJSON builds a Handle from a JSON array. Each item of the form
// {"id": ..., "data": {...}} is flattened into one record holding id and
// the data fields. Only id and data are read: other top-level fields are
// dropped, a data value that is not an object contributes nothing, and
// items that end up empty or are not objects are skipped.
func FromJSON(source string, data []byte, asOf time.Time) (*Handle, error) {
	decoded, err := capture.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", source, err)
	}
	items, ok := decoded.([]any)
	if !ok {
		return nil, fmt.Errorf("dataset %s must be a JSON array", source)
	}

	records := make([]capture.Record, 0, len(items))
	for _, item := range items {
		obj, ok := item.(capture.Record)
		if !ok {
			continue
		}
		if rec := flatten(obj); len(rec) > 0 {
			records = append(records, rec)
		}
	}

	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dataset %s: %w", source, err)
	}

	return &Handle{
		source:  source,
		records: records,
		columns: columnsOf(records),
		raw:     raw,
		asOf:    asOf,
		digest:  digest(raw),
	}, nil
}

// Empty returns a Handle with no records.
func Empty() *Handle {
	h, _ := FromJSON("empty", []byte("[]"), time.Time{})
	return h
}

func flatten(obj capture.Record) capture.Record {
	var rec capture.Record
	if id, ok := obj.Get("id"); ok {
		rec = append(rec, capture.Field{Key: "id", Value: id})
	}
	block, _ := obj.Get("data")
	fields, ok := block.(capture.Record)
	if !ok {
		return rec
	}
	for _, f := range fields {
		rec = set(rec, f.Key, f.Value)
	}
	return rec
}

// set overwrites key in place or appends it, like a dict update.
func set(rec capture.Record, key string, value any) capture.Record {
	for i := range rec {
		if rec[i].Key == key {
			rec[i].Value = value
			return rec
		}
	}
	return append(rec, capture.Field{Key: key, Value: value})
}

func columnsOf(records []capture.Record) []string {
	var columns []string
	seen := make(map[string]struct{})
	for _, rec := range records {
		for _, f := range rec {
			if _, ok := seen[f.Key]; !ok {
				seen[f.Key] = struct{}{}
				columns = append(columns, f.Key)
			}
		}
	}
	return columns
}

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Source is the file or name the dataset was loaded from.
func (h *Handle) Source() string { return h.source }

// Len is the number of records.
func (h *Handle) Len() int { return len(h.records) }

// Columns lists every field name in first-seen order.
func (h *Handle) Columns() []string { return append([]string(nil), h.columns...) }

// AsOf is the snapshot time scripts see as "now".
func (h *Handle) AsOf() time.Time { return h.asOf }

// Digest is the hex SHA-256 of the canonical encoding.
func (h *Handle) Digest() string { return h.digest }

// JSON returns a copy of the canonical encoding.
func (h *Handle) JSON() json.RawMessage { return bytes.Clone(h.raw) }

// Records returns a deep copy of the records.
func (h *Handle) Records() []capture.Record {
	out := make([]capture.Record, len(h.records))
	for i, rec := range h.records {
		out[i] = capture.CloneValue(rec).(capture.Record)
	}
	return out
}

// Verify re-encodes the records and checks the result against the digest
// taken at load time.
func (h *Handle) Verify() error {
	raw, err := json.Marshal(h.records)
	if err != nil {
		return fmt.Errorf("failed to encode dataset %s: %w", h.source, err)
	}
	if digest(raw) != h.digest {
		return ErrTampered
	}
	return nil
}
