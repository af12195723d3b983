package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Field is one key/value pair of a Record.
type Field struct {
	Key   string
	Value any
}

// Record is a JSON object that keeps its keys in the order the script
// produced them.
type Record []Field

// Get returns the value stored under key.
func (r Record) Get(key string) (any, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Keys returns the keys in order.
func (r Record) Keys() []string {
	keys := make([]string, len(r))
	for i, f := range r {
		keys[i] = f.Key
	}
	return keys
}

// MarshalJSON encodes r as an object with its original key order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode decodes one JSON document. Objects become Records, arrays become
// []any, integral numbers within ±2^53 become int64 and the remaining
// numbers float64.
func Decode(data []byte) (any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty value")
	}

	switch data[0] {
	case '{':
		fields := orderedmap.New[string, json.RawMessage]()
		if err := json.Unmarshal(data, fields); err != nil {
			return nil, err
		}
		rec := make(Record, 0, fields.Len())
		for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
			v, err := Decode(pair.Value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", pair.Key, err)
			}
			key, err := unescapeKey(pair.Key)
			if err != nil {
				return nil, err
			}
			rec = append(rec, Field{Key: key, Value: v})
		}
		return rec, nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, err
		}
		list := make([]any, 0, len(items))
		for i, item := range items {
			v, err := Decode(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			list = append(list, v)
		}
		return list, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after value")
	}
	if n, ok := v.(json.Number); ok {
		return number(n)
	}
	// string, bool or nil
	return v, nil
}

// unescapeKey resolves escape sequences the ordered map leaves in keys.
func unescapeKey(key string) (string, error) {
	if !strings.ContainsRune(key, '\\') {
		return key, nil
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+key+`"`), &out); err != nil {
		return "", fmt.Errorf("invalid key %q: %w", key, err)
	}
	return out, nil
}

// maxExactInt is the largest magnitude a JavaScript number holds exactly.
const maxExactInt = 1 << 53

func number(n json.Number) (any, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil && i >= -maxExactInt && i <= maxExactInt {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number %s: %w", n, err)
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		return int64(f), nil
	}
	return f, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string, int64, float64:
		return true
	}
	return false
}

// CloneValue deep-copies a decoded value.
func CloneValue(v any) any {
	switch v := v.(type) {
	case Record:
		out := make(Record, len(v))
		for i, f := range v {
			out[i] = Field{Key: f.Key, Value: CloneValue(f.Value)}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
