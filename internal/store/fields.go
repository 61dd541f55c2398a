package store

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Fields is the field set of one document. Values are JSON-like: strings,
// numbers, booleans, nested Fields / map[string]interface{} and slices.
type Fields map[string]interface{}

// Clone returns a deep copy so that stored documents and delivered
// snapshots never share nested maps.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Fields:
		return t.Clone()
	case map[string]interface{}:
		return Fields(t).Clone()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Decode copies the value stored under key into out, a pointer to a struct
// with `mapstructure` tags. Backends hand back numbers as float64 (JSON),
// int64 (Firestore) or native Go types, so the decoder is weakly typed.
func (f Fields) Decode(key string, out interface{}) error {
	raw, ok := f[key]
	if !ok || raw == nil {
		return fmt.Errorf("field %q: %w", key, ErrNotFound)
	}
	return DecodeValue(raw, out)
}

// DecodeValue decodes an arbitrary field value (or a whole Fields) into out.
func DecodeValue(raw interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode field value: %w", err)
	}
	return nil
}
