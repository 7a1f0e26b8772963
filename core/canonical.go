package core

// canonical.go – deterministic JSON encoding backing every structural hash
// and signing payload in the protocol. Object keys are sorted
// lexicographically, numbers keep their shortest decimal form, strings are
// UTF-8 with standard JSON escaping, and no insignificant whitespace is
// emitted. All implementations of the wire protocol must agree on these
// bytes exactly; signatures and block hashes depend on it.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON serialises v to its canonical JSON form. v may be any value
// encodable by encoding/json; struct JSON tags apply as usual.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, WrapErr(ErrMalformedInput, err, "canonical marshal")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, WrapErr(ErrMalformedInput, err, "canonical decode")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return WrapErr(ErrMalformedInput, err, "canonical string")
		}
		buf.Write(enc)
	case []interface{}:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return WrapErr(ErrMalformedInput, err, "canonical key")
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return Errf(ErrMalformedInput, "canonical: unsupported type %T", v)
	}
	return nil
}

// MustCanonicalJSON is CanonicalJSON for values the caller constructed
// itself; encoding them cannot fail.
func MustCanonicalJSON(v interface{}) []byte {
	b, err := CanonicalJSON(v)
	if err != nil {
		panic(fmt.Sprintf("canonical encode: %v", err))
	}
	return b
}
