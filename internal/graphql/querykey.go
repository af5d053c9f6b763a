package graphql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// QueryKey joins a request id and variables into the registry key. Variables
// are rendered as canonical JSON, so maps that are structurally equal always
// produce the same key regardless of how they were built.
func QueryKey(requestID string, variables map[string]any) string {
	if variables == nil {
		variables = map[string]any{}
	}
	b, err := CanonicalJSON(variables)
	if err != nil {
		// Values that cannot be canonicalized still get a stable, if
		// coarser, key so the registry never panics on odd inputs.
		b, _ = json.Marshal(fmt.Sprint(variables))
	}
	return requestID + ":" + string(b)
}

// CanonicalJSON encodes v with object keys sorted at every depth, strings
// NFC-normalized and HTML escaping disabled.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return writeString(buf, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return norm.NFC.String(keys[i]) < norm.NFC.String(keys[j]) })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	default:
		// Scalars and typed values: round-trip through encoding/json so
		// structs and typed maps collapse into the generic form first.
		raw, err := marshalNoEscape(val)
		if err != nil {
			return err
		}
		var generic any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return err
		}
		switch g := generic.(type) {
		case map[string]any, []any, string:
			return writeCanonical(buf, g)
		default:
			buf.Write(bytes.TrimSpace(raw))
		}
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	raw, err := marshalNoEscape(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(bytes.TrimSpace(raw))
	return nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
