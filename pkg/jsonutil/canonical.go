// Package jsonutil provides deterministic JSON encoding for hashing.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalMarshal produces deterministic JSON: object keys sorted, no
// insignificant whitespace, numbers kept in their original textual form.
//
// The value is first normalized into generic maps and slices; encoding/json
// already emits map keys in sorted order, so re-encoding the generic form is
// canonical regardless of struct field order.
func CanonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
