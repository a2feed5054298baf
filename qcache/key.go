// SPDX-License-Identifier: MIT

package qcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a query: the procedure path plus its canonical input.
// Two keys built from semantically equal inputs hash identically regardless
// of object key order or whitespace in the original JSON.
type Key struct {
	Path  string          `json:"path"`
	Input json.RawMessage `json:"input"`
}

// NewKey canonicalizes the input and returns the key. Empty input is
// canonicalized to JSON null so that "no input" has a single representation.
func NewKey(path string, input json.RawMessage) (Key, error) {
	canon, err := CanonicalJSON(input)
	if err != nil {
		return Key{}, fmt.Errorf("canonicalize input for %q: %w", path, err)
	}
	return Key{Path: path, Input: canon}, nil
}

// Hash returns the stable cache identity: xxhash64 over path and canonical
// input, hex encoded.
func (k Key) Hash() string {
	d := xxhash.New()
	_, _ = d.WriteString(k.Path)
	_, _ = d.Write([]byte{'\n'})
	if len(k.Input) > 0 {
		_, _ = d.Write(k.Input)
	} else {
		_, _ = d.WriteString("null")
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// CanonicalJSON re-encodes raw JSON into its canonical form: object keys
// sorted recursively, insignificant whitespace removed, numbers kept verbatim.
// Nil, empty and whitespace-only input canonicalize to "null".
func CanonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return json.RawMessage("null"), nil
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	// Reject trailing garbage after the first value.
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("re-encode JSON: %w", err)
	}
	// Encoder appends a newline.
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
