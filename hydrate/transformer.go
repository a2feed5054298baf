// SPDX-License-Identifier: MIT

package hydrate

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Transformer converts resolver outputs to wire-ready JSON and back. The
// encode side runs before results enter the cache, so cached and dehydrated
// data always share one representation. Name tags dehydrated payloads so a
// consumer can pick the matching decoder.
type Transformer interface {
	Encode(v any) (json.RawMessage, error)
	Decode(raw json.RawMessage) (any, error)
	Name() string
}

// JSON is the default pass-through transformer.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("raw resolver output is not valid JSON")
		}
		return raw, nil
	}
	return json.Marshal(v)
}

func (JSON) Decode(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Tags used by the Typed envelope.
const (
	tagTime     = "time"
	tagDuration = "duration"
	tagBytes    = "bytes"
)

// Typed wraps values plain JSON cannot represent faithfully in a small
// envelope {"$t":"<tag>","v":…}: time.Time as RFC3339Nano, time.Duration as
// nanoseconds, []byte as base64. The wrapping recurses through map[string]any
// and []any values; anything else (structs included) passes through plain
// encoding/json. A literal map carrying exactly the keys "$t" and "v" with a
// known tag is indistinguishable from an envelope and will be decoded as one.
type Typed struct{}

func (Typed) Name() string { return "typed" }

func (Typed) Encode(v any) (json.RawMessage, error) {
	return json.Marshal(wrapTyped(v))
}

func wrapTyped(v any) any {
	switch t := v.(type) {
	case time.Time:
		return map[string]any{"$t": tagTime, "v": t.Format(time.RFC3339Nano)}
	case *time.Time:
		if t == nil {
			return nil
		}
		return wrapTyped(*t)
	case time.Duration:
		return map[string]any{"$t": tagDuration, "v": int64(t)}
	case []byte:
		return map[string]any{"$t": tagBytes, "v": base64.StdEncoding.EncodeToString(t)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = wrapTyped(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = wrapTyped(val)
		}
		return out
	default:
		return v
	}
}

// Decode parses with UseNumber so int64 durations survive without float
// rounding; plain numbers therefore surface as json.Number.
func (Typed) Decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return unwrapTyped(v)
}

func unwrapTyped(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if tag, inner, ok := envelope(t); ok {
			return decodeEnvelope(tag, inner)
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			dec, err := unwrapTyped(val)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			dec, err := unwrapTyped(val)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

func envelope(m map[string]any) (tag string, inner any, ok bool) {
	if len(m) != 2 {
		return "", nil, false
	}
	rawTag, hasTag := m["$t"]
	inner, hasVal := m["v"]
	if !hasTag || !hasVal {
		return "", nil, false
	}
	tag, isStr := rawTag.(string)
	if !isStr {
		return "", nil, false
	}
	switch tag {
	case tagTime, tagDuration, tagBytes:
		return tag, inner, true
	}
	return "", nil, false
}

func decodeEnvelope(tag string, inner any) (any, error) {
	switch tag {
	case tagTime:
		s, ok := inner.(string)
		if !ok {
			return nil, fmt.Errorf("typed envelope: time value is %T, want string", inner)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("typed envelope: %w", err)
		}
		return ts, nil
	case tagDuration:
		num, ok := inner.(json.Number)
		if !ok {
			return nil, fmt.Errorf("typed envelope: duration value is %T, want number", inner)
		}
		ns, err := num.Int64()
		if err != nil {
			return nil, fmt.Errorf("typed envelope: %w", err)
		}
		return time.Duration(ns), nil
	case tagBytes:
		s, ok := inner.(string)
		if !ok {
			return nil, fmt.Errorf("typed envelope: bytes value is %T, want string", inner)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("typed envelope: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("typed envelope: unknown tag %q", tag)
}
