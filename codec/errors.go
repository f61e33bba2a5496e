package codec

import (
	"encoding/json"
	"errors"
)

// ErrUnencodable marks values the codec has no encoding for (functions,
// channels, unregistered classes). It is non-retryable by definition.
var ErrUnencodable = errors.New("value has no encoding")

// CodeEncodeFailure is the wire error code attached when a step result or
// workflow value cannot be encoded.
const CodeEncodeFailure = "ENCODE_FAILURE"

// WireError is the structured error wire shape exchanged through the log
// and the queue.
type WireError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Error implements error.
func (w *WireError) Error() string { return w.Message }

func (w *WireError) tree() map[string]any {
	m := map[string]any{tagKey: tagError, "message": w.Message}
	if w.Stack != "" {
		m["stack"] = w.Stack
	}
	if w.Code != "" {
		m["code"] = w.Code
	}
	return m
}

func wireErrorFromTree(m map[string]any) *WireError {
	w := &WireError{}
	w.Message, _ = m["message"].(string)
	w.Stack, _ = m["stack"].(string)
	w.Code, _ = m["code"].(string)
	return w
}

// EncodeError converts any error to the wire shape. WireErrors pass
// through unchanged so code and stack survive a round-trip.
func (c *Codec) EncodeError(err error) *WireError {
	if err == nil {
		return nil
	}
	var we *WireError
	if errors.As(err, &we) {
		return we
	}
	w := &WireError{Message: err.Error()}
	if errors.Is(err, ErrUnencodable) {
		w.Code = CodeEncodeFailure
	}
	return w
}

// DecodeError accepts either the object wire form or the legacy
// JSON-encoded string form.
func (c *Codec) DecodeError(raw json.RawMessage) (*WireError, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &WireError{Message: s}, nil
	}
	var w WireError
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}
