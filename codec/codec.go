// Package codec encodes and decodes the values exchanged with the event
// log, the queue, and streams. Encoding is deterministic: the same value
// tree always yields byte-equal output. Non-JSON shapes (dates, binary,
// errors, stream references, registered classes) round-trip through a
// tagged object form keyed by "$loom".
package codec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// tag discriminator values for the "$loom" extension form.
const (
	tagKey    = "$loom"
	tagDate   = "date"
	tagBytes  = "bytes"
	tagError  = "error"
	tagClass  = "class"
	tagStream = "stream"
	tagEscape = "escape"
)

// Encoded is a codec payload: either inline bytes or a reference to a blob
// stored out of band. Interfaces accept either form, never just one.
type Encoded struct {
	Inline json.RawMessage `json:"inline,omitempty"`
	Ref    string          `json:"ref,omitempty"`
}

// IsRef reports whether the payload lives behind a blob reference.
func (e *Encoded) IsRef() bool { return e != nil && e.Ref != "" }

// InlineJSON wraps raw JSON bytes as an inline payload.
func InlineJSON(raw json.RawMessage) *Encoded { return &Encoded{Inline: raw} }

// BlobStore stores payloads that exceed the inline threshold.
type BlobStore interface {
	PutBlob(ctx context.Context, data []byte) (ref string, err error)
	GetBlob(ctx context.Context, ref string) ([]byte, error)
}

// StreamRef is the value form of a readable byte stream: a reference to a
// named stream rather than the bytes themselves. Decoding resolves it
// lazily through the stream store. Backends that inline chunks instead
// of naming a stream decode into the Chunks form.
type StreamRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	// Chunks holds the stream's bytes when the writing backend inlined
	// them in the value itself. Nil for the reference form.
	Chunks [][]byte `json:"-"`
}

// Inline reports whether the chunk bytes were carried in the value
// rather than behind a stream-store name.
func (s StreamRef) Inline() bool { return s.Chunks != nil }

// Bytes concatenates the inline chunks; nil for the reference form.
func (s StreamRef) Bytes() []byte {
	if !s.Inline() {
		return nil
	}
	var n int
	for _, c := range s.Chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range s.Chunks {
		out = append(out, c...)
	}
	return out
}

// Codec converts values to and from their durable wire form.
type Codec struct {
	classes   ClassTable
	blobs     BlobStore
	threshold int
}

// Option configures a Codec.
type Option func(*Codec)

// WithClasses installs the registered class table used for instance
// round-trips.
func WithClasses(t ClassTable) Option {
	return func(c *Codec) { c.classes = t }
}

// WithBlobStore spills payloads larger than threshold bytes to the store.
func WithBlobStore(b BlobStore, threshold int) Option {
	return func(c *Codec) {
		c.blobs = b
		c.threshold = threshold
	}
}

// New returns a Codec. Without options it encodes inline only and knows no
// classes.
func New(opts ...Option) *Codec {
	c := &Codec{threshold: 256 * 1024}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Encode converts v into its durable form, spilling to the blob store when
// the inline encoding exceeds the configured threshold.
func (c *Codec) Encode(ctx context.Context, v any) (*Encoded, error) {
	tree, err := c.encodeTree(v)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	if c.blobs != nil && len(raw) > c.threshold {
		ref, err := c.blobs.PutBlob(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("store blob: %w", err)
		}
		return &Encoded{Ref: ref}, nil
	}
	return &Encoded{Inline: raw}, nil
}

// Decode resolves e (fetching the blob if it is a reference) and revives
// the value tree.
func (c *Codec) Decode(ctx context.Context, e *Encoded) (any, error) {
	if e == nil {
		return nil, nil
	}
	raw := []byte(e.Inline)
	if e.IsRef() {
		if c.blobs == nil {
			return nil, fmt.Errorf("decode %q: no blob store configured", e.Ref)
		}
		var err error
		raw, err = c.blobs.GetBlob(ctx, e.Ref)
		if err != nil {
			return nil, fmt.Errorf("fetch blob %q: %w", e.Ref, err)
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var tree any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return c.decodeTree(tree)
}

func (c *Codec) encodeTree(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return x, nil
	case time.Time:
		return map[string]any{tagKey: tagDate, "value": x.UTC().Format(time.RFC3339Nano)}, nil
	case []byte:
		return map[string]any{tagKey: tagBytes, "value": base64.StdEncoding.EncodeToString(x)}, nil
	case StreamRef:
		if x.Inline() {
			chunks := make([]any, len(x.Chunks))
			for i, chunk := range x.Chunks {
				chunks[i] = base64.StdEncoding.EncodeToString(chunk)
			}
			return map[string]any{tagKey: tagStream, "chunks": chunks}, nil
		}
		m := map[string]any{tagKey: tagStream, "name": x.Name}
		if x.Namespace != "" {
			m["namespace"] = x.Namespace
		}
		return m, nil
	case *StreamRef:
		return c.encodeTree(*x)
	case *WireError:
		return x.tree(), nil
	case error:
		return c.EncodeError(x).tree(), nil
	case map[string]any:
		return c.encodeMap(x)
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			t, err := c.encodeTree(el)
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, nil
	}
	return c.encodeReflect(reflect.ValueOf(v))
}

func (c *Codec) encodeMap(m map[string]any) (any, error) {
	out := make(map[string]any, len(m))
	for k, el := range m {
		t, err := c.encodeTree(el)
		if err != nil {
			return nil, err
		}
		out[k] = t
	}
	// A user map that happens to carry the tag key must not be mistaken
	// for an extension form on decode.
	if _, clash := m[tagKey]; clash {
		return map[string]any{tagKey: tagEscape, "value": out}, nil
	}
	return out, nil
}

func (c *Codec) encodeReflect(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	if c.classes != nil {
		if cc, ok := c.classes.ClassByType(rv.Type()); ok {
			return c.encodeClass(cc, rv.Interface())
		}
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return c.encodeTree(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			t, err := c.encodeTree(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map with %s keys", ErrUnencodable, rv.Type().Key())
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			t, err := c.encodeTree(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			m[iter.Key().String()] = t
		}
		return c.encodeMap(m)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, fmt.Errorf("%w: %s", ErrUnencodable, rv.Kind())
	case reflect.Struct:
		return nil, fmt.Errorf("%w: unregistered class %s", ErrUnencodable, rv.Type())
	}
	return rv.Interface(), nil
}

func (c *Codec) encodeClass(cc *ClassCodec, v any) (any, error) {
	data, err := cc.encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode class %q: %w", cc.ID, err)
	}
	tree, err := c.encodeTree(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{tagKey: tagClass, "classId": cc.ID, "data": tree}, nil
}

func (c *Codec) decodeTree(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if tag, ok := x[tagKey].(string); ok {
			return c.decodeTagged(tag, x)
		}
		out := make(map[string]any, len(x))
		for k, el := range x {
			d, err := c.decodeTree(el)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			d, err := c.decodeTree(el)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	}
	return v, nil
}

func (c *Codec) decodeTagged(tag string, m map[string]any) (any, error) {
	switch tag {
	case tagDate:
		s, _ := m["value"].(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("decode date %q: %w", s, err)
		}
		return t, nil
	case tagBytes:
		s, _ := m["value"].(string)
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode bytes: %w", err)
		}
		return b, nil
	case tagError:
		return wireErrorFromTree(m), nil
	case tagStream:
		if raw, ok := m["chunks"].([]any); ok {
			chunks := make([][]byte, len(raw))
			for i, el := range raw {
				s, ok := el.(string)
				if !ok {
					return nil, fmt.Errorf("decode stream chunk %d: not base64 text", i)
				}
				b, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("decode stream chunk %d: %w", i, err)
				}
				chunks[i] = b
			}
			return StreamRef{Chunks: chunks}, nil
		}
		name, _ := m["name"].(string)
		ns, _ := m["namespace"].(string)
		return StreamRef{Name: name, Namespace: ns}, nil
	case tagEscape:
		return c.decodeTree(m["value"])
	case tagClass:
		id, _ := m["classId"].(string)
		if c.classes == nil {
			return nil, fmt.Errorf("decode class %q: no class table", id)
		}
		cc, ok := c.classes.ClassByID(id)
		if !ok {
			return nil, fmt.Errorf("decode class %q: not registered", id)
		}
		data, err := c.decodeTree(m["data"])
		if err != nil {
			return nil, err
		}
		return cc.decode(data)
	}
	return nil, fmt.Errorf("unknown %s tag %q", tagKey, tag)
}
