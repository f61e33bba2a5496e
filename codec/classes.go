package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ClassCodec describes a user-registered class identity: a stable id, the
// Go type it binds to, and optional custom serialize/deserialize hooks.
// Without hooks the instance round-trips through its JSON form.
type ClassCodec struct {
	ID     string
	Type   reflect.Type
	Encode func(v any) (any, error)
	Decode func(data any) (any, error)
}

// ClassTable resolves registered classes. The process-wide table is built
// once at startup (see the registry package) and read-only thereafter.
type ClassTable interface {
	ClassByID(id string) (*ClassCodec, bool)
	ClassByType(t reflect.Type) (*ClassCodec, bool)
}

func (cc *ClassCodec) encode(v any) (any, error) {
	if cc.Encode != nil {
		return cc.Encode(v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (cc *ClassCodec) decode(data any) (any, error) {
	if cc.Decode != nil {
		return cc.Decode(data)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := reflect.New(cc.Type)
	if err := json.Unmarshal(raw, out.Interface()); err != nil {
		return nil, fmt.Errorf("decode class %q: %w", cc.ID, err)
	}
	return out.Elem().Interface(), nil
}
