package polos

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// MaxInitialStateBytes bounds the serialized size of an execution's initial
// state. Oversized state fails validation before any HTTP call is made.
const MaxInitialStateBytes = 1 << 20 // 1 MiB

// schemaRegistry maps a wire schema name to a decoder and a Go type back to
// its name. Written during startup registration, read-only afterwards.
type schemaRegistry struct {
	mu       sync.RWMutex
	decoders map[string]func(json.RawMessage) (any, error)
	names    map[reflect.Type]string
}

var schemas = &schemaRegistry{
	decoders: make(map[string]func(json.RawMessage) (any, error)),
	names:    make(map[reflect.Type]string),
}

// RegisterSchema installs a named decoder for T. Step outputs and results
// whose record carries this name are reconstructed as T by table lookup; the
// same name is emitted on the wire when a T is stored. Registering the same
// name twice panics, matching the registry's startup-only write contract.
func RegisterSchema[T any](name string) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		panic("polos: RegisterSchema requires a concrete type")
	}
	schemas.mu.Lock()
	defer schemas.mu.Unlock()
	if _, dup := schemas.decoders[name]; dup {
		panic(fmt.Sprintf("polos: schema %q registered twice", name))
	}
	schemas.decoders[name] = func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode schema %q: %w", name, err)
		}
		return v, nil
	}
	schemas.names[t] = name
}

// schemaNameOf returns the registered name for v's type, or "".
func schemaNameOf(v any) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	schemas.mu.RLock()
	defer schemas.mu.RUnlock()
	if name, ok := schemas.names[t]; ok {
		return name
	}
	// Pointer values resolve to their element type's registration.
	if t.Kind() == reflect.Pointer {
		if name, ok := schemas.names[t.Elem()]; ok {
			return name
		}
	}
	return ""
}

// decodeSchema reconstructs a typed value from its wire form. Always returns
// a fresh value; callers must never mutate a cached record in place. The
// second return is false when the name is unknown, in which case the caller
// keeps the generic JSON form.
func decodeSchema(name string, raw json.RawMessage) (any, bool, error) {
	if name == "" {
		return nil, false, nil
	}
	schemas.mu.RLock()
	dec, ok := schemas.decoders[name]
	schemas.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	v, err := dec(raw)
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}

// marshalValue converts v to its JSON wire form plus the schema name tag for
// registered types. A value that cannot be serialized surfaces a descriptive
// type error instead of being dropped.
func marshalValue(v any) (json.RawMessage, string, error) {
	if v == nil {
		return json.RawMessage("null"), "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("value of type %T is not JSON-serializable: %w", v, err)
	}
	return raw, schemaNameOf(v), nil
}

// decodeRecordOutputs deserializes a step record's outputs, reconstructing
// the registered type when the record carries a schema name.
func decodeRecordOutputs(rec *StepRecord) (any, error) {
	if rec == nil || len(rec.Outputs) == 0 {
		return nil, nil
	}
	if typed, ok, err := decodeSchema(rec.OutputSchemaName, rec.Outputs); ok {
		return typed, err
	}
	var v any
	if err := json.Unmarshal(rec.Outputs, &v); err != nil {
		return nil, fmt.Errorf("decode step outputs: %w", err)
	}
	return v, nil
}

// checkStateSize validates the serialized initial-state budget.
func checkStateSize(state json.RawMessage) error {
	if len(state) > MaxInitialStateBytes {
		return fmt.Errorf("initial state is %d bytes, exceeds the %d byte limit", len(state), MaxInitialStateBytes)
	}
	return nil
}
