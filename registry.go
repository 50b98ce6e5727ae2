package polos

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// Handler is the erased form of a unit's user function. The workflow core
// decodes the payload into the declared type before invoking it.
type Handler func(ctx context.Context, ec *ExecutionContext, payload any) (any, error)

// Unit is a registered workflow, agent, or tool descriptor. Descriptors are
// process-global and immutable after registration.
type Unit struct {
	ID          string
	Kind        Kind
	Description string

	QueueName             string
	QueueConcurrencyLimit int

	EventTopic        string
	EventBatchSize    int
	EventBatchTimeout int

	Schedule string

	OnStart []Hook
	OnEnd   []Hook

	// PayloadSchema is the reflected JSON schema of the payload type,
	// registered with the orchestrator for tools.
	PayloadSchema     json.RawMessage
	PayloadSchemaName string
	ResultSchemaName  string

	Agent *AgentConfig // non-nil when Kind == KindAgent

	handler        Handler
	payloadDecoder func(json.RawMessage) (any, error)
	stateFactory   func() any
	stateDecoder   func(json.RawMessage) (any, error)
}

// UnitOption configures a Unit at construction.
type UnitOption func(*Unit)

// WithQueue places the unit on a named queue with an optional concurrency
// limit (0 = orchestrator default).
func WithQueue(name string, concurrencyLimit int) UnitOption {
	return func(u *Unit) {
		u.QueueName = name
		u.QueueConcurrencyLimit = concurrencyLimit
	}
}

// WithEventTrigger subscribes the unit to a topic. Batch size and timeout
// control how the orchestrator groups events per invocation.
func WithEventTrigger(topic string, batchSize, batchTimeoutSeconds int) UnitOption {
	return func(u *Unit) {
		u.EventTopic = topic
		u.EventBatchSize = batchSize
		u.EventBatchTimeout = batchTimeoutSeconds
	}
}

// WithSchedule runs the unit on a cron-style schedule. Scheduled units
// always execute on a concurrency-1 queue managed by the orchestrator.
func WithSchedule(spec string) UnitOption {
	return func(u *Unit) { u.Schedule = spec }
}

// WithOnStart appends lifecycle hooks run before the handler.
func WithOnStart(hooks ...Hook) UnitOption {
	return func(u *Unit) { u.OnStart = append(u.OnStart, hooks...) }
}

// WithOnEnd appends lifecycle hooks run after a successful handler return.
func WithOnEnd(hooks ...Hook) UnitOption {
	return func(u *Unit) { u.OnEnd = append(u.OnEnd, hooks...) }
}

// WithState declares the typed workflow state. The factory builds the
// default state when no initial state is supplied; an inbound initial_state
// is decoded as S and validated against the 1 MiB budget.
func WithState[S any](factory func() S) UnitOption {
	return func(u *Unit) {
		u.stateFactory = func() any { return factory() }
		u.stateDecoder = func(raw json.RawMessage) (any, error) {
			var s S
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("decode initial state: %w", err)
			}
			return s, nil
		}
	}
}

// WithDescription sets the human-readable description sent at registration.
func WithDescription(d string) UnitOption {
	return func(u *Unit) { u.Description = d }
}

// reflectSchema builds the JSON schema for a payload type. Generic payloads
// (json.RawMessage, map[string]any) produce a permissive object schema.
func reflectSchema[P any]() json.RawMessage {
	var p P
	switch any(p).(type) {
	case json.RawMessage, map[string]any, nil:
		return json.RawMessage(`{"type":"object"}`)
	}
	r := &jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	s := r.Reflect(&p)
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// newUnit wires the typed handler into the erased descriptor.
func newUnit[P, R any](id string, kind Kind, fn func(context.Context, *ExecutionContext, P) (R, error), opts ...UnitOption) *Unit {
	u := &Unit{ID: id, Kind: kind}
	u.payloadDecoder = func(raw json.RawMessage) (any, error) {
		var p P
		if len(raw) == 0 {
			return p, nil
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("payload does not match declared schema for %q: %w", id, err)
		}
		return p, nil
	}
	u.handler = func(ctx context.Context, ec *ExecutionContext, payload any) (any, error) {
		p, ok := payload.(P)
		if !ok {
			// Generic payloads arrive as decoded JSON; re-route through
			// the decoder so typed handlers always see their own type.
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("payload kind does not match declared schema for %q", id)
			}
			decoded, err := u.payloadDecoder(raw)
			if err != nil {
				return nil, err
			}
			p = decoded.(P)
		}
		return fn(ctx, ec, p)
	}
	var p P
	u.PayloadSchemaName = schemaNameOf(p)
	var zero R
	u.ResultSchemaName = schemaNameOf(zero)
	u.PayloadSchema = reflectSchema[P]()
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// NewWorkflow declares a workflow unit with a typed payload and result.
func NewWorkflow[P, R any](id string, fn func(context.Context, *ExecutionContext, P) (R, error), opts ...UnitOption) *Unit {
	return newUnit(id, KindWorkflow, fn, opts...)
}

// NewTool declares a tool unit. The payload type's reflected JSON schema is
// what the LLM sees as the tool's parameters.
func NewTool[P, R any](id, description string, fn func(context.Context, *ExecutionContext, P) (R, error), opts ...UnitOption) *Unit {
	u := newUnit(id, KindTool, fn, opts...)
	u.Description = description
	return u
}

// Registry holds all registered units and the provider table. It is written
// during startup and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	units     map[string]*Unit
	order     []string
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		units:     make(map[string]*Unit),
		providers: make(map[string]Provider),
	}
}

// Register adds a unit, enforcing the descriptor invariants: IDs are unique,
// scheduled units may not declare an explicit queue, and event-triggered
// units may not also be scheduled.
func (r *Registry) Register(u *Unit) error {
	if u.ID == "" {
		return fmt.Errorf("unit has no ID")
	}
	if u.Schedule != "" && u.QueueName != "" {
		return fmt.Errorf("unit %q: scheduled units run on a managed concurrency-1 queue and may not declare a queue", u.ID)
	}
	if u.Schedule != "" && u.EventTopic != "" {
		return fmt.Errorf("unit %q: event-triggered units may not also be scheduled", u.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.units[u.ID]; dup {
		return fmt.Errorf("unit %q registered twice", u.ID)
	}
	r.units[u.ID] = u
	r.order = append(r.order, u.ID)
	return nil
}

// MustRegister registers units and panics on a descriptor violation.
// Registration happens once at startup, so a panic is a programming error.
func (r *Registry) MustRegister(units ...*Unit) {
	for _, u := range units {
		if err := r.Register(u); err != nil {
			panic("polos: " + err.Error())
		}
	}
}

// Get returns a unit by ID.
func (r *Registry) Get(id string) (*Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	return u, ok
}

// Units returns all units in registration order.
func (r *Registry) Units() []*Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Unit, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.units[id])
	}
	return out
}

// RegisterProvider installs an LLM provider under its name. The provider set
// is closed at startup.
func (r *Registry) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Provider returns a registered provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}
