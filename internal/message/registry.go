package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Factory returns a new, empty message ready to be unmarshaled into.
type Factory func() Message

// Registry maps stable type tags to factories so stored payloads can be
// rebuilt as their declared type.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default is populated with the built-in payment message types.
var Default = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(TypeTransaction, func() Message { return &Transaction{} })
	r.MustRegister(TypePending, func() Message { return &Pending{} })
	r.MustRegister(TypePaymentInit, func() Message { return &PaymentInit{} })
	r.MustRegister(TypeFraud, func() Message { return &Fraud{} })
	r.MustRegister(TypeDamaged, func() Message { return &Damaged{} })
	r.MustRegister(TypeGeneric, func() Message { return &Generic{} })
	return r
}

func (r *Registry) Register(tag string, f Factory) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errors.New("empty message type")
	}
	if f == nil {
		return fmt.Errorf("message type %q: nil factory", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[tag]; ok {
		return fmt.Errorf("message type %q already registered", tag)
	}
	r.factories[tag] = f
	return nil
}

func (r *Registry) MustRegister(tag string, f Factory) {
	if err := r.Register(tag, f); err != nil {
		panic(err)
	}
}

// Encode serializes msg. The type tag travels separately, see MessageType.
func (r *Registry) Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	switch raw := msg.(type) {
	case Raw:
		return raw.Payload, nil
	case *Raw:
		return raw.Payload, nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return b, nil
}

// Decode rebuilds a message of the registered type tag from payload.
func (r *Registry) Decode(tag string, payload []byte) (Message, error) {
	r.mu.RLock()
	f, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	msg := f()
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, tag, err)
	}
	if got := msg.MessageType(); got != tag {
		return nil, fmt.Errorf("%w: factory for %q built %q", ErrDecode, tag, got)
	}
	return msg, nil
}
