// Package tensor implements the self-describing buffer map passed across the
// decoder and sampler boundaries.
package tensor

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/23skdu/longbow-volley/internal/dtype"
)

type MemoryType int

const (
	MemoryCPU MemoryType = iota
	MemoryGPU
)

func (m MemoryType) String() string {
	switch m {
	case MemoryCPU:
		return "cpu"
	case MemoryGPU:
		return "gpu"
	default:
		return fmt.Sprintf("MemoryType(%d)", int(m))
	}
}

// Tensor describes a buffer: where it lives, its element type and shape.
// Data is the buffer itself (a host slice or a device region).
type Tensor struct {
	Where MemoryType
	Type  dtype.DataType
	Shape []int
	Data  any
}

// Size is the number of elements implied by Shape.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t Tensor) String() string {
	return fmt.Sprintf("%s %s %v", t.Where, t.Type, t.Shape)
}

// ContractError reports a missing or mismatched key. It is never recoverable.
type ContractError struct {
	Key    string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("tensor contract violation on %q: %s", e.Key, e.Reason)
}

// Entry is a key/tensor pair used to build a Map in insertion order.
type Entry struct {
	Key string
	Tensor
}

// Map is an insertion-ordered set of uniquely keyed tensors.
type Map struct {
	m *orderedmap.OrderedMap[string, Tensor]
}

// NewMap builds a map from literal entries. Duplicate keys in a literal are a
// programming error and panic.
func NewMap(entries ...Entry) *Map {
	m := &Map{m: orderedmap.New[string, Tensor](orderedmap.WithCapacity[string, Tensor](len(entries)))}
	for _, e := range entries {
		if err := m.Insert(e.Key, e.Tensor); err != nil {
			panic(err)
		}
	}
	return m
}

// Insert adds key. Inserting an existing key is a contract violation.
func (m *Map) Insert(key string, t Tensor) error {
	if _, ok := m.m.Get(key); ok {
		return &ContractError{Key: key, Reason: "duplicate key"}
	}
	m.m.Set(key, t)
	return nil
}

func (m *Map) Exists(key string) bool {
	_, ok := m.m.Get(key)
	return ok
}

// At returns the tensor for key or a ContractError if it is absent.
func (m *Map) At(key string) (Tensor, error) {
	t, ok := m.m.Get(key)
	if !ok {
		return Tensor{}, &ContractError{Key: key, Reason: "missing"}
	}
	return t, nil
}

func (m *Map) Len() int {
	return m.m.Len()
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, m.m.Len())
	for p := m.m.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Require fetches key and checks its declared type and memory location.
func (m *Map) Require(key string, typ dtype.DataType, where MemoryType) (Tensor, error) {
	t, err := m.At(key)
	if err != nil {
		return Tensor{}, err
	}
	if t.Type != typ {
		return Tensor{}, &ContractError{Key: key, Reason: fmt.Sprintf("type %s, want %s", t.Type, typ)}
	}
	if t.Where != where {
		return Tensor{}, &ContractError{Key: key, Reason: fmt.Sprintf("location %s, want %s", t.Where, where)}
	}
	return t, nil
}

// CopyPresent inserts into dst every key of keys that exists in m. Absent keys
// are skipped.
func (m *Map) CopyPresent(dst *Map, keys []string) error {
	for _, key := range keys {
		t, ok := m.m.Get(key)
		if !ok {
			continue
		}
		if err := dst.Insert(key, t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for p := m.m.Oldest(); p != nil; p = p.Next() {
		if p != m.m.Oldest() {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %s", p.Key, p.Value)
	}
	sb.WriteString("}")
	return sb.String()
}

// Data returns the payload of key asserted to E.
func Data[E any](m *Map, key string) (E, error) {
	var zero E
	t, err := m.At(key)
	if err != nil {
		return zero, err
	}
	v, ok := t.Data.(E)
	if !ok {
		return zero, &ContractError{Key: key, Reason: fmt.Sprintf("payload is %T, want %T", t.Data, zero)}
	}
	return v, nil
}
