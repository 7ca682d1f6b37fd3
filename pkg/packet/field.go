/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: field.go
Description: Named field model shared by every layer variant. Fields are integers of a
declared bit width or fixed byte strings; each layer exposes an ordered table of them so
anomalies can read and write headers without knowing the concrete layer type.
*/

package packet

import (
	"errors"
	"fmt"
)

// Kind is the semantic type of a field
type Kind int

const (
	KindInt   Kind = iota // Unsigned integer of Bits width
	KindBytes             // Byte string
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrNoSuchField = errors.New("no such field")
	ErrFieldKind   = errors.New("field kind mismatch")
)

// FieldSpec describes one named field of a layer
type FieldSpec struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Bits int    `json:"bits"` // Declared width; for byte strings 8*len at build time
}

// Max returns the largest value representable in the field width
func (f FieldSpec) Max() uint64 {
	return mask(f.Bits)
}

// field binds a FieldSpec to accessors on a concrete layer
type field struct {
	FieldSpec
	get   func() uint64
	set   func(uint64)
	getB  func() []byte
	setB  func([]byte) error
	onSet func()
}

func mask(bits int) uint64 {
	if bits <= 0 || bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bits)) - 1
}

type unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// num binds an integer field stored in *p, masked to bits on write
func num[T unsigned](name string, bits int, p *T) *field {
	return &field{
		FieldSpec: FieldSpec{Name: name, Kind: KindInt, Bits: bits},
		get:       func() uint64 { return uint64(*p) },
		set:       func(v uint64) { *p = T(v & mask(bits)) },
	}
}

// fixedBytes binds a byte field that must keep length n
func fixedBytes(name string, n int, get func() []byte, set func([]byte)) *field {
	return &field{
		FieldSpec: FieldSpec{Name: name, Kind: KindBytes, Bits: n * 8},
		getB:      get,
		setB: func(b []byte) error {
			if len(b) != n {
				return fmt.Errorf("field %s requires %d bytes, got %d", name, n, len(b))
			}
			set(append([]byte(nil), b...))
			return nil
		},
	}
}

// varBytes binds a byte field of any length
func varBytes(name string, get func() []byte, set func([]byte)) *field {
	return &field{
		FieldSpec: FieldSpec{Name: name, Kind: KindBytes, Bits: len(get()) * 8},
		getB:      get,
		setB: func(b []byte) error {
			set(append([]byte(nil), b...))
			return nil
		},
	}
}

func (f *field) pins(fn func()) *field {
	f.onSet = fn
	return f
}

func lookup(l Layer, name string) (*field, error) {
	for _, f := range l.fields() {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchField, l.Name(), name)
}

// Fields returns the ordered field table of a layer
func Fields(l Layer) []FieldSpec {
	fs := l.fields()
	out := make([]FieldSpec, len(fs))
	for i, f := range fs {
		out[i] = f.FieldSpec
	}
	return out
}

// IntFields returns only the integer fields of a layer, in declaration order
func IntFields(l Layer) []FieldSpec {
	var out []FieldSpec
	for _, f := range l.fields() {
		if f.Kind == KindInt {
			out = append(out, f.FieldSpec)
		}
	}
	return out
}

// GetInt reads an integer field
func GetInt(l Layer, name string) (uint64, error) {
	f, err := lookup(l, name)
	if err != nil {
		return 0, err
	}
	if f.Kind != KindInt {
		return 0, fmt.Errorf("%w: %s.%s is %s", ErrFieldKind, l.Name(), name, f.Kind)
	}
	return f.get(), nil
}

// SetInt writes an integer field; the value is masked to the field width
func SetInt(l Layer, name string, v uint64) error {
	f, err := lookup(l, name)
	if err != nil {
		return err
	}
	if f.Kind != KindInt {
		return fmt.Errorf("%w: %s.%s is %s", ErrFieldKind, l.Name(), name, f.Kind)
	}
	f.set(v)
	if f.onSet != nil {
		f.onSet()
	}
	return nil
}

// GetBytes reads a byte field; the returned slice is a copy
func GetBytes(l Layer, name string) ([]byte, error) {
	f, err := lookup(l, name)
	if err != nil {
		return nil, err
	}
	if f.Kind != KindBytes {
		return nil, fmt.Errorf("%w: %s.%s is %s", ErrFieldKind, l.Name(), name, f.Kind)
	}
	return append([]byte(nil), f.getB()...), nil
}

// SetBytes writes a byte field
func SetBytes(l Layer, name string, b []byte) error {
	f, err := lookup(l, name)
	if err != nil {
		return err
	}
	if f.Kind != KindBytes {
		return fmt.Errorf("%w: %s.%s is %s", ErrFieldKind, l.Name(), name, f.Kind)
	}
	if err := f.setB(b); err != nil {
		return err
	}
	if f.onSet != nil {
		f.onSet()
	}
	return nil
}

// HasField reports whether the layer declares name
func HasField(l Layer, name string) bool {
	_, err := lookup(l, name)
	return err == nil
}
