// Package dtype defines the element types buffers are described with at module
// boundaries and the floating point formats a pipeline can be instantiated over.
package dtype

import (
	"fmt"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type DataType int

const (
	TypeInvalid DataType = iota
	TypeBool
	TypeInt32
	TypeUint32
	TypeUint64
	TypeFP16
	TypeFP32
	TypeBF16
	TypeVoid
)

var typeNames = [...]string{
	TypeInvalid: "invalid",
	TypeBool:    "bool",
	TypeInt32:   "int32",
	TypeUint32:  "uint32",
	TypeUint64:  "uint64",
	TypeFP16:    "fp16",
	TypeFP32:    "fp32",
	TypeBF16:    "bf16",
	TypeVoid:    "void",
}

func (t DataType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("DataType(%d)", int(t))
	}
	return typeNames[t]
}

// Size returns the element width in bytes. Void and invalid types report 0.
func (t DataType) Size() int {
	switch t {
	case TypeBool:
		return 1
	case TypeFP16, TypeBF16:
		return 2
	case TypeInt32, TypeUint32, TypeFP32:
		return 4
	case TypeUint64:
		return 8
	default:
		return 0
	}
}

// Half is IEEE 754 binary16.
type Half = float16.Float16

// BFloat16 holds the upper 16 bits of an IEEE 754 binary32 value.
type BFloat16 = bfloat16.BF16

// Float is the set of activation/weight formats. A deployment picks exactly one.
type Float interface {
	Half | float32 | BFloat16
}

// Of reports the DataType for the Go element type T.
func Of[T any]() DataType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return TypeBool
	case int32:
		return TypeInt32
	case uint32:
		return TypeUint32
	case uint64:
		return TypeUint64
	case Half:
		return TypeFP16
	case float32:
		return TypeFP32
	case BFloat16:
		return TypeBF16
	default:
		return TypeInvalid
	}
}

// ToFloat32 widens src into dst, which must hold at least len(src) values.
func ToFloat32[T Float](dst []float32, src []T) {
	switch s := any(src).(type) {
	case []float32:
		copy(dst, s)
	case []Half:
		for i, v := range s {
			dst[i] = v.Float32()
		}
	case []BFloat16:
		for i, v := range s {
			dst[i] = bfloat16.ToFloat32(v)
		}
	}
}

// FromFloat32 narrows src into dst, which must hold at least len(src) values.
func FromFloat32[T Float](dst []T, src []float32) {
	switch d := any(dst).(type) {
	case []float32:
		copy(d, src)
	case []Half:
		for i, v := range src {
			d[i] = float16.Fromfloat32(v)
		}
	case []BFloat16:
		for i, v := range src {
			d[i] = bfloat16.FromFloat32(v)
		}
	}
}

// Float32Of converts a single value.
func Float32Of[T Float](v T) float32 {
	var out [1]float32
	ToFloat32(out[:], []T{v})
	return out[0]
}

// FromFloat converts a single value.
func FromFloat[T Float](f float32) T {
	var out [1]T
	FromFloat32(out[:], []float32{f})
	return out[0]
}
