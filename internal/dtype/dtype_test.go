package dtype

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOf(t *testing.T) {
	tests := []struct {
		name string
		got  DataType
		want DataType
	}{
		{"bool", Of[bool](), TypeBool},
		{"int32", Of[int32](), TypeInt32},
		{"uint32", Of[uint32](), TypeUint32},
		{"uint64", Of[uint64](), TypeUint64},
		{"half", Of[Half](), TypeFP16},
		{"float32", Of[float32](), TypeFP32},
		{"bfloat16", Of[BFloat16](), TypeBF16},
		{"string", Of[string](), TypeInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}

func TestSize(t *testing.T) {
	if TypeFP16.Size() != 2 || TypeBF16.Size() != 2 {
		t.Error("16-bit floats should be 2 bytes")
	}
	if TypeFP32.Size() != 4 || TypeInt32.Size() != 4 {
		t.Error("32-bit types should be 4 bytes")
	}
	if TypeVoid.Size() != 0 {
		t.Error("void has no element size")
	}
}

func TestString(t *testing.T) {
	if TypeBF16.String() != "bf16" {
		t.Errorf("unexpected name %q", TypeBF16.String())
	}
	if DataType(99).String() != "DataType(99)" {
		t.Errorf("unexpected name %q", DataType(99).String())
	}
}

// Values chosen to be exact in every format.
var exact = []float32{0, 1, -2, 0.5, 3.75, -128, 1024}

func roundTrip[T Float](t *testing.T) {
	t.Helper()
	narrow := make([]T, len(exact))
	FromFloat32(narrow, exact)
	wide := make([]float32, len(exact))
	ToFloat32(wide, narrow)
	if diff := cmp.Diff(exact, wide); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Run("fp32", roundTrip[float32])
	t.Run("fp16", roundTrip[Half])
	t.Run("bf16", roundTrip[BFloat16])
}

func TestScalarHelpers(t *testing.T) {
	h := FromFloat[Half](2.5)
	if got := Float32Of(h); got != 2.5 {
		t.Errorf("expected 2.5, got %v", got)
	}
	b := FromFloat[BFloat16](-6)
	if got := Float32Of(b); got != -6 {
		t.Errorf("expected -6, got %v", got)
	}
}

func TestBFloat16Bits(t *testing.T) {
	src := []float32{1, -2, 1 + 1.0/1024, 3.140625}
	got := make([]BFloat16, len(src))
	FromFloat32(got, src)
	// Narrowing keeps the upper half of the binary32 bits.
	if diff := cmp.Diff([]BFloat16{0x3f80, 0xc000, 0x3f80, 0x4049}, got); diff != "" {
		t.Errorf("bits mismatch (-want +got):\n%s", diff)
	}

	wide := make([]float32, len(got))
	ToFloat32(wide, got)
	if diff := cmp.Diff([]float32{1, -2, 1, 3.140625}, wide); diff != "" {
		t.Errorf("widen mismatch (-want +got):\n%s", diff)
	}
}
