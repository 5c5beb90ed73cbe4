package decoder

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

type fixture struct {
	ctx     *device.Context
	inputs  *tensor.Map
	outputs *tensor.Map
	out     *device.Buffer[float32]
	last    *device.Buffer[float32]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	const h = 2
	ctx := device.NewContext(0)
	t.Cleanup(func() { ctx.Free() })

	in := device.Alloc[float32](ctx, 3*h)
	device.CopyFromHost(ctx.Stream(), in.All(), []float32{1, 1, 3, 4, 0, 2})
	norm := device.Alloc[float32](ctx, h)
	device.Fill(ctx.Stream(), norm.All(), 1)
	gpu := func(typ dtype.DataType, shape []int, data any) tensor.Tensor {
		return tensor.Tensor{Where: tensor.MemoryGPU, Type: typ, Shape: shape, Data: data}
	}
	cpu := func(shape []int, data any) tensor.Tensor {
		return tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeInt32, Shape: shape, Data: data}
	}

	f := &fixture{ctx: ctx}
	f.out = device.Alloc[float32](ctx, 3*h)
	f.last = device.Alloc[float32](ctx, 2*h)
	f.inputs = tensor.NewMap(
		tensor.Entry{Key: tensor.KeyDecoderInput, Tensor: gpu(dtype.TypeFP32, []int{3, h}, in.All())},
		tensor.Entry{Key: tensor.KeyOutputNormWeight, Tensor: gpu(dtype.TypeFP32, []int{h}, norm.All())},
		tensor.Entry{Key: tensor.KeyQueryLengths, Tensor: cpu([]int{2}, []int32{2, 1})},
		tensor.Entry{Key: tensor.KeyKeyLengths, Tensor: cpu([]int{2}, []int32{2, 5})},
		tensor.Entry{Key: tensor.KeyFinished, Tensor: gpu(dtype.TypeBool, []int{2}, device.Alloc[bool](ctx, 2).All())},
		tensor.Entry{Key: tensor.KeyDecodeBatchSize, Tensor: cpu([]int{1}, []int32{0})},
		tensor.Entry{Key: tensor.KeyPrefillBatchSize, Tensor: cpu([]int{1}, []int32{2})},
		tensor.Entry{Key: tensor.KeyRopeTheta, Tensor: gpu(dtype.TypeFP32, []int{2}, device.Alloc[float32](ctx, 2).All())},
		tensor.Entry{Key: tensor.KeyCuBlockCounts, Tensor: gpu(dtype.TypeInt32, []int{2}, device.Alloc[int32](ctx, 3).All())},
		tensor.Entry{Key: tensor.KeyLocalTokenNums, Tensor: gpu(dtype.TypeInt32, []int{1}, device.Alloc[int32](ctx, 1).All())},
	)
	f.outputs = tensor.NewMap(
		tensor.Entry{Key: tensor.KeyDecoderOutput, Tensor: gpu(dtype.TypeFP32, []int{3, h}, f.out.All())},
		tensor.Entry{Key: tensor.KeyBlockPtrs, Tensor: gpu(dtype.TypeUint64, []int{2}, device.Alloc[uint64](ctx, 2).All())},
		tensor.Entry{Key: tensor.KeyLastTokenHidden, Tensor: gpu(dtype.TypeFP32, []int{2, h}, f.last.All())},
	)
	return f
}

func TestReferenceForward(t *testing.T) {
	f := newFixture(t)
	d := NewReference[float32](f.ctx.Stream(), 2, 0)
	if err := d.Forward(f.outputs, f.inputs); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := f.ctx.Stream().Synchronize(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float32{1, 1, 3, 4, 0, 2}, f.out.All().ToHost()); diff != "" {
		t.Errorf("decoder_output mismatch (-want +got):\n%s", diff)
	}
	// Last tokens are rows 1 and 2.
	r1 := float32(math.Sqrt(12.5))
	r2 := float32(math.Sqrt(2))
	want := []float32{3 / r1, 4 / r1, 0, 2 / r2}
	if diff := cmp.Diff(want, f.last.All().ToHost(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("last token hidden mismatch (-want +got):\n%s", diff)
	}
	if d.Calls() != 1 || d.LastMask() != nil {
		t.Errorf("unexpected calls %d / mask %v", d.Calls(), d.LastMask())
	}
}

func TestReferenceContract(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
		key    string
	}{
		{"missing input", func(f *fixture) {
			f.inputs = tensor.NewMap(tensor.Entry{Key: tensor.KeyDecoderInput, Tensor: mustAt(f.inputs, tensor.KeyDecoderInput)})
		}, tensor.KeyOutputNormWeight},
		{"wrong location", func(f *fixture) {
			m := tensor.NewMap()
			for _, k := range f.inputs.Keys() {
				tt := mustAt(f.inputs, k)
				if k == tensor.KeyQueryLengths {
					tt.Where = tensor.MemoryGPU
				}
				if err := m.Insert(k, tt); err != nil {
					panic(err)
				}
			}
			f.inputs = m
		}, tensor.KeyQueryLengths},
		{"missing output", func(f *fixture) {
			f.outputs = tensor.NewMap(tensor.Entry{Key: tensor.KeyDecoderOutput, Tensor: mustAt(f.outputs, tensor.KeyDecoderOutput)})
		}, tensor.KeyBlockPtrs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f)
			err := NewReference[float32](f.ctx.Stream(), 2, 0).Forward(f.outputs, f.inputs)
			var ce *tensor.ContractError
			if !errors.As(err, &ce) || ce.Key != tt.key {
				t.Errorf("expected contract error on %q, got %v", tt.key, err)
			}
		})
	}
}

func TestReferenceWrongPrecision(t *testing.T) {
	f := newFixture(t)
	err := NewReference[dtype.Half](f.ctx.Stream(), 2, 0).Forward(f.outputs, f.inputs)
	var ce *tensor.ContractError
	if !errors.As(err, &ce) {
		t.Errorf("expected contract error for fp32 buffers on an fp16 decoder, got %v", err)
	}
}

func TestReferenceMask(t *testing.T) {
	f := newFixture(t)
	mask := device.Alloc[int32](f.ctx, 3)
	device.CopyFromHost(f.ctx.Stream(), mask.All(), []int32{0, 1, 1})
	if err := f.ctx.Stream().Synchronize(); err != nil {
		t.Fatal(err)
	}
	if err := f.inputs.Insert(tensor.KeyLoraMask, tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeInt32, Shape: []int{3}, Data: mask.All()}); err != nil {
		t.Fatal(err)
	}

	d := NewReference[float32](f.ctx.Stream(), 2, 0)
	if err := d.Forward(f.outputs, f.inputs); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{0, 1, 1}, d.LastMask()); diff != "" {
		t.Errorf("mask mismatch (-want +got):\n%s", diff)
	}
	if keys := d.LastInputKeys(); keys[len(keys)-1] != tensor.KeyLoraMask {
		t.Errorf("expected lora_mask last, got %v", keys)
	}
}

func mustAt(m *tensor.Map, key string) tensor.Tensor {
	t, err := m.At(key)
	if err != nil {
		panic(err)
	}
	return t
}
