package decoder

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// Reference is a decoder body with no layers: decoder_output is a copy of
// decoder_input and last_token_hidden_units is the output-normalized last
// token of every sequence. It validates the full contract on each call.
type Reference[T dtype.Float] struct {
	stream *device.Stream
	hidden int
	eps    float32

	mu       sync.Mutex
	calls    int
	lastKeys []string
	lastMask []int32
}

func NewReference[T dtype.Float](s *device.Stream, hidden int, eps float32) *Reference[T] {
	return &Reference[T]{stream: s, hidden: hidden, eps: eps}
}

func (d *Reference[T]) Forward(outputs, inputs *tensor.Map) error {
	prec := dtype.Of[T]()
	if err := Check(inputs, Inputs(prec)); err != nil {
		return err
	}
	if err := Check(outputs, Outputs(prec)); err != nil {
		return err
	}

	in, err := tensor.Data[device.Region[T]](inputs, tensor.KeyDecoderInput)
	if err != nil {
		return err
	}
	norm, err := tensor.Data[device.Region[T]](inputs, tensor.KeyOutputNormWeight)
	if err != nil {
		return err
	}
	qLen, err := tensor.Data[[]int32](inputs, tensor.KeyQueryLengths)
	if err != nil {
		return err
	}
	out, err := tensor.Data[device.Region[T]](outputs, tensor.KeyDecoderOutput)
	if err != nil {
		return err
	}
	last, err := tensor.Data[device.Region[T]](outputs, tensor.KeyLastTokenHidden)
	if err != nil {
		return err
	}

	t, _ := inputs.At(tensor.KeyDecoderInput)
	tokenNum, h := t.Shape[0], t.Shape[1]
	if h != d.hidden {
		return &tensor.ContractError{Key: tensor.KeyDecoderInput, Reason: fmt.Sprintf("hidden %d, want %d", h, d.hidden)}
	}

	var mask []int32
	if inputs.Exists(tensor.KeyLoraMask) {
		m, err := inputs.Require(tensor.KeyLoraMask, dtype.TypeInt32, tensor.MemoryGPU)
		if err != nil {
			return err
		}
		region, ok := m.Data.(device.Region[int32])
		if !ok {
			return &tensor.ContractError{Key: tensor.KeyLoraMask, Reason: fmt.Sprintf("payload is %T", m.Data)}
		}
		// The pipeline drains the stream before handing over the mask.
		mask = region.Sub(0, tokenNum).ToHost()
	}

	s := d.stream
	device.Copy(s, out.Sub(0, tokenNum*h), in.Sub(0, tokenNum*h))
	end := 0
	for i, n := range qLen {
		end += int(n)
		if end > tokenNum {
			return &tensor.ContractError{Key: tensor.KeyQueryLengths, Reason: fmt.Sprintf("lengths exceed %d tokens", tokenNum)}
		}
		device.RMSNorm(s, last.Sub(i*h, h), out.Sub((end-1)*h, h), norm, 1, h, d.eps)
	}
	if end != tokenNum {
		return &tensor.ContractError{Key: tensor.KeyQueryLengths, Reason: fmt.Sprintf("lengths sum to %d, want %d", end, tokenNum)}
	}

	d.mu.Lock()
	d.calls++
	d.lastKeys = inputs.Keys()
	d.lastMask = mask
	d.mu.Unlock()
	return s.Err()
}

// Calls is the number of successful Forward calls.
func (d *Reference[T]) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// LastInputKeys are the input map keys of the most recent call, in order.
func (d *Reference[T]) LastInputKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastKeys
}

// LastMask is the overlay mask seen by the most recent call, nil if absent.
func (d *Reference[T]) LastMask() []int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastMask
}
