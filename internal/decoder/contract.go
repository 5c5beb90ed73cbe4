// Package decoder declares the tensor contract between the forward pipeline
// and the transformer body, and ships a reference body for tests and
// benchmarks.
package decoder

import (
	"fmt"

	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// Requirement is one required key of a tensor map.
type Requirement struct {
	Key   string
	Type  dtype.DataType
	Where tensor.MemoryType
	Dims  int
}

// Inputs lists the keys the decoder requires in its input map for activations
// of type prec. The overlay mask is optional and not listed.
func Inputs(prec dtype.DataType) []Requirement {
	return []Requirement{
		{tensor.KeyDecoderInput, prec, tensor.MemoryGPU, 2},
		{tensor.KeyOutputNormWeight, prec, tensor.MemoryGPU, 1},
		{tensor.KeyQueryLengths, dtype.TypeInt32, tensor.MemoryCPU, 1},
		{tensor.KeyKeyLengths, dtype.TypeInt32, tensor.MemoryCPU, 1},
		{tensor.KeyFinished, dtype.TypeBool, tensor.MemoryGPU, 1},
		{tensor.KeyDecodeBatchSize, dtype.TypeInt32, tensor.MemoryCPU, 1},
		{tensor.KeyPrefillBatchSize, dtype.TypeInt32, tensor.MemoryCPU, 1},
		{tensor.KeyRopeTheta, dtype.TypeFP32, tensor.MemoryGPU, 1},
		{tensor.KeyCuBlockCounts, dtype.TypeInt32, tensor.MemoryGPU, 1},
		{tensor.KeyLocalTokenNums, dtype.TypeInt32, tensor.MemoryGPU, 1},
	}
}

// Outputs lists the keys the decoder requires in its output map.
func Outputs(prec dtype.DataType) []Requirement {
	return []Requirement{
		{tensor.KeyDecoderOutput, prec, tensor.MemoryGPU, 2},
		{tensor.KeyBlockPtrs, dtype.TypeUint64, tensor.MemoryGPU, 1},
		{tensor.KeyLastTokenHidden, prec, tensor.MemoryGPU, 2},
	}
}

// Check verifies that m satisfies every requirement.
func Check(m *tensor.Map, reqs []Requirement) error {
	for _, r := range reqs {
		t, err := m.Require(r.Key, r.Type, r.Where)
		if err != nil {
			return err
		}
		if len(t.Shape) != r.Dims {
			return &tensor.ContractError{Key: r.Key, Reason: fmt.Sprintf("shape %v, want %d dims", t.Shape, r.Dims)}
		}
	}
	return nil
}
