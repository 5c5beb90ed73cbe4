// Package sampling is a reference sampler that consumes the sampler tensor
// contract: greedy, temperature, top-k, top-p and repetition penalty.
package sampling

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

type Config struct {
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64
	Seed        uint64
}

// Sampler runs on a device stream. Per-request runtime_top_k, runtime_top_p,
// temperature, repetition_penalty and end_ids override Config when present.
type Sampler[T dtype.Float] struct {
	stream *device.Stream
	cfg    Config
}

func New[T dtype.Float](s *device.Stream, cfg Config) *Sampler[T] {
	return &Sampler[T]{stream: s, cfg: cfg}
}

type request struct {
	vocab      int
	padded     int
	batch      int
	step       int
	inputLens  device.Region[int32]
	limits     device.Region[uint32]
	outputIDs  device.Region[int32]
	finished   device.Region[bool]
	seqLens    device.Region[int32]
	shouldStop []bool
	state      device.Region[uint64]

	topK        []int32
	topP        []float32
	temperature []float32
	penalty     []float32
	endIDs      device.Region[int32]
	cumLogProbs device.Region[float32]
	outLogProbs device.Region[float32]
}

func (s *Sampler[T]) Forward(outputs, inputs *tensor.Map) error {
	prec := dtype.Of[T]()
	lt, err := inputs.Require(tensor.KeyLogits, prec, tensor.MemoryGPU)
	if err != nil {
		return err
	}
	if len(lt.Shape) != 3 || lt.Shape[1] != 1 {
		return &tensor.ContractError{Key: tensor.KeyLogits, Reason: fmt.Sprintf("shape %v, want [batch 1 vocab]", lt.Shape)}
	}
	logits, err := tensor.Data[device.Region[T]](inputs, tensor.KeyLogits)
	if err != nil {
		return err
	}

	var r request
	r.batch, r.padded = lt.Shape[0], lt.Shape[2]
	if logits.Len < r.batch*r.padded {
		return &tensor.ContractError{Key: tensor.KeyLogits, Reason: fmt.Sprintf("%d elements for shape %v", logits.Len, lt.Shape)}
	}
	if r.step, err = hostScalar(inputs, tensor.KeyStep); err != nil {
		return err
	}
	if r.vocab, err = hostScalar(inputs, tensor.KeyVocabSize); err != nil {
		return err
	}
	if _, err = hostScalar(inputs, tensor.KeyMaxInputLength); err != nil {
		return err
	}
	if _, err = hostScalar(inputs, tensor.KeyLocalBatchSize); err != nil {
		return err
	}
	if _, err := inputs.Require(tensor.KeyIte, dtype.TypeUint32, tensor.MemoryCPU); err != nil {
		return err
	}
	if r.inputLens, err = deviceData[int32](inputs, tensor.KeyInputLengths, dtype.TypeInt32); err != nil {
		return err
	}
	if r.limits, err = deviceData[uint32](inputs, tensor.KeySequenceLimitLength, dtype.TypeUint32); err != nil {
		return err
	}

	if r.outputIDs, err = deviceData[int32](outputs, tensor.KeyOutputIDs, dtype.TypeInt32); err != nil {
		return err
	}
	if r.finished, err = deviceData[bool](outputs, tensor.KeyFinished, dtype.TypeBool); err != nil {
		return err
	}
	if r.seqLens, err = deviceData[int32](outputs, tensor.KeySequenceLength, dtype.TypeInt32); err != nil {
		return err
	}
	if r.state, err = deviceData[uint64](outputs, tensor.KeyRandomState, dtype.TypeUint64); err != nil {
		return err
	}
	if _, err := outputs.Require(tensor.KeyShouldStop, dtype.TypeBool, tensor.MemoryCPU); err != nil {
		return err
	}
	if r.shouldStop, err = tensor.Data[[]bool](outputs, tensor.KeyShouldStop); err != nil {
		return err
	}
	for key, n := range map[string]int{
		tensor.KeyInputLengths:        r.inputLens.Len,
		tensor.KeySequenceLimitLength: r.limits.Len,
		tensor.KeyFinished:            r.finished.Len,
		tensor.KeySequenceLength:      r.seqLens.Len,
		tensor.KeyRandomState:         r.state.Len,
	} {
		if n < r.batch {
			return &tensor.ContractError{Key: key, Reason: fmt.Sprintf("%d elements for a batch of %d", n, r.batch)}
		}
	}
	if len(r.shouldStop) != 1 {
		return &tensor.ContractError{Key: tensor.KeyShouldStop, Reason: "want one flag"}
	}
	if r.vocab <= 0 || r.vocab > r.padded {
		return &tensor.ContractError{Key: tensor.KeyVocabSize, Reason: fmt.Sprintf("%d outside (0, %d]", r.vocab, r.padded)}
	}
	if r.outputIDs.Len < (r.step+1)*r.batch {
		return &tensor.ContractError{Key: tensor.KeyOutputIDs, Reason: fmt.Sprintf("%d elements, step %d needs %d", r.outputIDs.Len, r.step, (r.step+1)*r.batch)}
	}

	if err := s.optional(&r, inputs, outputs); err != nil {
		return err
	}

	s.stream.Launch("sample", func() error {
		vals := make([]float32, r.batch*r.padded)
		dtype.ToFloat32(vals, logits.Sub(0, r.batch*r.padded).Slice())
		return s.sample(&r, vals)
	})
	return s.stream.Err()
}

func (s *Sampler[T]) optional(r *request, inputs, outputs *tensor.Map) error {
	var err error
	if inputs.Exists(tensor.KeyRuntimeTopK) {
		if r.topK, err = tensor.Data[[]int32](inputs, tensor.KeyRuntimeTopK); err != nil {
			return err
		}
	}
	if inputs.Exists(tensor.KeyRuntimeTopP) {
		if r.topP, err = tensor.Data[[]float32](inputs, tensor.KeyRuntimeTopP); err != nil {
			return err
		}
	}
	if inputs.Exists(tensor.KeyTemperature) {
		if r.temperature, err = tensor.Data[[]float32](inputs, tensor.KeyTemperature); err != nil {
			return err
		}
	}
	if inputs.Exists(tensor.KeyRepetitionPenalty) {
		if r.penalty, err = tensor.Data[[]float32](inputs, tensor.KeyRepetitionPenalty); err != nil {
			return err
		}
	}
	if inputs.Exists(tensor.KeyEndIDs) {
		if r.endIDs, err = deviceData[int32](inputs, tensor.KeyEndIDs, dtype.TypeInt32); err != nil {
			return err
		}
	}
	if outputs.Exists(tensor.KeyCumLogProbs) {
		if r.cumLogProbs, err = deviceData[float32](outputs, tensor.KeyCumLogProbs, dtype.TypeFP32); err != nil {
			return err
		}
	}
	if outputs.Exists(tensor.KeyOutputLogProbs) {
		if r.outLogProbs, err = deviceData[float32](outputs, tensor.KeyOutputLogProbs, dtype.TypeFP32); err != nil {
			return err
		}
	}

	short := func(key string, n int) error {
		return &tensor.ContractError{Key: key, Reason: fmt.Sprintf("%d values for a batch of %d", n, r.batch)}
	}
	switch {
	case r.topK != nil && len(r.topK) < r.batch:
		return short(tensor.KeyRuntimeTopK, len(r.topK))
	case r.topP != nil && len(r.topP) < r.batch:
		return short(tensor.KeyRuntimeTopP, len(r.topP))
	case r.temperature != nil && len(r.temperature) < r.batch:
		return short(tensor.KeyTemperature, len(r.temperature))
	case r.penalty != nil && len(r.penalty) < r.batch:
		return short(tensor.KeyRepetitionPenalty, len(r.penalty))
	case r.endIDs.Buf != nil && r.endIDs.Len < r.batch:
		return short(tensor.KeyEndIDs, r.endIDs.Len)
	case r.cumLogProbs.Buf != nil && r.cumLogProbs.Len < r.batch:
		return short(tensor.KeyCumLogProbs, r.cumLogProbs.Len)
	}
	return nil
}

func (s *Sampler[T]) sample(r *request, vals []float32) error {
	ids := r.outputIDs.Slice()
	finished := r.finished.Slice()
	seqLens := r.seqLens.Slice()
	inputLens := r.inputLens.Slice()
	limits := r.limits.Slice()
	state := r.state.Slice()

	allDone := true
	for b := 0; b < r.batch; b++ {
		endID := int32(-1)
		if r.endIDs.Buf != nil {
			endID = r.endIDs.Slice()[b]
		}
		if finished[b] {
			ids[r.step*r.batch+b] = max(endID, 0)
			continue
		}

		// Columns past the true vocabulary are padding and never sampled.
		row := vals[b*r.padded : b*r.padded+r.vocab]
		if p := pick(r.penalty, b, s.cfg.RepPenalty); p > 1.0 && r.step > 0 {
			history := make([]int32, r.step)
			for i := range history {
				history[i] = ids[i*r.batch+b]
			}
			penalize(row, history, float32(p))
		}

		if state[b] == 0 {
			state[b] = s.cfg.Seed + uint64(b) + 1
		}
		rng := rand.New(rand.NewPCG(state[b], uint64(b)))
		temp := pick(r.temperature, b, s.cfg.Temperature)
		topK := s.cfg.TopK
		if r.topK != nil {
			topK = int(r.topK[b])
		}
		tok, logProb := sampleRow(row, temp, topK, pick(r.topP, b, s.cfg.TopP), rng)
		state[b] = rng.Uint64()

		ids[r.step*r.batch+b] = int32(tok)
		seqLens[b] = inputLens[b] + 1
		if r.cumLogProbs.Buf != nil {
			r.cumLogProbs.Slice()[b] += logProb
		}
		if r.outLogProbs.Buf != nil && r.outLogProbs.Len >= (r.step+1)*r.batch {
			r.outLogProbs.Slice()[r.step*r.batch+b] = logProb
		}
		if int32(tok) == endID || uint32(seqLens[b]) >= limits[b] {
			finished[b] = true
		}
		if !finished[b] {
			allDone = false
		}
	}
	r.shouldStop[0] = allDone
	return nil
}

func pick(v []float32, i int, def float64) float64 {
	if v == nil {
		return def
	}
	return float64(v[i])
}

// penaltyWindow is how many of the latest sampled ids repetition_penalty sees.
const penaltyWindow = 64

// minCandidateProb drops tokens whose probability underflows to noise.
const minCandidateProb = 1e-10

type candidate struct {
	id   int
	prob float64
}

func nonFinite(v float32) bool {
	return math.IsNaN(float64(v)) || math.IsInf(float64(v), 0)
}

// sampleRow returns a token of row and its log probability under the
// temperature-scaled distribution (0 for greedy picks). A row holding NaN or
// Inf yields its first finite token.
func sampleRow(row []float32, temp float64, topK int, topP float64, rng *rand.Rand) (int, float32) {
	if slices.ContainsFunc(row, nonFinite) {
		tok := max(slices.IndexFunc(row, func(v float32) bool { return !nonFinite(v) }), 0)
		logger.Log.Warn("non-finite logits, falling back to first finite token", "token", tok)
		return tok, 0
	}
	best := slices.Index(row, slices.Max(row))
	if temp == 0 {
		return best, 0
	}

	probs, cands := softmax(row, temp)
	cands = truncate(cands, topK, topP)
	if len(cands) == 0 {
		return best, 0
	}
	tok := draw(cands, rng)
	return tok, float32(math.Log(probs[tok]))
}

// softmax returns the temperature-scaled distribution over row and the tokens
// above minCandidateProb, most likely first.
func softmax(row []float32, temp float64) ([]float64, []candidate) {
	probs := make([]float64, len(row))
	for i, v := range row {
		probs[i] = float64(v) / temp
	}
	top := slices.Max(probs)
	sum := 0.0
	for i, v := range probs {
		probs[i] = math.Exp(v - top)
		sum += probs[i]
	}
	cands := make([]candidate, 0, len(probs))
	for i := range probs {
		probs[i] /= sum
		if probs[i] > minCandidateProb {
			cands = append(cands, candidate{id: i, prob: probs[i]})
		}
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case a.prob > b.prob:
			return -1
		case a.prob < b.prob:
			return 1
		}
		return 0
	})
	return probs, cands
}

// truncate keeps the topK most likely candidates, then the shortest prefix
// whose mass reaches topP. Non-positive topK and topP outside (0, 1) disable
// their cut.
func truncate(cands []candidate, topK int, topP float64) []candidate {
	if topK > 0 && topK < len(cands) {
		cands = cands[:topK]
	}
	if topP <= 0 || topP >= 1 {
		return cands
	}
	mass := 0.0
	for i, c := range cands {
		mass += c.prob
		if mass >= topP {
			return cands[:i+1]
		}
	}
	return cands
}

// draw picks a candidate with probability proportional to its share of the
// kept mass.
func draw(cands []candidate, rng *rand.Rand) int {
	mass := 0.0
	for _, c := range cands {
		mass += c.prob
	}
	x := rng.Float64() * mass
	for _, c := range cands {
		if x -= c.prob; x < 0 {
			return c.id
		}
	}
	return cands[0].id
}

// penalize applies penalty once to every distinct token among the last
// penaltyWindow ids of history.
func penalize(row []float32, history []int32, penalty float32) {
	seen := make(map[int32]bool, min(len(history), penaltyWindow))
	for _, id := range history[max(len(history)-penaltyWindow, 0):] {
		if seen[id] || id < 0 || int(id) >= len(row) {
			continue
		}
		seen[id] = true
		if row[id] > 0 {
			row[id] /= penalty
		} else {
			row[id] *= penalty
		}
	}
}

func hostScalar(m *tensor.Map, key string) (int, error) {
	t, err := m.Require(key, dtype.TypeInt32, tensor.MemoryCPU)
	if err != nil {
		return 0, err
	}
	v, ok := t.Data.([]int32)
	if !ok || len(v) != 1 {
		return 0, &tensor.ContractError{Key: key, Reason: fmt.Sprintf("payload %T is not a single int32", t.Data)}
	}
	return int(v[0]), nil
}

func deviceData[E any](m *tensor.Map, key string, typ dtype.DataType) (device.Region[E], error) {
	if _, err := m.Require(key, typ, tensor.MemoryGPU); err != nil {
		return device.Region[E]{}, err
	}
	return tensor.Data[device.Region[E]](m, key)
}
