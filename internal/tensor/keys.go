package tensor

// Decoder contract keys.
const (
	KeyDecoderInput     = "decoder_input"
	KeyOutputNormWeight = "output_norm_weight"
	KeyQueryLengths     = "h_q_len"
	KeyKeyLengths       = "h_k_len"
	KeyFinished         = "finished"
	KeyDecodeBatchSize  = "dc_batch_size"
	KeyPrefillBatchSize = "pf_batch_size"
	KeyRopeTheta        = "rope_theta"
	KeyCuBlockCounts    = "cu_block_counts"
	KeyLocalTokenNums   = "local_token_nums"
	KeyLoraMask         = "lora_mask"

	KeyDecoderOutput   = "decoder_output"
	KeyBlockPtrs       = "block_ptrs"
	KeyLastTokenHidden = "last_token_hidden_units"
)

// Sampler contract keys.
const (
	KeyLogits              = "logits"
	KeyStep                = "step"
	KeyMaxInputLength      = "max_input_length"
	KeySequenceLimitLength = "sequence_limit_length"
	KeyInputLengths        = "input_lengths"
	KeyIte                 = "ite"
	KeyLocalBatchSize      = "local_batch_size"
	KeyVocabSize           = "vocab_size"

	KeyEndIDs            = "end_ids"
	KeyStopWordsList     = "stop_words_list"
	KeyBadWordsList      = "bad_words_list"
	KeyRuntimeTopK       = "runtime_top_k"
	KeyRuntimeTopP       = "runtime_top_p"
	KeyTemperature       = "temperature"
	KeyRepetitionPenalty = "repetition_penalty"

	KeyOutputIDs      = "output_ids"
	KeySequenceLength = "sequence_length"
	KeyShouldStop     = "should_stop"
	KeyRandomState    = "random_state"

	KeyCumLogProbs     = "cum_log_probs"
	KeyOutputLogProbs  = "output_log_probs"
	KeySampledIndexes  = "sampled_indexes"
	KeySampledLogprobs = "sampled_logprobs"
	KeySampledNums     = "sampled_nums"
)

// OptionalSamplerInputs are forwarded to the sampler only when the caller
// supplies them.
var OptionalSamplerInputs = []string{
	KeyEndIDs,
	KeyStopWordsList,
	KeyBadWordsList,
	KeyRuntimeTopK,
	KeyRuntimeTopP,
	KeyTemperature,
	KeyRepetitionPenalty,
}

// OptionalSamplerOutputs are forwarded to the sampler only when the caller
// supplies them.
var OptionalSamplerOutputs = []string{
	KeyCumLogProbs,
	KeyOutputLogProbs,
	KeySampledIndexes,
	KeySampledLogprobs,
	KeySampledNums,
}
