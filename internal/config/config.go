package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Precision selects the element type a deployment is instantiated with.
type Precision string

const (
	PrecisionFP16 Precision = "fp16"
	PrecisionFP32 Precision = "fp32"
	PrecisionBF16 Precision = "bf16"
)

type Config struct {
	VocabSize   int       `yaml:"vocab_size"`
	HiddenUnits int       `yaml:"hidden_units"`
	LayerNum    int       `yaml:"layer_num"`
	NormEps     float32   `yaml:"norm_eps"`
	RopeTheta   float32   `yaml:"rope_theta"`
	Precision   Precision `yaml:"precision"`

	TPSize       int `yaml:"tp_size"`
	TPRank       int `yaml:"tp_rank"`
	MaxBatchSize int `yaml:"max_batch_size"`

	// Overlapped logits projection. Only used when the collective group also
	// reports 2-D all-gather support.
	EnableOverlap  bool `yaml:"enable_overlap"`
	MaxStages      int  `yaml:"max_stages"`
	MinStageTokens int  `yaml:"min_stage_tokens"`

	// SyncCheck drains the stream after every submission before checking its
	// status.
	SyncCheck    bool `yaml:"sync_check"`
	AnomalyLevel int  `yaml:"anomaly_level"`
	AnomalyFix   bool `yaml:"anomaly_fix"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.HiddenUnits <= 0 {
		return fmt.Errorf("invalid hidden_units: %d (must be positive)", c.HiddenUnits)
	}
	if c.LayerNum < 0 {
		return fmt.Errorf("invalid layer_num: %d (must be non-negative)", c.LayerNum)
	}
	if c.TPSize <= 0 {
		return fmt.Errorf("invalid tp_size: %d (must be positive)", c.TPSize)
	}
	if c.TPRank < 0 || c.TPRank >= c.TPSize {
		return fmt.Errorf("invalid tp_rank: %d (must be in [0, %d))", c.TPRank, c.TPSize)
	}
	if c.HiddenUnits%c.TPSize != 0 {
		return fmt.Errorf("hidden_units %d not divisible by tp_size %d", c.HiddenUnits, c.TPSize)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max_batch_size: %d (must be positive)", c.MaxBatchSize)
	}
	if c.MaxStages <= 0 {
		return fmt.Errorf("invalid max_stages: %d (must be positive)", c.MaxStages)
	}
	if c.MinStageTokens <= 0 {
		return fmt.Errorf("invalid min_stage_tokens: %d (must be positive)", c.MinStageTokens)
	}
	if c.NormEps <= 0 {
		return fmt.Errorf("invalid norm_eps: %f (must be positive)", c.NormEps)
	}
	if c.AnomalyLevel < 0 {
		return fmt.Errorf("invalid anomaly_level: %d (must be non-negative)", c.AnomalyLevel)
	}
	switch c.GetPrecision() {
	case PrecisionFP16, PrecisionFP32, PrecisionBF16:
	default:
		return fmt.Errorf("invalid precision: %q (want fp16, fp32 or bf16)", c.Precision)
	}
	return nil
}

func (c *Config) GetPrecision() Precision {
	return Precision(strings.ToLower(string(c.Precision)))
}

// PaddedVocabSize rounds the vocabulary up to a multiple of the tensor-parallel
// width.
func (c *Config) PaddedVocabSize() int {
	return PadVocabSize(c.VocabSize, c.TPSize)
}

func (c *Config) LocalVocabSize() int {
	return c.PaddedVocabSize() / c.TPSize
}

func (c *Config) LocalHiddenUnits() int {
	return c.HiddenUnits / c.TPSize
}

// PadVocabSize returns the smallest multiple of tp that is >= vocab.
func PadVocabSize(vocab, tp int) int {
	return (vocab + tp - 1) / tp * tp
}

func Default() Config {
	return Config{
		NormEps:        1e-5,
		RopeTheta:      10000.0,
		Precision:      PrecisionFP16,
		TPSize:         1,
		MaxBatchSize:   256,
		EnableOverlap:  true,
		MaxStages:      1,
		MinStageTokens: 512,
		LogLevel:       "info",
		LogFormat:      "console",
		MetricsAddr:    ":9090",
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
