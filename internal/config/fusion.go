// Package config loads fusion run configuration. Every field is a pointer
// so partial files are safe: Get* accessors return the default for any
// field a file leaves out.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/ptfusion/internal/fusion"
	"github.com/banshee-data/ptfusion/internal/weights"
)

// DefaultConfigPath is the canonical defaults file.
const DefaultConfigPath = "config/fusion.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Batch norm modes.
const (
	BatchNormEval  = "eval"  // running statistics
	BatchNormBatch = "batch" // statistics of the current input
)

// FusionConfig describes one fusion module and how to run it.
type FusionConfig struct {
	// Module
	Kind      *string `json:"kind,omitempty" toml:"kind,omitempty" yaml:"kind,omitempty"`
	Mode      *string `json:"mode,omitempty" toml:"mode,omitempty" yaml:"mode,omitempty"`
	InMain    *int    `json:"in_main,omitempty" toml:"in_main,omitempty" yaml:"in_main,omitempty"`
	InMod     *int    `json:"in_mod,omitempty" toml:"in_mod,omitempty" yaml:"in_mod,omitempty"`
	OutMain   *int    `json:"out_main,omitempty" toml:"out_main,omitempty" yaml:"out_main,omitempty"`
	NcInner   *int    `json:"nc_inner,omitempty" toml:"nc_inner,omitempty" yaml:"nc_inner,omitempty"`
	NcQK      *int    `json:"nc_qk,omitempty" toml:"nc_qk,omitempty" yaml:"nc_qk,omitempty"`
	NSample   *int    `json:"nsample,omitempty" toml:"nsample,omitempty" yaml:"nsample,omitempty"`
	EmbedMain *int    `json:"embed_main,omitempty" toml:"embed_main,omitempty" yaml:"embed_main,omitempty"`
	EmbedMod  *int    `json:"embed_mod,omitempty" toml:"embed_mod,omitempty" yaml:"embed_mod,omitempty"`
	Residual  *bool   `json:"residual,omitempty" toml:"residual,omitempty" yaml:"residual,omitempty"`
	Embedding *bool   `json:"embedding,omitempty" toml:"embedding,omitempty" yaml:"embedding,omitempty"`

	// transformer-layer global mode: attend within each batch sample instead of across all points
	GlobalPerSample *bool `json:"global_per_sample,omitempty" toml:"global_per_sample,omitempty" yaml:"global_per_sample,omitempty"`

	// Weights
	Weights       *string `json:"weights,omitempty" toml:"weights,omitempty" yaml:"weights,omitempty"` // empty means seeded random init
	WeightPrefix  *string `json:"weight_prefix,omitempty" toml:"weight_prefix,omitempty" yaml:"weight_prefix,omitempty"`
	Seed          *int64  `json:"seed,omitempty" toml:"seed,omitempty" yaml:"seed,omitempty"`
	BatchNormMode *string `json:"batch_norm_mode,omitempty" toml:"batch_norm_mode,omitempty" yaml:"batch_norm_mode,omitempty"`

	// Execution
	Workers     *int    `json:"workers,omitempty" toml:"workers,omitempty" yaml:"workers,omitempty"`
	Timeout     *string `json:"timeout,omitempty" toml:"timeout,omitempty" yaml:"timeout,omitempty"` // duration string like "30s", empty for none
	OutputDType *string `json:"output_dtype,omitempty" toml:"output_dtype,omitempty" yaml:"output_dtype,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrInt64(v int64) *int64    { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyFusionConfig returns a config with every field unset.
func EmptyFusionConfig() *FusionConfig {
	return &FusionConfig{}
}

// DefaultFusionConfig returns a config with every field set to its
// default. It matches DefaultConfigPath.
func DefaultFusionConfig() *FusionConfig {
	c := EmptyFusionConfig()
	return &FusionConfig{
		Kind:            ptrString(c.GetKind()),
		Mode:            ptrString(c.GetMode()),
		InMain:          ptrInt(c.GetInMain()),
		InMod:           ptrInt(c.GetInMod()),
		OutMain:         ptrInt(c.GetOutMain()),
		NcInner:         ptrInt(c.GetNcInner()),
		NcQK:            ptrInt(c.GetNcQK()),
		NSample:         ptrInt(c.GetNSample()),
		EmbedMain:       ptrInt(c.GetEmbedMain()),
		EmbedMod:        ptrInt(c.GetEmbedMod()),
		Residual:        ptrBool(c.GetResidual()),
		Embedding:       ptrBool(c.GetEmbedding()),
		GlobalPerSample: ptrBool(c.GetGlobalPerSample()),
		Weights:         ptrString(c.GetWeights()),
		WeightPrefix:    ptrString(c.GetWeightPrefix()),
		Seed:            ptrInt64(c.GetSeed()),
		BatchNormMode:   ptrString(c.GetBatchNormMode()),
		Workers:         ptrInt(c.GetWorkers()),
		Timeout:         ptrString(""),
		OutputDType:     ptrString(string(c.GetOutputDType())),
	}
}

// LoadFusionConfig loads a config from a .json, .toml, .yaml or .yml file
// of at most 1MB and validates it.
func LoadFusionConfig(path string) (*FusionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".toml", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .toml, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseFusionConfig(data, strings.TrimPrefix(ext, "."))
}

// ParseFusionConfig decodes and validates data in format "json", "toml",
// "yaml" or "yml". Unknown keys are rejected.
func ParseFusionConfig(data []byte, format string) (*FusionConfig, error) {
	cfg := EmptyFusionConfig()
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse config TOML: unknown keys %v", undecoded)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// EncodeFusionConfig writes cfg in format "json", "toml", "yaml" or "yml".
// Unset fields are omitted.
func EncodeFusionConfig(w io.Writer, cfg *FusionConfig, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "toml":
		return toml.NewEncoder(w).Encode(cfg)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported config format %q", format)
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. It panics if the file cannot be found; intended
// for test setup.
func MustLoadDefaultConfig() *FusionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadFusionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Merge copies every field set in o over c.
func (c *FusionConfig) Merge(o *FusionConfig) {
	if o == nil {
		return
	}
	dst := reflect.ValueOf(c).Elem()
	src := reflect.ValueOf(o).Elem()
	for i := 0; i < src.NumField(); i++ {
		if f := src.Field(i); !f.IsNil() {
			dst.Field(i).Set(f)
		}
	}
}

// Validate checks the configured values. Module dimensions are checked
// again by the module constructors.
func (c *FusionConfig) Validate() error {
	if c.Kind != nil {
		known := false
		for _, k := range fusion.Kinds() {
			if k == *c.Kind {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("kind must be one of %s, got %q", strings.Join(fusion.Kinds(), ", "), *c.Kind)
		}
	}
	for name, v := range map[string]*int{
		"in_main": c.InMain, "in_mod": c.InMod, "nc_inner": c.NcInner, "nc_qk": c.NcQK,
		"nsample": c.NSample, "embed_main": c.EmbedMain, "embed_mod": c.EmbedMod,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	if c.OutMain != nil && *c.OutMain < 0 {
		return fmt.Errorf("out_main must be non-negative, got %d", *c.OutMain)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.BatchNormMode != nil && *c.BatchNormMode != BatchNormEval && *c.BatchNormMode != BatchNormBatch {
		return fmt.Errorf("batch_norm_mode must be %q or %q, got %q", BatchNormEval, BatchNormBatch, *c.BatchNormMode)
	}
	if c.Timeout != nil && *c.Timeout != "" {
		d, err := time.ParseDuration(*c.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout '%s': %w", *c.Timeout, err)
		}
		if d < 0 {
			return fmt.Errorf("timeout must be non-negative, got %s", d)
		}
	}
	if c.OutputDType != nil && weights.DType(*c.OutputDType).Size() == 0 {
		return fmt.Errorf("output_dtype must be one of F64, F32, F16, BF16, got %q", *c.OutputDType)
	}
	if c.Weights != nil && *c.Weights != "" {
		switch strings.ToLower(filepath.Ext(*c.Weights)) {
		case ".safetensors", ".pt", ".pth":
		default:
			return fmt.Errorf("weights must be a .safetensors, .pt or .pth file, got %q", *c.Weights)
		}
	}
	return nil
}

// GetKind returns the module kind or the default.
func (c *FusionConfig) GetKind() string {
	if c.Kind == nil {
		return fusion.KindSelfAttentive
	}
	return *c.Kind
}

// GetMode returns the mode or the default for the configured kind.
func (c *FusionConfig) GetMode() string {
	if c.Mode == nil || *c.Mode == "" {
		return fusion.DefaultOptions(c.GetKind()).Mode
	}
	return *c.Mode
}

// GetInMain returns the main (3D) feature width or the default.
func (c *FusionConfig) GetInMain() int {
	if c.InMain == nil {
		return 64
	}
	return *c.InMain
}

// GetInMod returns the modality (2D) feature width or the default.
func (c *FusionConfig) GetInMod() int {
	if c.InMod == nil {
		return 64
	}
	return *c.InMod
}

// GetOutMain returns the transformer-layer output width; 0 means
// in_main + in_mod.
func (c *FusionConfig) GetOutMain() int {
	if c.OutMain == nil {
		return 0
	}
	return *c.OutMain
}

func (c *FusionConfig) GetNcInner() int {
	if c.NcInner == nil {
		return fusion.DefaultNcInner
	}
	return *c.NcInner
}

func (c *FusionConfig) GetNcQK() int {
	if c.NcQK == nil {
		return fusion.DefaultNcQK
	}
	return *c.NcQK
}

func (c *FusionConfig) GetNSample() int {
	if c.NSample == nil {
		return fusion.DefaultNSample
	}
	return *c.NSample
}

func (c *FusionConfig) GetEmbedMain() int {
	if c.EmbedMain == nil {
		return fusion.DefaultEmbedMain
	}
	return *c.EmbedMain
}

func (c *FusionConfig) GetEmbedMod() int {
	if c.EmbedMod == nil {
		return fusion.DefaultEmbedMod
	}
	return *c.EmbedMod
}

func (c *FusionConfig) GetResidual() bool {
	if c.Residual == nil {
		return true
	}
	return *c.Residual
}

func (c *FusionConfig) GetEmbedding() bool {
	if c.Embedding == nil {
		return true
	}
	return *c.Embedding
}

// GetGlobalPerSample reports whether global attention is limited to each
// batch sample. Off by default: every point attends to every other point.
func (c *FusionConfig) GetGlobalPerSample() bool {
	return c.GlobalPerSample != nil && *c.GlobalPerSample
}

// GetWeights returns the weight file path; empty means random init.
func (c *FusionConfig) GetWeights() string {
	if c.Weights == nil {
		return ""
	}
	return *c.Weights
}

// GetWeightPrefix returns the state-dict prefix the module lives under.
func (c *FusionConfig) GetWeightPrefix() string {
	if c.WeightPrefix == nil {
		return ""
	}
	return *c.WeightPrefix
}

// GetSeed returns the random init seed or the default.
func (c *FusionConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

func (c *FusionConfig) GetBatchNormMode() string {
	if c.BatchNormMode == nil || *c.BatchNormMode == "" {
		return BatchNormEval
	}
	return *c.BatchNormMode
}

// GetWorkers returns the neighbour search parallelism; 0 means GOMAXPROCS.
func (c *FusionConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetTimeout parses Timeout. Zero means no limit.
func (c *FusionConfig) GetTimeout() time.Duration {
	if c.Timeout == nil || *c.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// GetOutputDType returns the element type of written outputs.
func (c *FusionConfig) GetOutputDType() weights.DType {
	if c.OutputDType == nil || *c.OutputDType == "" {
		return weights.F32
	}
	return weights.DType(*c.OutputDType)
}

// Options converts the config into fusion module options.
func (c *FusionConfig) Options() fusion.Options {
	return fusion.Options{
		Kind:      c.GetKind(),
		Mode:      c.GetMode(),
		InMain:    c.GetInMain(),
		InMod:     c.GetInMod(),
		OutMain:   c.GetOutMain(),
		NcInner:   c.GetNcInner(),
		NcQK:      c.GetNcQK(),
		NSample:   c.GetNSample(),
		EmbedMain: c.GetEmbedMain(),
		EmbedMod:  c.GetEmbedMod(),
		Residual:  c.GetResidual(),
		Embedding: c.GetEmbedding(),
		PerSample: c.GetGlobalPerSample(),
		Workers:   c.GetWorkers(),
	}
}
