package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/mitchellh/go-homedir"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Load reads, parses and validates the config file at the given path
func Load(path string) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path %s: %w", path, err)
	}
	configBytes, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", expanded, err)
	}

	var cfg Config
	if err := ParseConfig(configBytes, expanded, hcl.Pos{Line: 1, Column: 1, Byte: 0}, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", expanded, err)
	}
	return &cfg, nil
}

func ParseConfig[T any](configString []byte, filename string, startPos hcl.Pos, target *T) error {
	// parse the config
	file, diags := hclsyntax.ParseConfig(configString, filename, startPos)
	if diags.HasErrors() {
		slog.Error("ParseConfig: failed to parse config", "file", filename, "diags", diags)
		return diagsToError("failed to parse config", diags)
	}
	// create empty eval context
	evalCtx := &hcl.EvalContext{
		Variables: make(map[string]cty.Value),
		Functions: make(map[string]function.Function),
	}
	// decode the body into the target struct
	moreDiags := gohcl.DecodeBody(file.Body, evalCtx, target)
	diags = append(diags, moreDiags...)
	if diags.HasErrors() {
		slog.Error("ParseConfig: failed to decode config body", "file", filename, "diags", diags)
		return diagsToError("failed to decode config", diags)
	}
	return nil
}

func diagsToError(prefix string, diags hcl.Diagnostics) error {
	errs := diags.Errs()
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return fmt.Errorf("%s: %w", prefix, errs[0])
	}
	return fmt.Errorf("%s: %d errors: %w", prefix, len(errs), diags)
}
