package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-market/pkg/negotiator"
)

// NegotiatorFile is the on-disk shape of a negotiator chain.
type NegotiatorFile struct {
	Negotiators []negotiator.Config `json:"negotiators" yaml:"negotiators"`
}

// LoadNegotiators reads an ordered component list. Files ending in .json or
// .jsonc are JSON with comments; anything else is YAML.
func LoadNegotiators(path string) ([]negotiator.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read negotiators: %w", err)
	}
	format := "yaml"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		format = "jsonc"
	}
	cfgs, err := ParseNegotiators(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfgs, nil
}

// ParseNegotiators decodes a chain file in format "yaml" or "jsonc".
func ParseNegotiators(data []byte, format string) ([]negotiator.Config, error) {
	var f NegotiatorFile
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case "jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
			return nil, fmt.Errorf("parse jsonc: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown negotiator file format %q", format)
	}
	for i, c := range f.Negotiators {
		if c.Type == "" {
			return nil, fmt.Errorf("negotiator %d: type is required", i)
		}
	}
	return f.Negotiators, nil
}

// LoadChain loads and builds the chain at path. An empty path yields an
// empty chain, which accepts every offer as is.
func LoadChain(path string) (*negotiator.Chain, error) {
	if path == "" {
		return negotiator.NewChain(), nil
	}
	cfgs, err := LoadNegotiators(path)
	if err != nil {
		return nil, err
	}
	return negotiator.Build(cfgs)
}
