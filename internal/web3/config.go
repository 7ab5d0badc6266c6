package web3

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type        string `json:"type" yaml:"type"`
	RPCURL      string `json:"rpc_url" yaml:"rpc_url"`
	APIURL      string `json:"api_url" yaml:"api_url"`
	Default     bool   `json:"default" yaml:"default"`
	Timeout     string `json:"timeout" yaml:"timeout"`
	Description string `json:"description" yaml:"description"`
}

// NormalizedType 返回小写的链类型，未填写时视为 evm。
func (d ChainDefinition) NormalizedType() string {
	t := strings.ToLower(strings.TrimSpace(d.Type))
	if t == "" {
		return TypeEVM
	}
	return t
}

// RequestTimeout 解析单次请求超时，未配置或非法时返回 DefaultTimeout。
func (d ChainDefinition) RequestTimeout() time.Duration {
	if parsed, err := time.ParseDuration(strings.TrimSpace(d.Timeout)); err == nil && parsed > 0 {
		return parsed
	}
	return DefaultTimeout
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
