/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: config.go
Description: Typed run configuration. Files (JSON or YAML) and PACKETSTORM_* environment
variables are merged over built-in defaults with viper; dotted keys address any value for
runtime overrides and batch scenarios.
*/

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides (PACKETSTORM_EXECUTION_REPEAT=5)
const EnvPrefix = "PACKETSTORM"

// Config is the complete configuration of one run
type Config struct {
	Global    GlobalConfig     `mapstructure:"global" json:"global" yaml:"global"`
	Network   NetworkConfig    `mapstructure:"network" json:"network" yaml:"network"`
	Protocol  ProtocolConfig   `mapstructure:"protocol" json:"protocol" yaml:"protocol"`
	Transport TransportConfig  `mapstructure:"transport" json:"transport" yaml:"transport"`
	Anomalies []map[string]any `mapstructure:"anomalies" json:"anomalies" yaml:"anomalies"`
	Execution ExecutionConfig  `mapstructure:"execution" json:"execution" yaml:"execution"`
}

// GlobalConfig holds process-wide settings
type GlobalConfig struct {
	LogLevel  string `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" json:"log_format" yaml:"log_format"`
	LogDir    string `mapstructure:"log_dir" json:"log_dir" yaml:"log_dir"`
}

// NetworkConfig is the addressing used by protocol builders and transports
type NetworkConfig struct {
	Interface string `mapstructure:"interface" json:"interface" yaml:"interface"`
	SrcMAC    string `mapstructure:"src_mac" json:"src_mac" yaml:"src_mac"`
	DstMAC    string `mapstructure:"dst_mac" json:"dst_mac" yaml:"dst_mac"`
	SrcIP     string `mapstructure:"src_ip" json:"src_ip" yaml:"src_ip"`
	DstIP     string `mapstructure:"dst_ip" json:"dst_ip" yaml:"dst_ip"`
	UseIPv6   bool   `mapstructure:"use_ipv6" json:"use_ipv6" yaml:"use_ipv6"`
	SrcIPv6   string `mapstructure:"src_ipv6" json:"src_ipv6" yaml:"src_ipv6"`
	DstIPv6   string `mapstructure:"dst_ipv6" json:"dst_ipv6" yaml:"dst_ipv6"`
}

// ProtocolConfig selects the protocol; per-protocol sections live under their name
type ProtocolConfig struct {
	Type     string         `mapstructure:"type" json:"type" yaml:"type"`
	Sections map[string]any `mapstructure:",remain" json:"-" yaml:"-"`
}

// Section returns the parameters of the named protocol (protocol.<name>.*)
func (p ProtocolConfig) Section(name string) map[string]any {
	if m, ok := p.Sections[name].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// MarshalJSON flattens the per-protocol sections next to type
func (p ProtocolConfig) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Sections)+1)
	for k, v := range p.Sections {
		m[k] = v
	}
	m["type"] = p.Type
	return json.Marshal(m)
}

// TransportConfig selects the backend; every other key is handed to it
type TransportConfig struct {
	Backend string         `mapstructure:"backend" json:"backend" yaml:"backend"`
	Params  map[string]any `mapstructure:",remain" json:"-" yaml:"-"`
}

// Section returns the parameters under transport.<name>
func (t TransportConfig) Section(name string) map[string]any {
	if m, ok := t.Params[name].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// MarshalJSON flattens the backend parameters next to backend
func (t TransportConfig) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(t.Params)+1)
	for k, v := range t.Params {
		m[k] = v
	}
	m["backend"] = t.Backend
	return json.Marshal(m)
}

// ExecutionConfig controls the send loop
type ExecutionConfig struct {
	Mode              string  `mapstructure:"mode" json:"mode" yaml:"mode"`
	IntervalMS        float64 `mapstructure:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
	Repeat            int     `mapstructure:"repeat" json:"repeat" yaml:"repeat"` // 0 = unlimited
	DurationSeconds   float64 `mapstructure:"duration_seconds" json:"duration_seconds" yaml:"duration_seconds"`
	StartDelaySeconds float64 `mapstructure:"start_delay_seconds" json:"start_delay_seconds" yaml:"start_delay_seconds"`
}

// defaults mirrors the bundled default configuration
func defaults() map[string]any {
	return map[string]any{
		"global": map[string]any{
			"log_level":  "INFO",
			"log_format": "text",
			"log_dir":    "",
		},
		"network": map[string]any{
			"interface": "eth0",
			"src_mac":   "00:00:00:00:00:00",
			"dst_mac":   "ff:ff:ff:ff:ff:ff",
			"src_ip":    "192.168.1.100",
			"dst_ip":    "192.168.1.200",
			"use_ipv6":  false,
			"src_ipv6":  "",
			"dst_ipv6":  "",
		},
		"protocol": map[string]any{
			"type": "iscsi",
			"iscsi": map[string]any{
				"target_port":                  3260,
				"source_port":                  0,
				"initiator_name":               "iqn.2024-01.com.packetstorm:initiator",
				"target_name":                  "iqn.2024-01.com.storage:target",
				"packet_type":                  "login_request",
				"max_recv_data_segment_length": 65536,
				"block_size":                   512,
			},
		},
		"transport": map[string]any{
			"backend": "memory",
		},
		"anomalies": []any{},
		"execution": map[string]any{
			"mode":                "single",
			"interval_ms":         100,
			"repeat":              1,
			"duration_seconds":    0,
			"start_delay_seconds": 0,
		},
	}
}

// Default returns the built-in configuration
func Default() *Config {
	cfg, err := FromMap(defaults())
	if err != nil {
		panic(fmt.Sprintf("built-in defaults do not decode: %v", err))
	}
	return cfg
}

// Load reads path (JSON or YAML, optional) and environment overrides over the defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := v.MergeConfigMap(defaults()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	settings := v.AllSettings()
	for _, key := range v.AllKeys() {
		setDotted(settings, key, v.Get(key))
	}
	return FromMap(settings)
}

// FromMap decodes a nested map into a Config
func FromMap(m map[string]any) (*Config, error) {
	cfg := &Config{}
	if err := Decode(m, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Protocol.Sections == nil {
		cfg.Protocol.Sections = map[string]any{}
	}
	if cfg.Transport.Params == nil {
		cfg.Transport.Params = map[string]any{}
	}
	return cfg, nil
}

// ToMap renders the config as a nested map keyed like the config file
func (c *Config) ToMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	m, err := c.ToMap()
	if err != nil {
		panic(fmt.Sprintf("config does not round-trip: %v", err))
	}
	out, err := FromMap(m)
	if err != nil {
		panic(fmt.Sprintf("config does not round-trip: %v", err))
	}
	return out
}

// Get returns the value at a dotted key such as "protocol.iscsi.target_port"
func (c *Config) Get(key string) (any, bool) {
	m, err := c.ToMap()
	if err != nil {
		return nil, false
	}
	var cur any = m
	for _, part := range strings.Split(key, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// ApplyOverrides returns a copy with each dotted key set to its value
func (c *Config) ApplyOverrides(overrides map[string]any) (*Config, error) {
	m, err := c.ToMap()
	if err != nil {
		return nil, err
	}
	for key, value := range overrides {
		setDotted(m, key, value)
	}
	return FromMap(m)
}

// Set assigns one dotted key in place
func (c *Config) Set(key string, value any) error {
	next, err := c.ApplyOverrides(map[string]any{key: value})
	if err != nil {
		return err
	}
	*c = *next
	return nil
}

// Export writes the configuration as indented JSON
func (c *Config) Export(path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setDotted(m map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
