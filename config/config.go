// Package config loads a collector group's YAML configuration: read the
// file with viper, unmarshal the generic "def" block, then
// re-marshal/unmarshal through gopkg.in/yaml.v3 into a typed struct. The
// indirection exists because viper is handy for locating and parsing a
// config file but awkward for strongly typed nested structs, so yaml.v3
// does the final typed decode.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// OuterConfig is the file envelope: a discriminator plus an untyped
// payload, so one file format can host any "kind" of config.
type OuterConfig struct {
	Kind string      `mapstructure:"kind"`
	Def  interface{} `mapstructure:"def"`
}

// CollectorConfig is one collector's YAML declaration.
type CollectorConfig struct {
	Name            string   `yaml:"name"`
	Batchsize       int      `yaml:"batchsize"`
	T               int      `yaml:"t"`
	InputKeys       []string `yaml:"inputKeys"`
	ReplyKeys       []string `yaml:"replyKeys"`
	TimeoutMicros   int64    `yaml:"timeoutMicros"`
	AllowIncomplete bool     `yaml:"allowIncomplete"`
	PoolSize        int      `yaml:"poolSize"`
	FilterName      string   `yaml:"filter"`
}

// KeySpecConfig is one registered tensor key's YAML declaration.
type KeySpecConfig struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Shape  []int  `yaml:"shape"`
	Pinned bool   `yaml:"pinned"`
}

// GroupConfig is the top-level collector group declaration.
type GroupConfig struct {
	Keys       []KeySpecConfig   `yaml:"keys"`
	Collectors []CollectorConfig `yaml:"collectors"`
	Dashboard  struct {
		Addr    string `yaml:"addr"`
		Enabled bool   `yaml:"enabled"`
	} `yaml:"dashboard"`
	// viper lower-cases map keys on read, so a file's "runDeadline" arrives
	// here as "rundeadline".
	RunDeadline map[string]string `yaml:"rundeadline"`
}

// FromYaml loads and decodes a GroupConfig from path.
func FromYaml(path string) (*GroupConfig, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	vp.AddConfigPath(filepath.Dir(path))
	if err := vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	outer := &OuterConfig{}
	if err := vp.Unmarshal(outer); err != nil {
		return nil, fmt.Errorf("config: unmarshal envelope: %w", err)
	}

	spec, err := yaml.Marshal(outer.Def)
	if err != nil {
		return nil, fmt.Errorf("config: re-marshal def: %w", err)
	}

	cfg := &GroupConfig{}
	if err := yaml.Unmarshal(spec, cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal group config: %w", err)
	}
	return cfg, nil
}

// RunDuration parses cfg.RunDeadline["duration"], returning 0 if unset.
func (cfg *GroupConfig) RunDuration() (time.Duration, error) {
	val, ok := cfg.RunDeadline["duration"]
	if !ok {
		return 0, nil
	}
	return time.ParseDuration(val)
}

// WithShutdownDeadline returns a context bounded by cfg's run deadline, if
// one is specified.
func (cfg *GroupConfig) WithShutdownDeadline(ctx context.Context) (context.Context, context.CancelFunc, error) {
	d, err := cfg.RunDuration()
	if err != nil {
		return nil, nil, err
	}
	if d > 0 {
		innerCtx, cancel := context.WithTimeout(ctx, d)
		return innerCtx, cancel, nil
	}
	defaultCtx, cancel := context.WithCancel(ctx)
	return defaultCtx, cancel, nil
}
