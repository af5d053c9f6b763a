package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hanpama/gqlstream/internal/environment"
	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	"github.com/hanpama/gqlstream/internal/fetch"
	"github.com/hanpama/gqlstream/internal/incremental"
)

// Config is the YAML configuration shared by every command. Flags
// override the values read from the file.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Otel     OtelConfig     `yaml:"otel"`
}

type UpstreamConfig struct {
	URL string `yaml:"url"`
	// Dialect names the incremental delivery format the upstream speaks:
	// passthrough, pending or is_final.
	Dialect string            `yaml:"dialect"`
	Headers map[string]string `yaml:"headers"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	Pretty         bool          `yaml:"pretty"`
	CORS           []string      `yaml:"cors"`
	ForwardHeaders []string      `yaml:"forward_headers"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type OtelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

// DefaultConfig returns the configuration used without a config file.
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{Dialect: "pending"},
		Server: ServerConfig{
			Addr:         ":8080",
			Path:         "/page",
			Timeout:      30 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Log:  LogConfig{Level: "info"},
		Otel: OtelConfig{Service: "gqlstream"},
	}
}

// LoadConfig reads a YAML config file over the defaults. Environment
// variables in the file are expanded.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return cfg, nil
}

// transforms returns the transform chain for the configured dialect.
func (c UpstreamConfig) transforms() ([]incremental.Factory, error) {
	d, err := incremental.ParseDialect(c.Dialect)
	if err != nil {
		return nil, err
	}
	f, err := incremental.FactoryFor(d)
	if err != nil {
		return nil, err
	}
	return []incremental.Factory{f}, nil
}

// middleware sets the configured static headers, in name order.
func (c UpstreamConfig) middleware() []fetch.Middleware {
	names := make([]string, 0, len(c.Headers))
	for name := range c.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	mws := make([]fetch.Middleware, 0, len(names))
	for _, name := range names {
		mws = append(mws, fetch.WithHeader(name, c.Headers[name]))
	}
	return mws
}

// environmentOptions describes how environments reach the upstream.
func (c UpstreamConfig) environmentOptions(logger *zap.Logger, bus *eventbus.Bus) (environment.Options, error) {
	transforms, err := c.transforms()
	if err != nil {
		return environment.Options{}, err
	}
	return environment.Options{
		URL:        c.URL,
		Middleware: c.middleware(),
		Transforms: transforms,
		Logger:     logger,
		Bus:        bus,
	}, nil
}
