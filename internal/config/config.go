package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Model      Model      `yaml:"model"`
	Preprocess Preprocess `yaml:"preprocess"`
	Log        Log        `yaml:"log"`
}

type Server struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

type Model struct {
	Path           string `yaml:"path"`
	Backend        string `yaml:"backend"`
	RequireWeights bool   `yaml:"require_weights"`
	Seed           uint64 `yaml:"seed"`
	ONNXLibrary    string `yaml:"onnx_library"`
	ONNXInput      string `yaml:"onnx_input"`
	ONNXOutput     string `yaml:"onnx_output"`
}

type Preprocess struct {
	ArrayScaling string `yaml:"array_scaling"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Host:            "0.0.0.0",
			Port:            "8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  10 << 20,
		},
		Model: Model{
			Path:       "model/model.safetensors",
			Backend:    "auto",
			ONNXInput:  "input",
			ONNXOutput: "output",
		},
		Preprocess: Preprocess{ArrayScaling: "none"},
		Log:        Log{Level: "info", Format: "json"},
	}
}

// Load layers defaults, the optional YAML file at path and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("HOST", &c.Server.Host)
	str("PORT", &c.Server.Port)
	str("MODEL_PATH", &c.Model.Path)
	str("MODEL_BACKEND", &c.Model.Backend)
	str("ONNX_LIBRARY_PATH", &c.Model.ONNXLibrary)
	str("ARRAY_SCALING", &c.Preprocess.ArrayScaling)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("REQUIRE_WEIGHTS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: REQUIRE_WEIGHTS: %w", err)
		}
		c.Model.RequireWeights = b
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("server.port is required"))
	} else if p, err := strconv.Atoi(c.Server.Port); err != nil || p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("server.port %q is not a valid port", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if !oneOf(c.Model.Backend, "auto", "native", "onnx") {
		errs = append(errs, fmt.Errorf("model.backend %q (expected auto|native|onnx)", c.Model.Backend))
	}
	if !oneOf(c.Preprocess.ArrayScaling, "none", "auto") {
		errs = append(errs, fmt.Errorf("preprocess.array_scaling %q (expected none|auto)", c.Preprocess.ArrayScaling))
	}
	if !oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("log.level %q (expected debug|info|warn|error)", c.Log.Level))
	}
	if !oneOf(c.Log.Format, "json", "text") {
		errs = append(errs, fmt.Errorf("log.format %q (expected json|text)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
