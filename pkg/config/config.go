// Package config assembles the process configuration from defaults, the
// environment and command-line flags, and loads the optional regulator
// tuning file.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/thesyncim/turnx/pkg/abr"
	"github.com/thesyncim/turnx/pkg/runloop"
	"github.com/thesyncim/turnx/pkg/wire"
)

// Environment variables, applied over the defaults and under the flags.
const (
	EnvEngine     = "TURNX_ENGINE"
	EnvDeadline   = "TURNX_DEADLINE"
	EnvTuning     = "TURNX_TUNING"
	EnvDebug      = "TURNX_DEBUG"
	EnvMaxPayload = "TURNX_MAX_PAYLOAD"
	EnvEngineLib  = "TURNX_ENGINE_LIB"
)

// DefaultEngine is the engine backend used when none is configured.
const DefaultEngine = "rtp"

// ErrInvalidConfig is returned for unusable settings.
var ErrInvalidConfig = errors.New("config: invalid")

//go:embed tuning.schema.json
var tuningSchema []byte

// Config is the process configuration.
type Config struct {
	// Engine names the media engine backend.
	Engine string

	// LibraryPath overrides the native engine library location.
	LibraryPath string

	// Deadline bounds one request cycle.
	Deadline time.Duration

	// MaxPayload limits message payloads in bytes.
	MaxPayload int

	// TuningFile is an optional JSON file overriding the regulator tuning.
	TuningFile string

	// Debug enables debug logging.
	Debug bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Engine:     DefaultEngine,
		Deadline:   runloop.DefaultDeadline,
		MaxPayload: wire.MaxPayloadSize,
	}
}

// Load builds the configuration from defaults, getenv and args, in that
// order of increasing precedence. Usage errors are written to stderr.
func Load(args []string, getenv func(string) string, stderr io.Writer) (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("turnx-native", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "media engine backend")
	fs.StringVar(&cfg.LibraryPath, "engine-lib", cfg.LibraryPath, "native engine library path")
	fs.DurationVar(&cfg.Deadline, "deadline", cfg.Deadline, "per-request cycle deadline (negative disables)")
	fs.IntVar(&cfg.MaxPayload, "max-payload", cfg.MaxPayload, "maximum message payload in bytes")
	fs.StringVar(&cfg.TuningFile, "tuning", cfg.TuningFile, "regulator tuning JSON file")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("%w: unexpected arguments %v", ErrInvalidConfig, fs.Args())
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvEngine)); v != "" {
		c.Engine = v
	}
	if v := strings.TrimSpace(getenv(EnvEngineLib)); v != "" {
		c.LibraryPath = v
	}
	if v := strings.TrimSpace(getenv(EnvTuning)); v != "" {
		c.TuningFile = v
	}
	if v := strings.TrimSpace(getenv(EnvDeadline)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvDeadline, v, err)
		}
		c.Deadline = d
	}
	if v := strings.TrimSpace(getenv(EnvMaxPayload)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvMaxPayload, v, err)
		}
		c.MaxPayload = n
	}
	if v := strings.TrimSpace(getenv(EnvDebug)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvDebug, v, err)
		}
		c.Debug = b
	}
	return nil
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.Engine == "" {
		return fmt.Errorf("%w: empty engine name", ErrInvalidConfig)
	}
	if c.Deadline == 0 {
		return fmt.Errorf("%w: zero deadline", ErrInvalidConfig)
	}
	if c.MaxPayload < 1 || c.MaxPayload > wire.MaxPayloadSize {
		return fmt.Errorf("%w: max payload %d outside [1, %d]", ErrInvalidConfig, c.MaxPayload, wire.MaxPayloadSize)
	}
	return nil
}

// Supervisor returns the runloop configuration.
func (c Config) Supervisor() runloop.Config {
	return runloop.Config{Deadline: c.Deadline, MaxPayload: c.MaxPayload}
}

// LoadTuning returns the regulator tuning. An empty path selects
// abr.DefaultTuning; a file is validated against the tuning schema and its
// fields override the defaults.
func LoadTuning(path string) (abr.Tuning, error) {
	tuning := abr.DefaultTuning()
	if path == "" {
		return tuning, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return abr.Tuning{}, fmt.Errorf("read tuning: %w", err)
	}
	return ParseTuning(raw)
}

// ParseTuning validates and decodes a tuning document.
func ParseTuning(raw []byte) (abr.Tuning, error) {
	schema, err := compileTuningSchema()
	if err != nil {
		return abr.Tuning{}, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return abr.Tuning{}, fmt.Errorf("%w: tuning: %v", ErrInvalidConfig, err)
	}
	if err := schema.Validate(doc); err != nil {
		return abr.Tuning{}, fmt.Errorf("%w: tuning: %v", ErrInvalidConfig, err)
	}

	tuning := abr.DefaultTuning()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tuning); err != nil {
		return abr.Tuning{}, fmt.Errorf("%w: tuning: %v", ErrInvalidConfig, err)
	}
	if err := tuning.Validate(); err != nil {
		return abr.Tuning{}, err
	}
	return tuning, nil
}

func compileTuningSchema() (*jsonschema.Schema, error) {
	const url = "tuning.schema.json"

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(tuningSchema)); err != nil {
		return nil, fmt.Errorf("add tuning schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile tuning schema: %w", err)
	}
	return schema, nil
}
