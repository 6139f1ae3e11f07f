package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/presigncheck/pkg/jsonschema"
)

// Defaults applied by NewRunConfig and ApplyDefaults.
const (
	DefaultConcurrentUsers = 5
	DefaultWait            = time.Second
	DefaultLinkTTL         = 10 * time.Second
	DefaultKeyPrefix       = "testdocs/"
	DefaultContentType     = "application/octet-stream"
	DefaultTransferTimeout = 50 * time.Minute
	DefaultGracefulStop    = 30 * time.Second
)

//go:embed schema.json
var schemaJSON string

var runSchema = jsonschema.MustCompile("run.schema.json", schemaJSON)

// LoadConfig loads a run definition from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*RunConfig, error) {
	config := &RunConfig{}
	if err := LoadConfigInto(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigInto decodes a run definition file over config. Keys absent
// from the file keep their current value, so a config from NewRunConfig
// ends up with defaults only where the file is silent.
func LoadConfigInto(path string, config *RunConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfigInto(data, path, config)
}

// ParseConfig parses and schema-checks a run definition.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*RunConfig, error) {
	config := &RunConfig{}
	if err := ParseConfigInto(data, path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// ParseConfigInto is ParseConfig decoding over an existing config.
func ParseConfigInto(data []byte, path string, config *RunConfig) error {
	var doc interface{}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
		if err := checkSchema(doc); err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
		if doc == nil {
			return nil
		}
		if err := checkSchema(doc); err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return nil
}

func checkSchema(doc interface{}) error {
	errs := runSchema.ValidateDocument(doc)
	if len(errs) == 0 {
		return nil
	}
	verrs := &ValidationErrors{}
	for _, err := range errs {
		verrs.Add("", err.Error())
	}
	return verrs
}

// ApplyEnv overrides fields tagged env from the environment. Unset
// variables leave the field untouched.
func ApplyEnv(config *RunConfig) error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}
	return nil
}

// NewRunConfig returns a config holding every default. Layer the file,
// environment and flags over it so explicit zero values survive to Validate.
func NewRunConfig() *RunConfig {
	config := &RunConfig{}
	ApplyDefaults(config)
	return config
}

// ApplyDefaults fills zero-valued fields with defaults. A zero here is
// indistinguishable from unset; prefer NewRunConfig when layering input.
func ApplyDefaults(config *RunConfig) {
	if config.ConcurrentUsers == 0 {
		config.ConcurrentUsers = DefaultConcurrentUsers
	}
	if config.Wait == 0 {
		config.Wait = Duration(DefaultWait)
	}
	if config.LinkTTL == 0 {
		config.LinkTTL = Duration(DefaultLinkTTL)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	if config.ContentType == "" {
		config.ContentType = DefaultContentType
	}
	if config.TransferTimeout == 0 {
		config.TransferTimeout = Duration(DefaultTransferTimeout)
	}
	if config.GracefulStop == 0 {
		config.GracefulStop = Duration(DefaultGracefulStop)
	}
	if config.StartupMode == "" {
		config.StartupMode = StartupAfterStart
	}
}
