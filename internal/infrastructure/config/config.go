package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Section key prefixes recognised at the root of the configuration file.
const (
	PrefixConnection = "Connection"
	PrefixActuator   = "Actuator"
	PrefixSensor     = "Sensor"

	keyLogging  = "Logging"
	keyDefaults = "DEFAULT"
)

// Config holds the complete sensor reporter configuration.
//
// Connection, Actuator and Sensor sections are kept in file order so that
// channels and devices are built in the order the operator wrote them.
type Config struct {
	Logging     LoggingConfig
	Defaults    Section
	Connections []Section
	Actuators   []Section
	Sensors     []Section

	// Ignored lists root keys that matched no known section prefix.
	Ignored []string
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"Level"`
	Format string            `yaml:"Format"`
	Output string            `yaml:"Output"`
	File   FileLoggingConfig `yaml:"File"`
}

// FileLoggingConfig contains log file settings, used when Output is "file".
type FileLoggingConfig struct {
	Path string `yaml:"Path"`
}

// envPattern matches ${VAR} references inside string values.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a YAML file and applies environment overrides.
//
// The loading order is:
//  1. Default values
//  2. A .env file next to the config file (if present) is loaded into the environment
//  3. YAML file values, with ${VAR} references expanded
//  4. Environment variable overrides (SENSORREPORTER_*)
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If loading, parsing, or validation fails
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Parse decodes raw YAML into a Config without reading the environment
// overrides or validating it.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if len(root.Content) == 0 {
		return cfg, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parsing config file: root must be a mapping, got line %d", doc.Line)
	}

	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		value := doc.Content[i+1]

		switch {
		case key == keyLogging:
			if err := value.Decode(&cfg.Logging); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", key, err)
			}
		case key == keyDefaults:
			s, err := decodeSection(key, value)
			if err != nil {
				return nil, err
			}
			cfg.Defaults = s
		case strings.HasPrefix(key, PrefixConnection):
			s, err := decodeSection(key, value)
			if err != nil {
				return nil, err
			}
			cfg.Connections = append(cfg.Connections, s)
		case strings.HasPrefix(key, PrefixActuator):
			s, err := decodeSection(key, value)
			if err != nil {
				return nil, err
			}
			cfg.Actuators = append(cfg.Actuators, s)
		case strings.HasPrefix(key, PrefixSensor):
			s, err := decodeSection(key, value)
			if err != nil {
				return nil, err
			}
			cfg.Sensors = append(cfg.Sensors, s)
		default:
			cfg.Ignored = append(cfg.Ignored, key)
		}
	}

	return cfg, nil
}

// decodeSection decodes one mapping node into a Section, expanding ${VAR}.
func decodeSection(name string, node *yaml.Node) (Section, error) {
	values := map[string]any{}
	if err := node.Decode(&values); err != nil {
		return Section{}, fmt.Errorf("parsing %s (line %d): %w", name, node.Line, err)
	}
	expanded, _ := expandEnv(values).(map[string]any) //nolint:errcheck // type preserved by expandEnv
	return NewSection(name, expanded), nil
}

// expandEnv replaces ${VAR} references in every string value. References to
// unset variables are left untouched.
func expandEnv(v any) any {
	switch val := v.(type) {
	case string:
		return envPattern.ReplaceAllStringFunc(val, func(ref string) string {
			name := envPattern.FindStringSubmatch(ref)[1]
			if env, ok := os.LookupEnv(name); ok {
				return env
			}
			return ref
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandEnv(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandEnv(item)
		}
		return out
	default:
		return v
	}
}

// loadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set keep their value. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Defaults: NewSection(keyDefaults, nil),
	}
}

// applyEnvOverrides applies environment variable overrides.
// Environment variables follow the pattern: SENSORREPORTER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENSORREPORTER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENSORREPORTER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SENSORREPORTER_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
}

// Validate checks the configuration for errors that prevent startup.
//
// Device sections are deliberately not validated here: a broken device is
// reported and skipped when the generation is built, without affecting the
// rest of the configuration.
//
// Returns:
//   - error: Describes all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if _, ok := ParseLevel(c.Logging.Level); !ok {
		errs = append(errs, fmt.Sprintf("Logging.Level %q is not a known level", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "stderr":
	case "file":
		if c.Logging.File.Path == "" {
			errs = append(errs, "Logging.File.Path is required when Output is file")
		}
	default:
		errs = append(errs, fmt.Sprintf("Logging.Output %q must be stdout, stderr or file", c.Logging.Output))
	}

	names := make(map[string]string)
	for _, s := range c.Connections {
		if !s.Has("Class") {
			errs = append(errs, s.Name()+".Class is required")
		}
		name, err := s.String("Name")
		if err != nil {
			errs = append(errs, s.Name()+".Name is required")
			continue
		}
		if prev, dup := names[name]; dup {
			errs = append(errs, fmt.Sprintf("%s.Name %q already used by %s", s.Name(), name, prev))
		}
		names[name] = s.Name()
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ParseLevel reports whether level names a known log level and returns its
// canonical lower-case form. Both slog names and the DEBUG/INFO/WARNING/
// ERROR/CRITICAL spellings are accepted. An empty level means "info".
func ParseLevel(level string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return "info", true
	case "debug":
		return "debug", true
	case "warn", "warning":
		return "warn", true
	case "error", "critical":
		return "error", true
	default:
		return "", false
	}
}
