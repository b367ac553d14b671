package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"imbroker/internal/keymap"
)

//go:embed schema.json
var schemaData []byte

const schemaURL = "https://imbroker.local/schema/config.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaData)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for validation failures.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidateSchema checks the structure of cfg against the embedded JSON
// schema.
func ValidateSchema(cfg *Config) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateConfig performs semantic validation. Only errors fail it; see
// Warnings for the rest.
func ValidateConfig(c *Config) error {
	if errs := check(c).Errors(); len(errs) > 0 {
		return errs
	}
	return nil
}

// Warnings returns the non-fatal problems of c, such as preload engines
// the catalog does not declare. Such engines may still be registered by
// components at run time.
func Warnings(c *Config) ValidationErrors {
	return check(c).Warnings()
}

func check(c *Config) ValidationErrors {
	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	errs = append(errs, validateComponents(c.Components)...)
	errs = append(errs, validateBroker(&c.Broker, c.EngineNames())...)
	errs = append(errs, validateBus(&c.Bus)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	return errs
}

func validateComponents(comps []ComponentConfig) ValidationErrors {
	var errs ValidationErrors
	components := make(map[string]bool)
	engines := make(map[string]string)
	for i, comp := range comps {
		field := fmt.Sprintf("components[%d]", i)
		if comp.Name == "" {
			errs = append(errs, *RequiredFieldError(field + ".name"))
		} else if components[comp.Name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate component %q", comp.Name),
			})
		}
		components[comp.Name] = true

		if len(comp.Engines) == 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".engines",
				Message: "component declares no engines",
			})
		}
		for j, e := range comp.Engines {
			efield := fmt.Sprintf("%s.engines[%d].name", field, j)
			if e.Name == "" {
				errs = append(errs, *RequiredFieldError(efield))
				continue
			}
			if owner, ok := engines[e.Name]; ok {
				errs = append(errs, ValidationError{
					Field:   efield,
					Message: fmt.Sprintf("engine %q already declared by %s", e.Name, owner),
				})
				continue
			}
			engines[e.Name] = comp.Name
		}
	}
	return errs
}

func validateBroker(b *BrokerConfig, catalog []string) ValidationErrors {
	var errs ValidationErrors
	if b.EngineTimeoutMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "broker.engine_timeout_ms",
			Message: "timeout must be positive",
		})
	}
	if b.DefaultEngine != "" && !slices.Contains(catalog, b.DefaultEngine) {
		errs = append(errs, ValidationError{
			Field:   "broker.default_engine",
			Message: fmt.Sprintf("engine %q is not in the catalog", b.DefaultEngine),
		})
	}
	seen := make(map[string]bool)
	for i, name := range b.PreloadEngines {
		field := fmt.Sprintf("broker.preload_engines[%d]", i)
		switch {
		case seen[name]:
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("engine %q listed twice", name)})
		case !slices.Contains(catalog, name):
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("engine %q is not in the catalog", name)})
		}
		seen[name] = true
	}
	if _, ok := keymap.Get(b.DefaultLayout); !ok {
		errs = append(errs, ValidationError{
			Field:   "broker.default_layout",
			Message: fmt.Sprintf("no keymap for layout %q, keycodes fall back to us", b.DefaultLayout),
		})
	}
	return errs
}

func validateBus(b *BusConfig) ValidationErrors {
	if b.Address == "" || strings.Contains(b.Address, ":") {
		return nil
	}
	return ValidationErrors{{
		Field:   "bus.address",
		Message: fmt.Sprintf("%q is not a D-Bus address (transport:key=value)", b.Address),
	}}
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is %q", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, *RangeError("logging.max_size_mb", 1, "unbounded"))
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.ListenAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{Field: "metrics.listen_addr", Message: err.Error()}}
	}
	return nil
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"broker.default_engine",
		"broker.preload_engines",
		"broker.default_layout",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
