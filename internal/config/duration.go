package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes YAML as a Go duration
// string ("5s", "1m", "2m30s"). Bare numbers are rejected so that a unit is
// always explicit.
type Duration struct {
	time.Duration
}

// Positive reports whether the duration is greater than zero.
func (d Duration) Positive() bool {
	return d.Duration > 0
}

// UnmarshalYAML parses a duration string from YAML.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode || value.Tag != "!!str" {
		return fmt.Errorf("line %d: duration must be a string with a unit (e.g. \"5s\"), got %q", value.Line, value.Value)
	}

	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}

	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in its String form.
func (d Duration) MarshalYAML() (any, error) { //nolint:unparam // yaml.Marshaler interface requires error return
	return d.Duration.String(), nil
}
