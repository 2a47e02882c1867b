package probeconfig

import (
	"fmt"
	"strings"
)

// ConfigurationError is one field-level configuration problem, in the style
// of muster's internal/config.ConfigurationError but narrowed to this
// probe's flat config shape: no source/category split, since there is only
// one config file and no user/project layering here.
type ConfigurationError struct {
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
	Stage   string `json:"stage"` // "read", "parse", "resolve", "validate"
	Message string `json:"message"`
}

func (e ConfigurationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("[%s] %s=%q: %s", e.Stage, e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Stage, e.Field, e.Message)
}

// NewConfigurationError builds a single-field ConfigurationError.
func NewConfigurationError(field, value, stage, message string) ConfigurationError {
	return ConfigurationError{Field: field, Value: value, Stage: stage, Message: message}
}

// ConfigurationErrors collects every field-level problem Validate finds so a
// caller sees the whole picture instead of failing on the first one, in the
// style of muster's internal/config.ConfigurationErrorCollection.
type ConfigurationErrors struct {
	Errors []ConfigurationError
}

func (c *ConfigurationErrors) Add(field, stage, message string) {
	c.Errors = append(c.Errors, NewConfigurationError(field, "", stage, message))
}

func (c *ConfigurationErrors) HasErrors() bool { return len(c.Errors) > 0 }

func (c *ConfigurationErrors) Error() string {
	if len(c.Errors) == 0 {
		return "no configuration errors"
	}
	parts := make([]string, len(c.Errors))
	for i, e := range c.Errors {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d configuration error(s): %s", len(c.Errors), strings.Join(parts, "; "))
}
