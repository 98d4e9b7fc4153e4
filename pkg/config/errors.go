package config

import "fmt"

// ConfigError reports an invalid or missing configuration value. It aborts
// listener startup; nothing is bound when one is returned.
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

// WithSuggestion appends operator guidance to the error and returns it for
// chaining.
func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// MissingFieldError reports a required field that was left empty.
func MissingFieldError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

// InvalidValueError reports a field holding a value that cannot be used.
func InvalidValueError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}
