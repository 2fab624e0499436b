package storemanager

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a store that cannot be opened with the registered factories.
type ConfigurationError struct {
	Store   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("store %q: %s", e.Store, e.Message)
}

// ConflictError reports a second, different factory registered under a taken name.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	if e.Name == "" {
		return "a different default store factory is already registered"
	}
	return fmt.Sprintf("a different store factory is already registered for %q", e.Name)
}

// IsConfigurationError returns true if the error is a ConfigurationError.
// Uses errors.As to handle wrapped errors.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsConflictError returns true if the error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
