package types

import (
	"errors"
	"fmt"
)

var (
	// Sending between a Block and the next delivered view.
	ErrBlocked = errors.New("channel is blocked for a view change")

	// Too many messages waiting for the total order.
	ErrBackPressure = errors.New("too many pending messages")

	// Sending before the first view was delivered.
	ErrNoView = errors.New("no view delivered yet")

	// The channel was already closed.
	ErrClosed = errors.New("channel is closed")

	// Requested channel is not registered.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Returned when the initialization parameters are malformed.
// The channel is never started in this case.
type ConfigurationError struct {
	// Aggregated validation failures.
	Err error
}

func (c *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", c.Err)
}

func (c *ConfigurationError) Unwrap() error {
	return c.Err
}

// IsConfigurationError verifies if the error was caused by an
// invalid configuration.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}
