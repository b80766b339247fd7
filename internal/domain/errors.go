package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// DependencyError represents a failure talking to an external dependency
// (cache, reference store, sink). Transient failures are retriable; the
// risk engine still fails closed on them to bound admission latency.
type DependencyError struct {
	Dependency string // "cache", "account-store", sink name
	Op         string // operation that failed
	Err        error
	Retriable  bool
}

func (e *DependencyError) Error() string {
	return e.Dependency + " " + e.Op + ": " + e.Err.Error()
}

func (e *DependencyError) IsRetriable() bool {
	return e.Retriable
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// NewDependencyError creates a retriable dependency error
func NewDependencyError(dependency, op string, err error) *DependencyError {
	return &DependencyError{Dependency: dependency, Op: op, Err: err, Retriable: true}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrUnknownOrder is returned when cancelling an order the matcher
	// does not know. Not retriable.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrStaleSequence is returned when an execution carries a sequence
	// number at or below the last applied one for its key. Settlement
	// treats it as an already-applied duplicate.
	ErrStaleSequence = errors.New("stale execution sequence")

	// ErrLogClosed is returned when publishing to a closed event log.
	ErrLogClosed = errors.New("event log closed")
)
