package errors

import (
	"errors"
	"strings"
)

// AggregateError collects independent failures from a fan-out so that
// every attempted operation is reported, not just the first failure.
type AggregateError struct {
	Op   string
	Errs []error
}

// NewAggregateError returns nil when errs contains no non-nil errors,
// the single error when there is exactly one, and an AggregateError
// otherwise.
func NewAggregateError(op string, errs []error) error {
	nonNil := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &AggregateError{Op: op, Errs: nonNil}
	}
}

func (e *AggregateError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return e.Op + " failed with " + strings.Join(msgs, "; ")
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (e *AggregateError) Unwrap() []error {
	return e.Errs
}

// Errors returns the individual failures
func (e *AggregateError) Errors() []error {
	return e.Errs
}

// AsAggregate extracts an AggregateError from an error chain
func AsAggregate(err error) (*AggregateError, bool) {
	var agg *AggregateError
	ok := errors.As(err, &agg)
	return agg, ok
}
