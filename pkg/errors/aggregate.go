package errors

import (
	stderrors "errors"
	"strings"
)

/*
Aggregate collects the failures of a multi-part operation, such as closing a
set of bus senders or verifying a group's topic triple, into one error value.
*/
type Aggregate struct {
	errs []error
}

// Join builds an Aggregate from errors and plain detail strings, skipping
// nils and flattening nested aggregates. It returns nil when nothing failed.
func Join(parts ...any) error {
	agg := &Aggregate{}

	for _, part := range parts {
		switch v := part.(type) {
		case nil:
		case *Aggregate:
			agg.errs = append(agg.errs, v.errs...)
		case error:
			agg.errs = append(agg.errs, v)
		case string:
			agg.errs = append(agg.errs, stderrors.New(v))
		}
	}

	if len(agg.errs) == 0 {
		return nil
	}
	return agg
}

func (agg *Aggregate) Error() string {
	msgs := make([]string, len(agg.errs))
	for i, err := range agg.errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (agg *Aggregate) Unwrap() []error { return agg.errs }
