package target

import (
	"errors"
	"fmt"
)

// Kind classifies a mover failure for the deferred queues: network
// retries, auth and config block until an operator acts, unknown
// retries until the budget runs out.
type Kind string

const (
	KindNetwork Kind = "network"
	KindAuth    Kind = "auth"
	KindConfig  Kind = "config"
	KindUnknown Kind = "unknown"
)

// Error is a classified mover failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify extracts the kind from an error chain. Errors no mover
// classified are unknown.
func Classify(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}
