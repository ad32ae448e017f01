package state

import (
	"errors"
	"fmt"
)

var (
	// ErrConstruction reports an invariant violated while building a state.
	ErrConstruction = errors.New("invalid state construction")
	// ErrShapeMismatch reports a rank, dimension or stride assumption
	// violated by a state access.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrUninitializedState reports a buffer accessor used before the state
	// received any content.
	ErrUninitializedState = errors.New("state not initialized")
)

type stateError struct {
	kind  error
	state string
	msg   string
}

func (e stateError) Error() string {
	return fmt.Sprintf("state %q: %v: %s", e.state, e.kind, e.msg)
}

func (e stateError) Unwrap() error {
	return e.kind
}

func constructionError(name, format string, args ...any) error {
	return stateError{kind: ErrConstruction, state: name, msg: fmt.Sprintf(format, args...)}
}

func shapeMismatch(name, format string, args ...any) error {
	return stateError{kind: ErrShapeMismatch, state: name, msg: fmt.Sprintf(format, args...)}
}

func uninitialized(name, what string) error {
	return stateError{kind: ErrUninitializedState, state: name, msg: what + " has not been allocated"}
}
