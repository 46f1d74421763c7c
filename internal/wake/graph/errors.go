package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a fatal graph error.
type ErrorKind int

const (
	// SetupError is an invalid configuration or topology.
	SetupError ErrorKind = iota + 1
	// ResourceError is a backing resource that could not be opened.
	ResourceError
	// DataError is a malformed row or type mismatch while streaming.
	DataError
)

func (k ErrorKind) String() string {
	switch k {
	case SetupError:
		return "setup"
	case ResourceError:
		return "resource"
	case DataError:
		return "data"
	default:
		return "unknown"
	}
}

var (
	ErrCycle      = errors.New("subscription would create a cycle")
	ErrAlreadyRun = errors.New("graph has already been run")
	ErrNoProgress = errors.New("no node can make progress")
	ErrPortClosed = errors.New("port already reached end-of-stream")
	ErrUnbound    = errors.New("input port has no producer")
)

// Error carries the kind of a fatal error and the node it originated from.
// Node is empty when the error is not tied to a single node.
type Error struct {
	Kind ErrorKind
	Node string
	ID   NodeID
	Err  error
}

func (e *Error) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error in node %q: %v", e.Kind, e.Node, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, n *node, err error) *Error {
	if n == nil {
		return &Error{Kind: kind, ID: -1, Err: err}
	}
	return &Error{Kind: kind, Node: n.name, ID: n.id, Err: err}
}

// Setupf builds a SetupError that is not tied to a node.
func Setupf(format string, args ...any) error {
	return &Error{Kind: SetupError, ID: -1, Err: fmt.Errorf(format, args...)}
}

// Classify wraps err into an *Error of the given kind unless it already is one.
func Classify(kind ErrorKind, node string, err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	return &Error{Kind: kind, Node: node, ID: -1, Err: err}
}

// KindOf returns the kind of err, or 0 when err is not a graph error.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

func IsSetup(err error) bool    { return KindOf(err) == SetupError }
func IsResource(err error) bool { return KindOf(err) == ResourceError }
func IsData(err error) bool     { return KindOf(err) == DataError }
