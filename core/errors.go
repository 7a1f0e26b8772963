package core

import "fmt"

// ErrorKind is the machine-readable classification attached to every error
// the node reports over the wire or logs. Handlers branch on the kind, never
// on the message text.
type ErrorKind string

const (
	ErrMalformedInput     ErrorKind = "malformed_input"
	ErrSignatureInvalid   ErrorKind = "signature_invalid"
	ErrConsensusViolation ErrorKind = "consensus_violation"
	ErrEquivocation       ErrorKind = "equivocation"
	ErrTimeout            ErrorKind = "timeout"
	ErrPersistence        ErrorKind = "persistence"
	ErrTransport          ErrorKind = "transport"
)

// NodeError carries a kind alongside the human-readable message. Components
// return it as a value; it never crosses a component boundary as a panic.
type NodeError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Errf constructs a NodeError with a formatted message.
func Errf(kind ErrorKind, format string, args ...interface{}) *NodeError {
	return &NodeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind and context to an underlying error. Returns nil if
// err is nil.
func WrapErr(kind ErrorKind, err error, msg string) *NodeError {
	if err == nil {
		return nil
	}
	return &NodeError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err, or empty when err is not a
// NodeError.
func KindOf(err error) ErrorKind {
	if ne, ok := err.(*NodeError); ok {
		return ne.Kind
	}
	return ""
}
