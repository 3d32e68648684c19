package task

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTaskCode              = errors.New("task code is not supported")
	ErrRemoteInvocationNotSupported = errors.New("task code is not supported in remote configuration")
	ErrUnsupportedProtocolVersion   = errors.New("unsupported task protocol version")
	ErrNoCommonProtocolVersion      = errors.New("no common task protocol version")
	ErrMalformedPayload             = errors.New("malformed task payload")
)

// CodeError reports a catalog lookup failure for a specific code and protocol version.
type CodeError struct {
	Code    Code
	Version int
	Err     error
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("task %d (%s) at protocol v%d: %v", int(e.Code), e.Code, e.Version, e.Err)
}

func (e *CodeError) Unwrap() error { return e.Err }
