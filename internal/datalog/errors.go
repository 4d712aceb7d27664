package datalog

import (
	"errors"
	"strings"
)

// Policy rejections.
var (
	ErrCheckFailed      = errors.New("datalog: check failed")
	ErrDenied           = errors.New("datalog: denied by policy")
	ErrNoMatchingPolicy = errors.New("datalog: no matching policy")
)

// Evaluation limits.
var (
	ErrTimeout           = errors.New("datalog: evaluation budget exhausted")
	ErrTooManyFacts      = errors.New("datalog: too many facts")
	ErrTooManyIterations = errors.New("datalog: too many iterations")
)

// Load errors.
var (
	ErrUnsafeRule  = errors.New("datalog: unbound variable")
	ErrInvalidFact = errors.New("datalog: fact is not ground")
)

// RejectionError describes a world that evaluated fully but was not authorized.
type RejectionError struct {
	// FailedChecks lists the checks without a solution, in load order.
	FailedChecks []string
	// Policy is the deny policy that matched, if any.
	Policy string

	reason error
}

func (e *RejectionError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.reason.Error())
	if e.Policy != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Policy)
	}
	if len(e.FailedChecks) > 0 {
		sb.WriteString(" (failed: ")
		sb.WriteString(strings.Join(e.FailedChecks, "; "))
		sb.WriteString(")")
	}
	return sb.String()
}

func (e *RejectionError) Unwrap() error { return e.reason }

// IsRejection reports whether err is a policy outcome rather than a fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCheckFailed) || errors.Is(err, ErrDenied) || errors.Is(err, ErrNoMatchingPolicy)
}

// IsLimit reports whether evaluation was aborted by its resource bounds.
func IsLimit(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTooManyFacts) || errors.Is(err, ErrTooManyIterations)
}
