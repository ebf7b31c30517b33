package access

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrAccessDenied matches every denial returned by the controller.
	ErrAccessDenied = errors.New("access denied")
	// ErrRateExceeded is transient; retry in the next rate window.
	ErrRateExceeded = errors.New("rate exceeded")
	// ErrDefensiveModeActive is terminal until an operator clears defensive mode.
	ErrDefensiveModeActive = errors.New("defensive mode active")
	// ErrRuleViolation means a configured rule rejected the request.
	ErrRuleViolation = errors.New("rule violation")
)

// DeniedError is returned for every rejected store or retrieve. It matches
// ErrAccessDenied and its specific reason under errors.Is.
type DeniedError struct {
	Rule   RuleType
	Op     Operation
	At     time.Time
	reason error
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: %s blocked by %s: %v", e.Op, e.Rule, e.reason)
}

// Is lets errors.Is match both the umbrella sentinel and the reason.
func (e *DeniedError) Is(target error) bool {
	return target == ErrAccessDenied || target == e.reason
}

func (e *DeniedError) Unwrap() error { return e.reason }

// Reason returns the specific sentinel for the denial.
func (e *DeniedError) Reason() error { return e.reason }

// Retryable reports whether a caller may retry after backing off. Denials
// caused by defensive mode are not retryable until it is cleared.
func (e *DeniedError) Retryable() bool {
	return e.reason != ErrDefensiveModeActive
}

// AsDenied extracts a DeniedError from err.
func AsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}
