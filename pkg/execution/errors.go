package execution

import (
	"errors"
	"fmt"

	"github.com/strataplane/warrant/pkg/contracts"
)

var (
	// ErrLifecycleViolation indicates a transition attempted from the
	// wrong state. A programming or ordering error on the caller's side,
	// surfaced immediately and never silently corrected.
	ErrLifecycleViolation = errors.New("illegal intent state transition")
	// ErrPolicyBlocked indicates a blocking policy rejected the proposal.
	ErrPolicyBlocked = errors.New("blocked by policy")
	// ErrRegionNotAllowed indicates the tenant's region policy rejects
	// the region named in the request.
	ErrRegionNotAllowed = errors.New("region not allowed")
)

// AuthorizationError is a structured authority denial. Recoverable by the
// caller obtaining a new grant; never retried automatically.
type AuthorizationError struct {
	Reason contracts.DenialReason
	Detail string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization denied (%s): %s", e.Reason, e.Detail)
}

// IsAuthorizationDenied reports whether err is an authority denial.
func IsAuthorizationDenied(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

func lifecycleError(op string, have contracts.IntentStatus, want ...contracts.IntentStatus) error {
	return fmt.Errorf("%w: %s requires status %v, intent is %s", ErrLifecycleViolation, op, want, have)
}
