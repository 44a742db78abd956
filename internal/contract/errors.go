package contract

import (
	"errors"
	"fmt"
)

// ViolationError reports a malformed contract. It is only ever returned from
// construction or registration; validation of requests never errors.
type ViolationError struct {
	Tool   string
	Reason string
}

func (e *ViolationError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("contract violation: %s", e.Reason)
	}
	return fmt.Sprintf("contract violation for %q: %s", e.Tool, e.Reason)
}

func IsViolation(err error) bool {
	var ve *ViolationError
	return errors.As(err, &ve)
}
