package license

import (
	"errors"
	"fmt"
	"strings"
)

// Validation outcomes that terminate a request with a specific status
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrIncorrectPassword = errors.New("incorrect password")
	ErrLicenseExpired    = errors.New("license expired")
)

// DeviceMismatchError reports a strictly-checked device field whose
// supplied value differs from the value already bound to the license.
type DeviceMismatchError struct {
	Field string
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("device mismatch on %s", e.Field)
}

// Status returns the client-facing status string for the mismatch
func (e *DeviceMismatchError) Status() string {
	return strings.ToUpper(e.Field) + " mismatch"
}
