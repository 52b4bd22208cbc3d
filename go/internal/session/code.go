package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// DefaultNamespace prefixes session codes on the transport so they cannot
// collide with unrelated applications sharing it.
const DefaultNamespace = "sb-sprint-v1-"

// ErrInvalidCode is returned for codes that are not three digits.
var ErrInvalidCode = errors.New("session code must be 3 digits")

// GenerateCode returns a random code in 100..999.
func GenerateCode() string {
	return fmt.Sprintf("%d", 100+rand.IntN(900))
}

// ValidateCode checks that code is exactly three ASCII digits.
func ValidateCode(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}
	return nil
}

// TransportID returns the namespaced transport identifier for a code.
func TransportID(namespace, code string) string {
	return namespace + code
}

// DeviceName returns a random display name such as "Unit-427".
func DeviceName() string {
	return fmt.Sprintf("Unit-%d", 100+rand.IntN(900))
}
