// Package phone validates and normalizes recipient numbers to E.164.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// InvalidNumberError reports a number that could not be normalized.
type InvalidNumberError struct {
	Raw    string
	Reason string
}

func (e *InvalidNumberError) Error() string {
	return fmt.Sprintf("invalid phone number %q: %s", e.Raw, e.Reason)
}

var cleaner = strings.NewReplacer(" ", "", ".", "", "-", "")

// Normalize parses raw against the given default region and returns the
// number in E.164 format. The output always begins with '+' followed by
// digits only.
func Normalize(raw, defaultRegion string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &InvalidNumberError{Raw: raw, Reason: "empty"}
	}

	cleaned := cleaner.Replace(strings.TrimSpace(raw))

	parsed, err := phonenumbers.Parse(cleaned, defaultRegion)
	if err != nil {
		return "", &InvalidNumberError{Raw: raw, Reason: err.Error()}
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", &InvalidNumberError{Raw: raw, Reason: "not a valid number"}
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
