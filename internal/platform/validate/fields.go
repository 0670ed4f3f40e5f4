package validate

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/intellisoft/digitalhealth/internal/platform/fault"
)

const (
	MinIdentifier = 1000000
	MaxIdentifier = 99999999

	MaxNameLength  = 100
	MaxCodeLength  = 50
	MaxValueLength = 500
)

var (
	namePattern = regexp.MustCompile(`^[a-zA-Z\s'-]+$`)
	codePattern = regexp.MustCompile(`^[A-Z0-9_-]+$`)
)

// Identifier checks the patient-facing numeric identifier (7-8 digits).
func Identifier(v *int64) error {
	if v == nil {
		return fault.Validation("identifier", "Identifier is mandatory")
	}
	if *v < MinIdentifier || *v > MaxIdentifier {
		return fault.Validation("identifier", "ID number must be 7-8 digits")
	}
	return nil
}

// NameRule describes one person-name field.
type NameRule struct {
	Field string // JSON field name, e.g. "givenName"
	Label string // human label, e.g. "Given name"
	Key   string // label used in the mandatory message, e.g. "GivenName"
}

var (
	GivenName  = NameRule{Field: "givenName", Label: "Given name", Key: "GivenName"}
	FamilyName = NameRule{Field: "familyName", Label: "Family name", Key: "FamilyName"}
)

// Name checks a person-name field: letters, spaces, hyphens and apostrophes,
// 1-100 characters.
func Name(rule NameRule, v string) error {
	if strings.TrimSpace(v) == "" {
		return fault.Validation(rule.Field, rule.Key+" is mandatory")
	}
	if n := utf8.RuneCountInString(v); n > MaxNameLength {
		return fault.Validation(rule.Field, rule.Label+" must be between 1 and 100 characters")
	}
	if !namePattern.MatchString(v) {
		return fault.Validation(rule.Field, rule.Label+" contains invalid characters")
	}
	return nil
}

// Code checks an observation code.
func Code(v string) error {
	if strings.TrimSpace(v) == "" {
		return fault.Validation("code", "Observation code is mandatory")
	}
	if utf8.RuneCountInString(v) > MaxCodeLength {
		return fault.Validation("code", "Code must be between 1 and 50 characters")
	}
	if !codePattern.MatchString(v) {
		return fault.Validation("code", "Code must contain only uppercase letters, numbers, underscores, and hyphens")
	}
	return nil
}

// Value checks an observation value.
func Value(v string) error {
	if strings.TrimSpace(v) == "" {
		return fault.Validation("value", "Observation value is mandatory")
	}
	if utf8.RuneCountInString(v) > MaxValueLength {
		return fault.Validation("value", "Value cannot exceed 500 characters")
	}
	return nil
}

// Required rejects blank text for a mandatory field.
func Required(field, v, message string) error {
	if strings.TrimSpace(v) == "" {
		return fault.Validation(field, message)
	}
	return nil
}

// Past requires t to be strictly before now.
func Past(field string, t, now time.Time, message string) error {
	if !t.Before(now) {
		return fault.Validation(field, message)
	}
	return nil
}

// NotFuture requires t to be at or before now.
func NotFuture(field string, t, now time.Time, message string) error {
	if t.After(now) {
		return fault.Validation(field, message)
	}
	return nil
}

// NotBefore requires t to be at or after floor.
func NotBefore(field string, t, floor time.Time, message string) error {
	if t.Before(floor) {
		return fault.Validation(field, message)
	}
	return nil
}

// WithinWindow checks that an observation's effective time lies inside its
// encounter window: start <= t, and t <= end when the encounter has ended.
func WithinWindow(t, start time.Time, end *time.Time) error {
	if t.Before(start) {
		return fault.Validation("effectiveDateTime", "Effective date and time cannot be before the encounter start")
	}
	if end != nil && t.After(*end) {
		return fault.Validation("effectiveDateTime", "Effective date and time cannot be after the encounter end")
	}
	return nil
}
