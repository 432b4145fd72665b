package models

import (
	"errors"
	"strings"

	"rentkyc/pkg/platform/privacy"
)

// SubjectLength is the number of digits in an Aadhaar number.
const SubjectLength = 12

// CodeLength is the number of digits in a provider OTP.
const CodeLength = 6

// ErrInvalidSubject is returned when a document number is not 12 digits.
var ErrInvalidSubject = errors.New("subject id must be 12 digits")

// ErrInvalidCode is returned when an OTP is not 6 digits.
var ErrInvalidCode = errors.New("code must be 6 digits")

// Subject is a validated, normalized document number.
type Subject struct {
	id  string
	key string
}

// ParseSubject strips spaces and hyphens and requires exactly 12 digits, so
// "4909 8765 4321" and "490987654321" name the same subject.
func ParseSubject(raw string) (Subject, error) {
	normalized := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if !allDigits(normalized, SubjectLength) {
		return Subject{}, ErrInvalidSubject
	}
	return Subject{id: normalized, key: privacy.HashSubject(normalized)}, nil
}

// ID is the normalized 12-digit identifier.
func (s Subject) ID() string { return s.id }

// Key is the SHA-256 digest used for indexing and audit.
func (s Subject) Key() string { return s.key }

// ValidateCode checks the OTP shape before it reaches the provider.
func ValidateCode(code string) error {
	if !allDigits(code, CodeLength) {
		return ErrInvalidCode
	}
	return nil
}

func allDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
