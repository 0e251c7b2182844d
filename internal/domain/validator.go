package domain

import "strings"

// DefaultIdentifierLength is the CEP length used by this deployment.
const DefaultIdentifierLength = 8

var separators = strings.NewReplacer(" ", "", "-", "", ".", "")

// Validator normalizes raw identifiers before they enter the queue.
type Validator struct {
	Length int
}

// NewValidator returns a validator for fixed-length numeric identifiers.
func NewValidator(length int) Validator {
	if length <= 0 {
		length = DefaultIdentifierLength
	}
	return Validator{Length: length}
}

// Normalize strips separators and checks the length and character class.
func (v Validator) Normalize(raw string) (string, error) {
	id := separators.Replace(strings.TrimSpace(raw))
	length := v.Length
	if length <= 0 {
		length = DefaultIdentifierLength
	}
	if len(id) != length {
		return "", ErrInvalidIdentifier
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return "", ErrInvalidIdentifier
		}
	}
	return id, nil
}

// Valid reports whether id is already in normalized form.
func (v Validator) Valid(id string) bool {
	n, err := v.Normalize(id)
	return err == nil && n == id
}
