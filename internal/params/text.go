package params

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTextChars is the hard cap on input text, counted in code points.
const MaxTextChars = 300

// ValidateText rejects empty, whitespace-only, and over-long text.
// The text itself is never rewritten.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &InvalidParameterError{Field: FieldText, Value: `""`, Allowed: "non-empty text"}
	}
	if n := utf8.RuneCountInString(text); n > MaxTextChars {
		return &InvalidParameterError{
			Field:   FieldText,
			Value:   fmt.Sprintf("(%d characters)", n),
			Allowed: fmt.Sprintf("at most %d characters", MaxTextChars),
		}
	}
	return nil
}
