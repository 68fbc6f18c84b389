package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalidEncoding classifies byte buffers that are not well-formed UTF-8.
var ErrInvalidEncoding = errors.New("invalid encoding")

const (
	// PathPlaceholder replaces absolute filesystem paths in sanitized messages.
	PathPlaceholder = "[PATH]"
	// RedactedPlaceholder replaces credential-shaped substrings in sanitized messages.
	RedactedPlaceholder = "[REDACTED]"
)

var (
	unixPathPattern    = regexp.MustCompile(`(^|[\s"'(=\[])(/[^\s"'()\[\],;:]+)`)
	windowsPathPattern = regexp.MustCompile(`\b[A-Za-z]:\\[^\s"'()\[\],;]+`)
	credentialPattern  = regexp.MustCompile(`[A-Za-z0-9]{32,}`)
)

// InvalidEncodingError names the source of a malformed buffer and the first bad byte offset.
type InvalidEncodingError struct {
	Source string
	Offset int
}

func (e *InvalidEncodingError) Error() string {
	return fmt.Sprintf("%s is not valid UTF-8 (invalid byte sequence at offset %d)", e.Source, e.Offset)
}

// Is enables errors.Is checks against ErrInvalidEncoding.
func (e *InvalidEncodingError) Is(target error) bool {
	if target == ErrInvalidEncoding {
		return true
	}
	_, ok := target.(*InvalidEncodingError)
	return ok
}

// ValidateUTF8 decodes buf strictly. Encoded surrogates and truncated
// sequences are rejected; a literal U+FFFD is ordinary content.
func ValidateUTF8(buf []byte, sourceName string) (string, error) {
	if utf8.Valid(buf) {
		return string(buf), nil
	}
	offset := 0
	for offset < len(buf) {
		r, size := utf8.DecodeRune(buf[offset:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		offset += size
	}
	return "", &InvalidEncodingError{Source: sourceName, Offset: offset}
}

// Masker registers values with the platform's log redaction.
type Masker interface {
	Mask(value string)
}

// MaskSecrets registers every non-empty value of values with masker. Multi-line
// values are registered line by line since platforms redact per line.
func MaskSecrets(masker Masker, values map[string]string) {
	if masker == nil {
		return
	}
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		masker.Mask(value)
		if !strings.ContainsAny(value, "\r\n") {
			continue
		}
		for _, line := range strings.FieldsFunc(value, func(r rune) bool { return r == '\n' || r == '\r' }) {
			if strings.TrimSpace(line) != "" {
				masker.Mask(line)
			}
		}
	}
}

// SanitizeErrorMessage strips absolute paths and credential-shaped tokens from
// err's message before it reaches logs or outputs.
func SanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}

// SanitizeText applies SanitizeErrorMessage's rules to an arbitrary string.
func SanitizeText(message string) string {
	message = windowsPathPattern.ReplaceAllString(message, PathPlaceholder)
	message = unixPathPattern.ReplaceAllString(message, "${1}"+PathPlaceholder)
	return credentialPattern.ReplaceAllString(message, RedactedPlaceholder)
}
