package errors

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// nodeIDRegex matches OSF GUIDs and component identifiers. GUIDs are five
// lowercase alphanumerics; older or preprint-style IDs may be longer and
// carry an underscore suffix (e.g. "abc12_v1").
var nodeIDRegex = regexp.MustCompile(`^[a-z0-9]{5,}(_[a-z0-9]+)?$`)

// ValidateNodeID validates a project or component identifier before it is
// interpolated into an API path.
//
// The validation rules are intentionally conservative:
//   - No empty IDs
//   - No control characters, slashes or path traversal
//   - Lowercase alphanumerics, at least five characters
func ValidateNodeID(id string) error {
	if id == "" {
		return New(ErrCodeInvalidInput, "project id cannot be empty")
	}
	if len(id) > 64 {
		return New(ErrCodeInvalidInput, "project id too long (max 64 characters)")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return New(ErrCodeInvalidInput, "project id contains invalid control characters")
		}
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return New(ErrCodeInvalidInput, "project id contains path characters: %q", id)
	}
	if !nodeIDRegex.MatchString(id) {
		return New(ErrCodeInvalidInput, "invalid project id: %q", id)
	}
	return nil
}

// ValidateURL checks that rawURL is an absolute http or https URL with a
// host. Wiki image references are fetched only after passing it.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return New(ErrCodeInvalidInput, "URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Wrap(ErrCodeInvalidInput, err, "invalid URL %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return New(ErrCodeInvalidInput, "URL %q must use http or https", rawURL)
	}
	if u.Host == "" {
		return New(ErrCodeInvalidInput, "URL %q has no host", rawURL)
	}
	return nil
}

// ValidateOutputName validates a user-supplied output filename.
// It must be a plain basename so exports cannot escape the destination dir.
func ValidateOutputName(name string) error {
	if name == "" {
		return New(ErrCodeInvalidInput, "output name cannot be empty")
	}
	if len(name) > 255 {
		return New(ErrCodeInvalidInput, "output name too long (max 255 characters)")
	}
	for _, r := range name {
		if r == '\x00' || unicode.IsControl(r) {
			return New(ErrCodeInvalidInput, "output name contains invalid characters")
		}
	}
	if strings.ContainsAny(name, "/\\") {
		return New(ErrCodeInvalidInput, "output name cannot contain path separators")
	}
	if name == "." || name == ".." {
		return New(ErrCodeInvalidInput, "output name cannot be %q", name)
	}
	return nil
}
