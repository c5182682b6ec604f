package domain

import (
	"fmt"
	"strings"
)

// MaxServiceNameLength is the longest service name accepted by deploy targets.
const MaxServiceNameLength = 63

// =============================================================================
// Slug Generation
// =============================================================================

// Slugify converts a name to a service-name-safe slug.
//
// The transformation rules are:
//   - Lowercase letters (a-z) and digits (0-9) are kept as-is
//   - Uppercase letters (A-Z) are converted to lowercase
//   - Spaces, underscores, dots and hyphens become a single hyphen
//   - All other characters are removed
//   - Leading non-letters and trailing hyphens are trimmed
//   - The result is truncated to MaxServiceNameLength
//
// Example:
//
//	Slugify("Hello World")     // returns "hello-world"
//	Slugify("My_App 2.0!")     // returns "my-app-2-0"
//	Slugify("42-api")          // returns "api"
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
			lastHyphen = false
		case r == ' ' || r == '_' || r == '.' || r == '-':
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimLeftFunc(b.String(), func(r rune) bool {
		return r < 'a' || r > 'z'
	})
	if len(slug) > MaxServiceNameLength {
		slug = slug[:MaxServiceNameLength]
	}
	return strings.TrimRight(slug, "-")
}

// ValidateServiceName reports why name cannot be used as a service name.
func ValidateServiceName(name string) error {
	if name == "" {
		return Configuration("validate_service_name", "service name is required", nil)
	}
	if len(name) > MaxServiceNameLength {
		return Configuration("validate_service_name",
			fmt.Sprintf("service name %q exceeds %d characters", name, MaxServiceNameLength), nil)
	}
	if name[0] < 'a' || name[0] > 'z' {
		return Configuration("validate_service_name",
			fmt.Sprintf("service name %q must start with a lowercase letter", name), nil)
	}
	if strings.HasSuffix(name, "-") {
		return Configuration("validate_service_name",
			fmt.Sprintf("service name %q must not end with a hyphen", name), nil)
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return Configuration("validate_service_name",
				fmt.Sprintf("service name %q may only contain lowercase letters, digits and hyphens", name), nil)
		}
	}
	return nil
}
