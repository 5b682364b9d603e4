package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Limits on announce metadata. Participant ids are only required to be
// non-blank.
const (
	MaxDisplayNameLength = 256
	MaxKindLength        = 64
	MaxCapabilities      = 64
	MaxCapabilityLength  = 64
)

// ValidateDisplayName validates an optional display name.
func ValidateDisplayName(name string) error {
	if name == "" {
		return nil
	}
	if err := ValidateStringLength(name, 0, MaxDisplayNameLength, "displayName"); err != nil {
		return err
	}
	return validatePrintable(name, "displayName")
}

// ValidateKind validates an optional participant kind such as "agent".
func ValidateKind(kind string) error {
	if kind == "" {
		return nil
	}
	if err := ValidateStringLength(kind, 0, MaxKindLength, "kind"); err != nil {
		return err
	}
	return validatePrintable(kind, "kind")
}

// ValidateCapabilities validates the capability list of an announce.
func ValidateCapabilities(caps []string) error {
	if len(caps) > MaxCapabilities {
		return fmt.Errorf("too many capabilities (max %d)", MaxCapabilities)
	}
	for i, c := range caps {
		field := fmt.Sprintf("capabilities[%d]", i)
		if err := ValidateNonEmptyString(c, field); err != nil {
			return err
		}
		if err := ValidateStringLength(c, 1, MaxCapabilityLength, field); err != nil {
			return err
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateIPOrCIDR accepts a single address ("10.0.0.1") or a network
// ("10.0.0.0/8").
func ValidateIPOrCIDR(s string) error {
	if net.ParseIP(s) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(s); err != nil {
		return fmt.Errorf("invalid IP or CIDR %q", s)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

func validatePrintable(s, fieldName string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%s contains control characters", fieldName)
		}
	}
	return nil
}
