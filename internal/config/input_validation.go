package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const (
	// MaxPathLength is the maximum allowed length for filesystem paths
	MaxPathLength = 4096

	// MaxPrefixLength is the maximum allowed length for an object key prefix
	MaxPrefixLength = 512
)

// ValidateInputs performs additional security validation on user-controllable fields.
// This catches pasted control characters and malformed endpoints before they reach the network.
func (c *Config) ValidateInputs() error {
	if err := validateHost(c.Server.Host); err != nil {
		return fmt.Errorf("invalid server.host: %w", err)
	}

	paths := []struct {
		name  string
		value string
	}{
		{"artifacts.dir", c.Artifacts.Dir},
		{"logging.file", c.Logging.File},
	}
	for _, p := range paths {
		if err := validatePath(p.value); err != nil {
			return fmt.Errorf("invalid %s: %w", p.name, err)
		}
	}

	if c.Artifacts.S3.Enabled {
		if err := validatePrefix(c.Artifacts.S3.Prefix); err != nil {
			return fmt.Errorf("invalid artifacts.s3.prefix: %w", err)
		}
		for _, u := range []struct{ name, value string }{
			{"artifacts.s3.endpoint", c.Artifacts.S3.Endpoint},
			{"artifacts.s3.public_url", c.Artifacts.S3.PublicURL},
		} {
			if err := validateBaseURL(u.value); err != nil {
				return fmt.Errorf("invalid %s: %w", u.name, err)
			}
		}
	}

	return nil
}

// validateHost checks the server host for characters that cannot appear in a host name
func validateHost(host string) error {
	if containsControlChars(host) || strings.ContainsAny(host, "\n\t\r") {
		return fmt.Errorf("contains invalid control characters")
	}
	if strings.ContainsAny(host, " /?#@") {
		return fmt.Errorf("must not contain spaces, paths, queries or credentials (got %q)", host)
	}
	return nil
}

// validatePath checks a local path for length and control characters
func validatePath(p string) error {
	if len(p) > MaxPathLength {
		return fmt.Errorf("exceeds maximum length of %d characters (got %d)", MaxPathLength, len(p))
	}
	if containsControlChars(p) || strings.ContainsAny(p, "\n\r") {
		return fmt.Errorf("contains invalid control characters")
	}
	return nil
}

// validatePrefix checks an object key prefix
func validatePrefix(prefix string) error {
	if len(prefix) > MaxPrefixLength {
		return fmt.Errorf("exceeds maximum length of %d characters (got %d)", MaxPrefixLength, len(prefix))
	}
	if containsControlChars(prefix) {
		return fmt.Errorf("contains invalid control characters")
	}
	for _, seg := range strings.Split(prefix, "/") {
		if seg == ".." {
			return fmt.Errorf("must not contain '..' segments")
		}
	}
	return nil
}

// validateBaseURL checks that an optional URL is properly formatted and safe
func validateBaseURL(raw string) error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	// Check scheme
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme (got %s)", u.Scheme)
	}

	// Check host is present
	if u.Host == "" {
		return fmt.Errorf("must have a host")
	}

	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
