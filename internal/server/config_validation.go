package server

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ConfigValidationError represents a configuration validation error.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ConfigValidator reads typed values from an environment lookup function and
// collects every problem so startup can report them together.
type ConfigValidator struct {
	getenv func(string) string
	errors []ConfigValidationError
}

// NewConfigValidator creates a validator reading from getenv.
func NewConfigValidator(getenv func(string) string) *ConfigValidator {
	return &ConfigValidator{getenv: getenv}
}

// AddError adds a validation error.
func (v *ConfigValidator) AddError(field, message string) {
	v.errors = append(v.errors, ConfigValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are validation errors.
func (v *ConfigValidator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *ConfigValidator) Errors() []ConfigValidationError {
	return v.errors
}

// Err returns nil or a single error listing every problem.
func (v *ConfigValidator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return fmt.Errorf("%s", sb.String())
}

// String returns the trimmed value of key or def when unset.
func (v *ConfigValidator) String(key, def string) string {
	if val := strings.TrimSpace(v.getenv(key)); val != "" {
		return val
	}
	return def
}

// Required returns the value of key and records an error when it is empty.
func (v *ConfigValidator) Required(key string) string {
	val := strings.TrimSpace(v.getenv(key))
	if val == "" {
		v.AddError(key, "required environment variable not set")
	}
	return val
}

// Int parses key as an integer >= min.
func (v *ConfigValidator) Int(key string, def, min int) int {
	raw := strings.TrimSpace(v.getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if n < min {
		v.AddError(key, fmt.Sprintf("must be >= %d (got %d)", min, n))
		return def
	}
	return n
}

// Int64 parses key as a 64-bit integer >= min.
func (v *ConfigValidator) Int64(key string, def, min int64) int64 {
	raw := strings.TrimSpace(v.getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if n < min {
		v.AddError(key, fmt.Sprintf("must be >= %d (got %d)", min, n))
		return def
	}
	return n
}

// Bool parses key with strconv.ParseBool.
func (v *ConfigValidator) Bool(key string, def bool) bool {
	raw := strings.TrimSpace(v.getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		v.AddError(key, "must be true or false")
		return def
	}
	return b
}

// Duration parses key with time.ParseDuration; the value must be positive.
func (v *ConfigValidator) Duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(v.getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		v.AddError(key, "must be a valid duration (e.g., 15m, 1h)")
		return def
	}
	if d <= 0 {
		v.AddError(key, "must be a positive duration")
		return def
	}
	return d
}

// Prefixes parses key as a comma-separated list of CIDR prefixes or bare
// addresses. A bare address is taken as a single-host prefix.
func (v *ConfigValidator) Prefixes(key string) []netip.Prefix {
	raw := strings.TrimSpace(v.getenv(key))
	if raw == "" {
		return nil
	}
	var out []netip.Prefix
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				v.AddError(key, fmt.Sprintf("invalid CIDR %q", item))
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			v.AddError(key, fmt.Sprintf("invalid address %q", item))
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

// ValidateURL validates that a value is an absolute http(s) URL.
func (v *ConfigValidator) ValidateURL(key, value string) {
	if value == "" {
		return
	}
	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(key, "URL must use http or https scheme")
	}
}

// ValidateAddr validates a listen address of the form "host:port" or ":port".
func (v *ConfigValidator) ValidateAddr(key, value string) {
	if value == "" {
		return
	}
	i := strings.LastIndex(value, ":")
	if i < 0 {
		v.AddError(key, "must be host:port or :port")
		return
	}
	port, err := strconv.Atoi(value[i+1:])
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}
	if port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

// ValidateMinLength validates minimum string length.
func (v *ConfigValidator) ValidateMinLength(key, value string, minLen int) {
	if value == "" {
		return
	}
	if len(value) < minLen {
		v.AddError(key, fmt.Sprintf("must be at least %d characters long (got %d)", minLen, len(value)))
	}
}

// ValidateEnum validates that a value is one of allowed options.
func (v *ConfigValidator) ValidateEnum(key, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}
