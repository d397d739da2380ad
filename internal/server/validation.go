// validation.go - Input validation, naming and formatting helpers
package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	maxFilenameBytes = 200
	shareTokenLength = 22
	minPINLength     = 4
	maxPINBytes      = 1024
)

var objectNamePattern = regexp.MustCompile(`^[0-9a-f]{16}_[A-Za-z0-9 ._-]{1,200}$`)

var newShareToken = mustTokenGenerator()

func mustTokenGenerator() func() string {
	gen, err := nanoid.Standard(shareTokenLength)
	if err != nil {
		panic(err)
	}
	return gen
}

// SanitizeFilename keeps ASCII letters, digits, space, '.', '_' and '-',
// trims surrounding spaces and bounds the result to maxFilenameBytes while
// keeping the extension.
func SanitizeFilename(filename string) string {
	var sb strings.Builder
	for _, r := range filename {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" ._-", r)) {
			sb.WriteRune(r)
		}
	}
	name := strings.TrimSpace(sb.String())
	if name == "" {
		return "file"
	}

	if len(name) > maxFilenameBytes {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameBytes {
			ext = ""
		}
		name = name[:maxFilenameBytes-len(ext)] + ext
	}
	return name
}

// newObjectName returns a collision-resistant storage key for filename.
func newObjectName(filename string) (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]) + "_" + SanitizeFilename(filename), nil
}

// validObjectName reports whether name has the shape newObjectName produces.
func validObjectName(name string) bool {
	return objectNamePattern.MatchString(name)
}

func validPIN(pin string) bool {
	return len(strings.TrimSpace(pin)) >= minPINLength
}

func pinTooLong(pin string) bool {
	return len(pin) > maxPINBytes
}

// contentTypeFor falls back to the extension when the client did not say.
func contentTypeFor(filename, clientType string) string {
	if clientType != "" && clientType != "application/octet-stream" {
		return clientType
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// prettyRemaining formats the time left until expiry.
func prettyRemaining(expiry, now time.Time) string {
	d := expiry.Sub(now)
	if d <= 0 {
		return "Expired"
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	mins := int(d / time.Minute)

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if mins > 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	if len(parts) == 0 {
		return "<1m"
	}
	return strings.Join(parts, " ")
}
