package server

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret hashes a PIN or password with bcrypt. PINs are trimmed first so
// the phrase typed at download time matches the one chosen at upload.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword(secretDigest(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckSecret reports whether secret matches hash.
func CheckSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), secretDigest(secret)) == nil
}

// secretDigest reduces a secret of any length to 44 bytes; bcrypt rejects
// input longer than 72.
func secretDigest(secret string) []byte {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
