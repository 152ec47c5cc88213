package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// NormalizeContact canonicalizes an email address or mobile number so
// the same contact always maps to the same subject key.
func NormalizeContact(contact string) string {
	c := strings.TrimSpace(contact)
	if strings.Contains(c, "@") {
		return strings.ToLower(c)
	}
	for _, r := range []string{" ", "-", "(", ")"} {
		c = strings.ReplaceAll(c, r, "")
	}
	return c
}

// ContactDigest returns the hex SHA-256 of a normalized contact. Used
// as the stable subject key so raw addresses never appear in store keys
// or logs.
func ContactDigest(contact string) string {
	sum := sha256.Sum256([]byte(NormalizeContact(contact)))
	return hex.EncodeToString(sum[:])
}

// ValidContact does a minimal shape check; full validation belongs to
// the profile collaborator.
func ValidContact(contact string) error {
	c := NormalizeContact(contact)
	if c == "" {
		return fmt.Errorf("contact is empty")
	}
	if strings.Contains(c, "@") {
		if strings.Count(c, "@") != 1 || strings.HasPrefix(c, "@") || strings.HasSuffix(c, "@") {
			return fmt.Errorf("malformed email address")
		}
		return nil
	}
	if len(c) < 8 || len(c) > 16 {
		return fmt.Errorf("malformed mobile number")
	}
	for _, r := range strings.TrimPrefix(c, "+") {
		if r < '0' || r > '9' {
			return fmt.Errorf("malformed mobile number")
		}
	}
	return nil
}
