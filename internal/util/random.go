// Package util provides identifier and token helpers for the Lockstep application.
package util

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// MagicTokenAlphabet is URL-safe so tokens can be embedded in RSVP links as-is.
const MagicTokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// MagicTokenLength gives ~190 bits of entropy with the alphabet above.
const MagicTokenLength = 32

// GenerateID returns a new random row identifier.
func GenerateID() string {
	return uuid.NewString()
}

// GeneratePrefixedID returns a new identifier of the form "{prefix}{uuid}".
func GeneratePrefixedID(prefix string) string {
	return prefix + uuid.NewString()
}

// GenerateMagicToken returns an unguessable token granting passwordless access
// to a guest's RSVP page. It uses crypto/rand through nanoid.
func GenerateMagicToken() (string, error) {
	token, err := gonanoid.Generate(MagicTokenAlphabet, MagicTokenLength)
	if err != nil {
		return "", fmt.Errorf("generate magic token: %w", err)
	}
	return token, nil
}
