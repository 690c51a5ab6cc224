package keydir

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Stored verifier hashes are self-describing passlib-style strings:
//
//	$pbkdf2-sha256$<rounds>$<salt>$<checksum>
//
// with salt and checksum in "adapted base64" (no padding, '.' for '+').

const (
	verifierPrefix  = "$pbkdf2-sha256$"
	defaultRounds   = 29000
	verifierSaltLen = 16
	verifierKeyLen  = 32
)

// ab64 is the passlib adapted-base64 alphabet.
var ab64 = base64.RawStdEncoding.WithPadding(base64.NoPadding)

func ab64Decode(s string) ([]byte, error) {
	return ab64.DecodeString(strings.ReplaceAll(s, ".", "+"))
}

func ab64Encode(b []byte) string {
	return strings.ReplaceAll(ab64.EncodeToString(b), "+", ".")
}

// HashKey produces a verifier hash for a raw API key. Used by provisioning
// tooling and tests; the pipeline itself only verifies.
func HashKey(rawKey string) (string, error) {
	salt := make([]byte, verifierSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("keydir: generate salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(rawKey), salt, defaultRounds, verifierKeyLen, sha256.New)
	return verifierPrefix + strconv.Itoa(defaultRounds) + "$" + ab64Encode(salt) + "$" + ab64Encode(dk), nil
}

// VerifyKey checks a raw API key against a stored verifier hash.
// Malformed hashes verify as false with an error so callers can distinguish
// corrupt metadata rows from honest mismatches.
func VerifyKey(rawKey, encoded string) (bool, error) {
	rest, ok := strings.CutPrefix(encoded, verifierPrefix)
	if !ok {
		return false, fmt.Errorf("keydir: unsupported verifier format")
	}
	parts := strings.SplitN(rest, "$", 3)
	if len(parts) != 3 {
		return false, fmt.Errorf("keydir: malformed verifier hash")
	}
	rounds, err := strconv.Atoi(parts[0])
	if err != nil || rounds <= 0 {
		return false, fmt.Errorf("keydir: invalid round count %q", parts[0])
	}
	salt, err := ab64Decode(parts[1])
	if err != nil {
		return false, fmt.Errorf("keydir: decode salt: %w", err)
	}
	expected, err := ab64Decode(parts[2])
	if err != nil {
		return false, fmt.Errorf("keydir: decode checksum: %w", err)
	}

	computed := pbkdf2.Key([]byte(rawKey), salt, rounds, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}
