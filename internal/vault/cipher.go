package vault

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const obfuscatedPrefix = "enc:"

// obfuscate applies a repeating-key XOR. It hides values from casual reads
// of the store; it is not encryption.
func obfuscate(key, plaintext []byte) string {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = b ^ key[i%len(key)]
	}
	return obfuscatedPrefix + hex.EncodeToString(out)
}

func deobfuscate(key []byte, value string) ([]byte, error) {
	if !strings.HasPrefix(value, obfuscatedPrefix) {
		return nil, fmt.Errorf("%w: value is not obfuscated", ErrCorrupt)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(value, obfuscatedPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: decode value: %v", ErrCorrupt, err)
	}
	for i := range raw {
		raw[i] ^= key[i%len(key)]
	}
	return raw, nil
}

func keyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

func valueChecksum(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

func equalHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func seal(key []byte, name string, plaintext []byte) Entry {
	return Entry{
		Name:           name,
		Value:          obfuscate(key, plaintext),
		KeyFingerprint: keyFingerprint(key),
		Checksum:       valueChecksum(plaintext),
	}
}

func open(key []byte, entry Entry) ([]byte, error) {
	if !equalHex(entry.KeyFingerprint, keyFingerprint(key)) {
		return nil, fmt.Errorf("%w: secret %q was written with a different key", ErrCorrupt, entry.Name)
	}
	plaintext, err := deobfuscate(key, entry.Value)
	if err != nil {
		return nil, fmt.Errorf("secret %q: %w", entry.Name, err)
	}
	if !equalHex(entry.Checksum, valueChecksum(plaintext)) {
		wipe(plaintext)
		return nil, fmt.Errorf("%w: secret %q failed integrity check", ErrCorrupt, entry.Name)
	}
	return plaintext, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
