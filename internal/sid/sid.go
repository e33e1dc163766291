// Package sid encodes and decodes public short identifiers (SIDs).
//
// A SID is a fixed-length, URL-safe, case-insensitive encoding of a model
// kind plus its numeric primary key. The numeric id is encrypted with
// Blowfish in CBC mode, keyed by a process-wide secret and using an IV
// derived from the kind label, so equal ids of different kinds produce
// unrelated SIDs. The ciphertext is base32 encoded, lowercased, and split
// with a single hyphen before the final seven characters. Base32 survives
// hostnames and filesystem paths; the lowercase 'l' is swapped for '8'
// because it reads too much like '1'.
package sid

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/blowfish"
)

const (
	blockSize   = blowfish.BlockSize
	encodedLen  = 13 // base32 of one 8-byte block, padding stripped
	suffixLen   = 7
	paddedLen   = 16
	maxKeyBytes = 56
)

// Codec encrypts and decrypts SIDs with a fixed process secret. Build one
// at startup and pass it by reference; the secret never changes afterwards.
type Codec struct {
	key []byte
}

// NewCodec creates a Codec from the process secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("sid: secret is required")
	}
	key := []byte(secret)
	if len(key) > maxKeyBytes {
		key = key[:maxKeyBytes]
	}
	// Fail early on an unusable key instead of at first encode.
	if _, err := blowfish.NewCipher(key); err != nil {
		return nil, fmt.Errorf("sid: invalid secret: %w", err)
	}
	return &Codec{key: key}, nil
}

// iv derives the CBC initialization vector for a model kind. Using the kind
// label keeps equal ids of different kinds from colliding.
func iv(kind string) []byte {
	sum := sha256.Sum256([]byte(kind))
	return sum[len(sum)-blockSize:]
}

// Encode returns the SID for (kind, id).
func (c *Codec) Encode(kind string, id uint64) (string, error) {
	block, err := blowfish.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("sid: %w", err)
	}
	plain := make([]byte, blockSize)
	binary.BigEndian.PutUint64(plain, id)

	encrypted := make([]byte, blockSize)
	cipher.NewCBCEncrypter(block, iv(kind)).CryptBlocks(encrypted, plain)

	encoded := base32.StdEncoding.EncodeToString(encrypted)
	formatted := strings.ToLower(strings.TrimRight(encoded, "="))
	formatted = strings.ReplaceAll(formatted, "l", "8")
	split := len(formatted) - suffixLen
	return formatted[:split] + "-" + formatted[split:], nil
}

// Decode returns the numeric id encoded in sid for the given kind. Decoding
// with the wrong kind yields a different (effectively random) id, so callers
// must follow up with an existence check against the right table.
func (c *Codec) Decode(kind, sid string) (uint64, error) {
	formatted := strings.ToLower(strings.ReplaceAll(sid, "-", ""))
	if len(formatted) != encodedLen {
		return 0, fmt.Errorf("sid: invalid SID %q", sid)
	}
	encoded := strings.ToUpper(strings.ReplaceAll(formatted, "8", "l"))
	encoded += strings.Repeat("=", paddedLen-len(encoded))

	encrypted, err := base32.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0, fmt.Errorf("sid: invalid SID %q: %w", sid, err)
	}

	block, err := blowfish.NewCipher(c.key)
	if err != nil {
		return 0, fmt.Errorf("sid: %w", err)
	}
	plain := make([]byte, blockSize)
	cipher.NewCBCDecrypter(block, iv(kind)).CryptBlocks(plain, encrypted)
	return binary.BigEndian.Uint64(plain), nil
}

// Valid reports whether s is shaped like a SID: lowercase base32 characters
// split by exactly one hyphen, seven characters after it.
func Valid(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 2 || len(parts[1]) != suffixLen {
		return false
	}
	if len(parts[0])+len(parts[1]) != encodedLen {
		return false
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '-':
		case r >= 'a' && r <= 'z' && r != 'l':
		case r >= '2' && r <= '8':
		default:
			return false
		}
	}
	return true
}
