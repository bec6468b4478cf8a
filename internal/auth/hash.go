package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// hashPrefix starts every encoded hash. The full form is
//
//	argon2id$v=19$m=65536$t=1$p=4$<salt>$<key>
//
// with unpadded base64 salt and key. It holds no ':' or ',' so it can sit in
// a DIG_API_KEYS entry in place of a plaintext key.
const hashPrefix = "argon2id$"

// argonParams are the Argon2id cost parameters recorded with each hash.
type argonParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
}

var defaultParams = argonParams{memory: 64 * 1024, time: 1, threads: 4}

const (
	saltLen = 16
	keyLen  = 32
)

var b64 = base64.RawStdEncoding

// IsHashed reports whether s is an encoded hash rather than a plaintext key.
func IsHashed(s string) bool { return strings.HasPrefix(s, hashPrefix) }

// HashAPIKey hashes an API key with Argon2id and a random salt.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := defaultParams
	key := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, keyLen)
	return fmt.Sprintf("%sv=%d$m=%d$t=%d$p=%d$%s$%s", hashPrefix, argon2.Version,
		p.memory, p.time, p.threads, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// DummyVerify burns the same Argon2id cost as a real check so an unknown
// credential name takes as long to reject as a wrong key.
func DummyVerify() {
	p := defaultParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, keyLen)
}

// VerifyAPIKey checks an API key against an encoded hash, using the cost
// parameters stored in the hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams
	if !IsHashed(encoded) {
		return p, nil, nil, errors.New("auth: hash: not an argon2id hash")
	}
	fields := strings.Split(strings.TrimPrefix(encoded, hashPrefix), "$")
	if len(fields) != 6 {
		return p, nil, nil, fmt.Errorf("auth: hash: want 6 fields, got %d", len(fields))
	}

	num := func(field, name string, bits int) (uint64, error) {
		v, ok := strings.CutPrefix(field, name+"=")
		if !ok {
			return 0, fmt.Errorf("auth: hash: missing %s", name)
		}
		n, err := strconv.ParseUint(v, 10, bits)
		if err != nil || n == 0 {
			return 0, fmt.Errorf("auth: hash: bad %s %q", name, v)
		}
		return n, nil
	}
	version, err := num(fields[0], "v", 32)
	if err != nil {
		return p, nil, nil, err
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("auth: hash: unsupported argon2 version %d", version)
	}
	memory, err := num(fields[1], "m", 32)
	if err != nil {
		return p, nil, nil, err
	}
	iterations, err := num(fields[2], "t", 32)
	if err != nil {
		return p, nil, nil, err
	}
	threads, err := num(fields[3], "p", 8)
	if err != nil {
		return p, nil, nil, err
	}
	p = argonParams{memory: uint32(memory), time: uint32(iterations), threads: uint8(threads)}

	salt, err := b64.DecodeString(fields[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: hash: decode salt: %w", err)
	}
	key, err := b64.DecodeString(fields[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: hash: decode key: %w", err)
	}
	if len(key) == 0 {
		return p, nil, nil, errors.New("auth: hash: empty key")
	}
	return p, salt, key, nil
}
