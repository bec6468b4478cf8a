package auth

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/dig/internal/model"
)

// ErrInvalidCredentials is returned for an unknown name or a wrong key. The
// two cases are indistinguishable to callers.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Credential is one configured API key as read from config. Key is either
// the plaintext key or a hash produced by HashAPIKey.
type Credential struct {
	Name string
	Role model.Role
	Key  string
}

type storedKey struct {
	role model.Role
	hash string
}

// Keyring holds Argon2id hashes of the configured API keys. Plaintext keys
// are dropped once hashed; pre-hashed keys are kept as given.
type Keyring struct {
	keys map[string]storedKey
}

// NewKeyring hashes creds.
func NewKeyring(creds []Credential) (*Keyring, error) {
	k := &Keyring{keys: make(map[string]storedKey, len(creds))}
	for _, c := range creds {
		if c.Name == "" || c.Key == "" || !c.Role.Valid() {
			return nil, fmt.Errorf("auth: keyring: credential %q is incomplete", c.Name)
		}
		if _, dup := k.keys[c.Name]; dup {
			return nil, fmt.Errorf("auth: keyring: duplicate credential %q", c.Name)
		}
		h := c.Key
		if IsHashed(h) {
			if _, _, _, err := decodeHash(h); err != nil {
				return nil, fmt.Errorf("auth: keyring: credential %q: %w", c.Name, err)
			}
		} else {
			var err error
			if h, err = HashAPIKey(c.Key); err != nil {
				return nil, err
			}
		}
		k.keys[c.Name] = storedKey{role: c.Role, hash: h}
	}
	return k, nil
}

// Len returns the number of credentials.
func (k *Keyring) Len() int { return len(k.keys) }

// Authenticate checks name and key, returning the credential's role.
func (k *Keyring) Authenticate(name, key string) (model.Role, error) {
	sk, ok := k.keys[name]
	if !ok {
		DummyVerify()
		return "", ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(key, sk.hash)
	if err != nil {
		return "", fmt.Errorf("auth: authenticate %s: %w", name, err)
	}
	if !valid {
		return "", ErrInvalidCredentials
	}
	return sk.role, nil
}
