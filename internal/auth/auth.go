// Package auth issues and validates the bearer tokens DIG hands to API
// credentials.
//
// Tokens are EdDSA (Ed25519) JWTs carrying the credential name as subject and
// its role. Every token names its signing key in the kid header so a key
// rotation rejects old tokens with a clear error.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/dig/internal/model"
)

// issuer is both the iss and aud of every token.
const issuer = "dig"

// clockSkew is tolerated on exp, nbf and iat.
const clockSkew = 30 * time.Second

// Claims extends jwt.RegisteredClaims with the caller's role. Subject is the
// credential name.
type Claims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role"`
}

// Name returns the authenticated credential name.
func (c *Claims) Name() string { return c.Subject }

// JWTManager signs and verifies tokens with one Ed25519 key pair.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	keyID      string
	expiration time.Duration
	parser     *jwt.Parser
}

// NewJWTManager loads the key pair from PEM files (PKCS#8 private key, PKIX
// public key). With either path empty it generates an ephemeral pair, so
// tokens die with the process.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	var (
		priv ed25519.PrivateKey
		pub  ed25519.PublicKey
		err  error
	)
	if (privateKeyPath == "") != (publicKeyPath == "") {
		return nil, fmt.Errorf("auth: private and public key paths must be set together")
	}
	if privateKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		if pub, priv, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
	} else if priv, pub, err = loadKeyPair(privateKeyPath, publicKeyPath); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(pub)
	return &JWTManager{
		privateKey: priv,
		publicKey:  pub,
		keyID:      hex.EncodeToString(sum[:8]),
		expiration: expiration,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithAudience(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(clockSkew),
		),
	}, nil
}

func loadKeyPair(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privAny, err := readPEM(privPath, "private", x509.ParsePKCS8PrivateKey)
	if err != nil {
		return nil, nil, err
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: %s: private key is %T, not Ed25519", privPath, privAny)
	}
	pubAny, err := readPEM(pubPath, "public", x509.ParsePKIXPublicKey)
	if err != nil {
		return nil, nil, err
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: %s: public key is %T, not Ed25519", pubPath, pubAny)
	}
	// Catches a private key from one deployment paired with another's public key.
	if !pub.Equal(priv.Public()) {
		return nil, nil, errors.New("auth: public key does not match private key")
	}
	return priv, pub, nil
}

func readPEM(path, kind string, parse func([]byte) (any, error)) (any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("auth: read %s key: %w", kind, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: %s: no PEM block in %s key file", path, kind)
	}
	key, err := parse(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse %s key: %w", kind, err)
	}
	return key, nil
}

// KeyID identifies the signing key; it is a prefix of the public key's SHA-256.
func (m *JWTManager) KeyID() string { return m.keyID }

// IssueToken creates a signed JWT for the named credential.
func (m *JWTManager) IssueToken(name string, role model.Role) (string, time.Time, error) {
	if name == "" || !role.Valid() {
		return "", time.Time{}, errors.New("auth: issue token: name and a valid role are required")
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role: role,
	})
	token.Header["kid"] = m.keyID
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken verifies signature, issuer, audience and lifetime, and
// returns the claims. A token without a kid header is checked against the
// current key.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if kid, ok := token.Header["kid"].(string); ok && kid != m.keyID {
			return nil, fmt.Errorf("auth: token signed by unknown key %q", kid)
		}
		return m.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: invalid subject: empty")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("auth: invalid role: %q", claims.Role)
	}
	return claims, nil
}
