package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/dig/internal/auth"
	"github.com/ashita-ai/dig/internal/model"
)

func keygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for JWT signing",
		Long: `Generate an Ed25519 key pair for signing the server's JWTs and write
jwt_private.pem and jwt_public.pem into --dir (mode 0600).

Point DIG_JWT_PRIVATE_KEY and DIG_JWT_PUBLIC_KEY at the files. Without
them the server generates ephemeral keys on every start, which
invalidates all issued tokens on restart. Existing files are never
overwritten; delete them first to rotate keys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			privPath, pubPath, err := writeKeyPair(dir)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "DIG_JWT_PRIVATE_KEY=%s\nDIG_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "directory for the key files")
	return cmd
}

func writeKeyPair(dir string) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, "jwt_private.pem")
	pubPath = filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	// Overwriting would invalidate every live token.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return "", "", fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return "", "", err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func apikeyCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Mint an API key and its DIG_API_KEYS entry",
		Long: `Mint a random API key and print it once, together with a DIG_API_KEYS
entry holding only its Argon2id hash. The server accepts hashed entries in
place of plaintext keys, so the key itself never has to live in the
server's environment.`,
		Example: `  digctl apikey --name ci-bot --role producer`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || strings.ContainsAny(name, ":,") {
				return fmt.Errorf("--name must be non-empty and free of ':' and ','")
			}
			r := model.Role(role)
			if !r.Valid() {
				return fmt.Errorf("--role %q: want reader, producer or admin", role)
			}
			key, entry, err := mintAPIKey(name, r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "DIG_API_KEY=%s\nDIG_API_KEYS entry: %s\n", key, entry)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "credential name")
	cmd.Flags().StringVar(&role, "role", string(model.RoleReader), "role: reader, producer or admin")
	return cmd
}

// mintAPIKey returns a fresh key and the name:role:hash config entry for it.
func mintAPIKey(name string, role model.Role) (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	key := base64.RawURLEncoding.EncodeToString(buf)
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	return key, name + ":" + string(role) + ":" + hash, nil
}
