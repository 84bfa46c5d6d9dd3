package extensions

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Extension ids are the first 16 bytes of the SPKI digest spelled in
// this alphabet, high nibble first. Chromium computes the same value,
// so a CRX packed with a keystore key lands under a predictable id.
const idAlphabet = "abcdefghijklmnop"

// Keystore holds one RSA signing key per source identity so repeated
// installs of the same extension keep the same extension id.
type Keystore struct {
	dir string
}

func NewKeystore(dir string) *Keystore {
	return &Keystore{dir: dir}
}

// GitHubKeyID derives the keystore id for a repository URL. Case and a
// trailing .git suffix do not change the identity.
func GitHubKeyID(repoURL string) string {
	normalized := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(repoURL)), ".git")
	return "gh_" + shortHash(normalized)
}

// UploadKeyID derives the keystore id for an uploaded archive from its
// manifest name.
func UploadKeyID(manifestName string) string {
	return "up_" + shortHash(strings.ToLower(manifestName))
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Ensure returns the signing key for id, generating and persisting a
// new one on first use. The PEM file is private to the server user.
func (k *Keystore) Ensure(id string) (*rsa.PrivateKey, string, error) {
	pemPath := filepath.Join(k.dir, id+".pem")

	if data, err := os.ReadFile(pemPath); err == nil {
		key, err := parsePrivateKey(data)
		if err != nil {
			return nil, "", fmt.Errorf("parse key %s: %w", pemPath, err)
		}
		return key, pemPath, nil
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("read key %s: %w", pemPath, err)
	}

	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create keystore dir: %w", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("marshal key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(pemPath, data, 0o600); err != nil {
		return nil, "", fmt.Errorf("write key %s: %w", pemPath, err)
	}
	return key, pemPath, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return key, nil
}

// ExtensionID computes the browser's extension id for a signing key.
func ExtensionID(pub *rsa.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(spki)
	return encodeExtensionID(sum[:16]), nil
}

func encodeExtensionID(digest []byte) string {
	var b strings.Builder
	b.Grow(len(digest) * 2)
	for _, c := range digest {
		b.WriteByte(idAlphabet[c>>4])
		b.WriteByte(idAlphabet[c&0x0f])
	}
	return b.String()
}
