// Package relaykey loads and persists a relay's long-lived RSA
// identity keypair from local storage.
package relaykey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBits is the RSA key size generated for a new relay identity,
// within the accepted bit-length range.
const DefaultBits = 3072

// DefaultDir returns the default directory relay identity keys are
// stored under (~/.daphne/relay-keys/).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".daphne", "relay-keys")
}

// Load reads a PEM-encoded PKCS#1 RSA private key from path.
func Load(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block in %s: no PEM data found", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key in %s: %w", path, err)
	}
	return key, nil
}

// Generate creates a fresh RSA keypair of the given bit size.
func Generate(bits int) (*rsa.PrivateKey, error) {
	if bits < 3072 || bits > 4096 {
		return nil, fmt.Errorf("relay key size must be 3072-4096 bits, got %d", bits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return key, nil
}

// Save PEM-encodes key as PKCS#1 and writes it to path, creating
// parent directories with owner-only permissions.
func Save(path string, key *rsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("write key file %s: %w", path, err)
	}
	return nil
}

// LoadOrGenerate loads the key at path, generating and persisting a
// fresh DefaultBits keypair if no file exists there yet.
func LoadOrGenerate(path string) (*rsa.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat key file %s: %w", path, err)
	}

	key, err := Generate(DefaultBits)
	if err != nil {
		return nil, err
	}
	if err := Save(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// PublicKeyPEM PEM-encodes the PKCS#1 public key, the form exchanged
// in GIVE_DIRECT registration and directory entries.
func PublicKeyPEM(pub *rsa.PublicKey) []byte {
	block := &pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(pub),
	}
	return pem.EncodeToMemory(block)
}

// ParsePublicKeyPEM parses a PEM-encoded PKCS#1 RSA public key, the
// inverse of PublicKeyPEM.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block: no PEM data found")
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key: %w", err)
	}
	return pub, nil
}
