// Package xcrypto implements the cryptographic primitives used by the
// circuit protocol: RSA-OAEP, RSA-PSS, ECDHE on P-384,
// HKDF-SHA256, and AES-256-CBC with PKCS#7 padding.
package xcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// RSAEncrypt encrypts m under pub using RSA-OAEP(MGF1-SHA256, SHA256).
func RSAEncrypt(pub *rsa.PublicKey, m []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, m, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep encrypt: %w", err)
	}
	return ct, nil
}

// RSADecrypt decrypts c with priv using RSA-OAEP(MGF1-SHA256, SHA256).
func RSADecrypt(priv *rsa.PrivateKey, c []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, c, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep decrypt: %w", err)
	}
	return pt, nil
}

// RSASign signs m with priv using RSA-PSS(MGF1-SHA256, SHA256, salt
// length = auto).
func RSASign(priv *rsa.PrivateKey, m []byte) ([]byte, error) {
	digest := sha256.Sum256(m)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("rsa-pss sign: %w", err)
	}
	return sig, nil
}

// RSAVerify verifies sig over m under pub using RSA-PSS(MGF1-SHA256,
// SHA256). Returns an error (InvalidSignature-class) on mismatch.
func RSAVerify(pub *rsa.PublicKey, sig, m []byte) error {
	digest := sha256.Sum256(m)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	}); err != nil {
		return fmt.Errorf("rsa-pss verify: invalid signature: %w", err)
	}
	return nil
}

// ECDHEKeyPair is an ephemeral P-384 ECDHE keypair.
type ECDHEKeyPair struct {
	Priv *ecdh.PrivateKey
	Pub  *ecdh.PublicKey
}

// ECDHENew generates a fresh P-384 ECDHE keypair.
func ECDHENew() (*ECDHEKeyPair, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-384 keypair: %w", err)
	}
	return &ECDHEKeyPair{Priv: priv, Pub: priv.PublicKey()}, nil
}

// ECDHPublicKeyPEM PEM-encodes an ephemeral P-384 public key as its raw
// uncompressed point, the form exchanged in ADD_CON and CONNECT_RESP
// payloads.
func ECDHPublicKeyPEM(pub *ecdh.PublicKey) []byte {
	block := &pem.Block{Type: "EC PUBLIC KEY", Bytes: pub.Bytes()}
	return pem.EncodeToMemory(block)
}

// ParseECDHPublicKeyPEM is the inverse of ECDHPublicKeyPEM.
func ParseECDHPublicKeyPEM(data []byte) (*ecdh.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block: no PEM data found")
	}
	pub, err := ecdh.P384().NewPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse P-384 public key: %w", err)
	}
	return pub, nil
}

// NewSalt returns n cryptographically random bytes, for use as an HKDF
// salt (and, during ADD_CON/GIVE_DIRECT, as the blob a relay signs).
func NewSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// ECDHEDerive computes the P-384 shared secret between priv and
// peerPub, then HKDF-SHA256-expands it with the given salt into a
// 32-byte session key.
func ECDHEDerive(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey, salt []byte) ([32]byte, error) {
	var key [32]byte
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return key, fmt.Errorf("ecdhe shared secret: %w", err)
	}
	kdf := hkdf.New(sha256.New, secret, salt, []byte("daphne-circuit-key"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// AESEncrypt generates a fresh random IV, PKCS#7-pads plaintext to a
// 16-byte multiple, and AES-256-CBC encrypts it under key.
func AESEncrypt(key [32]byte, plaintext []byte) (ciphertext, iv []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("aes cipher: %w", err)
	}

	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, iv, nil
}

// AESDecrypt decrypts ciphertext under key and iv and strips PKCS#7
// padding.
func AESDecrypt(key [32]byte, ciphertext, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aes decrypt: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("aes decrypt: ciphertext length %d not a multiple of block size", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7 unpad: empty input")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("pkcs7 unpad: invalid padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("pkcs7 unpad: invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
