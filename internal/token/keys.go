package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// decodePEM unwraps base64-encoded PEM, the form keys take in environment
// variables.
func decodePEM(b64 string) (*pem.Block, error) {
	s := strings.TrimSpace(b64)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: not base64: %v", ErrKeyMaterial, err)
		}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode PEM block", ErrKeyMaterial)
	}
	return block, nil
}

// ParsePrivateKey reads a base64-encoded PEM RSA private key.
func ParsePrivateKey(b64 string) (*rsa.PrivateKey, error) {
	block, err := decodePEM(b64)
	if err != nil {
		return nil, err
	}

	// Try parsing as PKCS#8 first (genpkey output), then PKCS#1
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse private key: %v", ErrKeyMaterial, err)
		}
		return rsaKey, nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not RSA", ErrKeyMaterial)
	}
	return rsaKey, nil
}

// ParsePublicKey reads a base64-encoded PEM RSA public key (PKIX or PKCS#1).
func ParsePublicKey(b64 string) (*rsa.PublicKey, error) {
	block, err := decodePEM(b64)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse public key: %v", ErrKeyMaterial, err)
		}
		return rsaKey, nil
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrKeyMaterial)
	}
	return rsaKey, nil
}

// GenerateKey creates an RSA key pair.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}

// EncodePrivateKey returns key as base64-encoded PKCS#8 PEM.
func EncodePrivateKey(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// EncodePublicKey returns key as base64-encoded PKIX PEM.
func EncodePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
