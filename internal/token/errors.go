package token

import "errors"

var (
	// ErrDisabled is returned by an operation whose key material is not
	// configured. It is not a verification failure: the feature is off.
	ErrDisabled = errors.New("token operation disabled: key material not configured")

	ErrKeyMaterial      = errors.New("invalid key material")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrClaimMismatch    = errors.New("token claim mismatch")
	ErrDecryptionFailed = errors.New("token decryption failed")
)
