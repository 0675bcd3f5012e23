// Package checkpoint issues Ed25519 administrator keys and verifies the
// signatures that release an approved cycle. Secret keys are returned once and
// never stored; only public keys are registered.
package checkpoint

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/civicbot/governor/internal/apperr"
)

// #region errors

var (
	ErrMalformedKey     = apperr.New(apperr.KindValidation, "malformed key")
	ErrInvalidSignature = apperr.New(apperr.KindRejected, "invalid checkpoint signature")
	ErrUnregisteredKey  = apperr.New(apperr.KindRejected, "public key is not registered")
)

// #endregion errors

// #region keypair

// KeyPair holds a fresh key. SecretKey is the 32-byte seed.
type KeyPair struct {
	PublicKey ed25519.PublicKey
	SecretKey []byte
}

// PublicKeyHex returns the lowercase hex public key.
func (k KeyPair) PublicKeyHex() string { return hex.EncodeToString(k.PublicKey) }

// SecretKeyHex returns the lowercase hex seed.
func (k KeyPair) SecretKeyHex() string { return hex.EncodeToString(k.SecretKey) }

// GenerateKeyPair creates a key pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return KeyPair{PublicKey: pub, SecretKey: priv.Seed()}, nil
}

// #endregion keypair

// #region sign-verify

// Sign produces a detached signature over msg. secret may be the 32-byte seed
// or the 64-byte expanded private key.
func Sign(msg, secret []byte) ([]byte, error) {
	var priv ed25519.PrivateKey
	switch len(secret) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(secret)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(secret)
	default:
		return nil, fmt.Errorf("%w: secret key must be %d or %d bytes, got %d",
			ErrMalformedKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(secret))
	}
	sig := ed25519.Sign(priv, msg)
	if len(secret) == ed25519.SeedSize {
		wipe(priv)
	}
	return sig, nil
}

// SignHex decodes secretHex into locked memory, signs msg and returns the hex
// signature. The decoded secret is wiped before returning.
func SignHex(msg []byte, secretHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil {
		return "", fmt.Errorf("%w: secret key is not hex", ErrMalformedKey)
	}
	var sig []byte
	err = withSecret(raw, func(secret []byte) error {
		var serr error
		sig, serr = Sign(msg, secret)
		return serr
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// Verify reports whether sig is a valid signature of msg under pub. Malformed
// input returns false.
func Verify(msg, sig, pub []byte) (ok bool) {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// VerifyHex is Verify over hex-encoded signature and public key.
func VerifyHex(msg []byte, sigHex, pubHex string) bool {
	sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return false
	}
	pub, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return false
	}
	return Verify(msg, sig, pub)
}

// NormalizePublicKey validates a hex public key and returns it lowercased.
func NormalizePublicKey(pubHex string) (string, error) {
	pubHex = strings.ToLower(strings.TrimSpace(pubHex))
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key must be %d hex-encoded bytes", ErrMalformedKey, ed25519.PublicKeySize)
	}
	return pubHex, nil
}

// #endregion sign-verify
